// Package hub serves documents from a docdb database to boardsync clients
// over websockets.
//
// Each connection carries one identity, taken from the handshake headers.
// Reads, writes and subscriptions are authorized against the document's
// memberships. A successful write is pushed to every connection subscribed
// to that document, the writer included.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/localboard/boardsync/internal/docdb"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8420"). Use "127.0.0.1:0" for a random port.
	Addr string

	// DB is the authoritative document store. Required.
	DB *docdb.DB

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr: ":8420",
	}
}

// Server manages websocket connections and document traffic.
type Server struct {
	addr     string
	db       *docdb.DB
	listener net.Listener
	server   *http.Server

	clients   map[*client]bool
	clientsMu sync.RWMutex

	broadcast chan Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

type client struct {
	conn *websocket.Conn
	id   identity.Identity

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[remote.Key]bool
}

func (c *client) send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) setSubscribed(key remote.Key, on bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if on {
		c.subs[key] = true
	} else {
		delete(c.subs, key)
	}
}

func (c *client) subscribed(key remote.Key) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[key]
}

// NewServer creates a hub server. It fails without a database.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DB == nil {
		return nil, errors.New("hub: database is required")
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		db:        config.DB,
		clients:   make(map[*client]bool),
		broadcast: make(chan Frame, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}, nil
}

// Start begins the HTTP server and websocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Hub listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping hub")
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Hub stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Subscribers returns how many connections are subscribed to key.
func (s *Server) Subscribers(key remote.Key) int {
	n := 0
	for _, c := range s.snapshotClients() {
		if c.subscribed(key) {
			n++
		}
	}
	return n
}

func (s *Server) snapshotClients() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// broadcastLoop pushes snapshots to subscribed clients in write order.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.broadcast:
			key := f.Key()
			for _, c := range s.snapshotClients() {
				if !c.subscribed(key) {
					continue
				}
				if err := c.send(s.ctx, f); err != nil {
					s.logger.Printf("Failed to send to %s: %v", c.id.ID, err)
					s.removeClient(c)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromHeaders(r.Header.Get)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)

	c := &client{conn: conn, id: id, subs: make(map[remote.Key]bool)}
	s.clientsMu.Lock()
	s.clients[c] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client %q connected (total: %d)", id.ID, clientCount)
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Printf("Warning: discarding malformed frame from %q: %v", c.id.ID, err)
			continue
		}
		if err := c.send(s.ctx, s.handle(c, f)); err != nil {
			return
		}
	}
}

// handle answers one request frame.
func (s *Server) handle(c *client, f Frame) Frame {
	key := f.Key()
	if !key.Valid() {
		return errorFrame(f.Req, key, remote.NewError(remote.Transient, string(f.Op), key, errors.New("invalid key")))
	}
	ctx := identity.WithIdentity(s.ctx, c.id)

	switch f.Op {
	case OpRead, OpSubscribe:
		if err := s.db.Authorize(ctx, key, c.id, false); err != nil {
			return errorFrame(f.Req, key, err)
		}
		// Subscribe before reading so no write between the two is missed.
		if f.Op == OpSubscribe {
			c.setSubscribed(key, true)
		}
		doc, found, err := s.db.Get(ctx, key)
		if err != nil {
			if f.Op == OpSubscribe {
				c.setSubscribed(key, false)
			}
			return errorFrame(f.Req, key, s.classify(f.Op, key, err))
		}
		return Frame{Op: OpResult, Req: f.Req, Collection: key.Collection, DocumentID: key.DocumentID, Payload: doc.Payload, Found: found}

	case OpUpsert:
		if err := s.db.Authorize(ctx, key, c.id, true); err != nil {
			return errorFrame(f.Req, key, err)
		}
		if _, err := s.db.Upsert(ctx, key, f.Payload, c.id.ID); err != nil {
			return errorFrame(f.Req, key, s.classify(f.Op, key, err))
		}
		snap := Frame{Op: OpSnapshot, Collection: key.Collection, DocumentID: key.DocumentID, Payload: f.Payload, Found: true}
		select {
		case s.broadcast <- snap:
		case <-s.ctx.Done():
		}
		return Frame{Op: OpResult, Req: f.Req, Collection: key.Collection, DocumentID: key.DocumentID}

	case OpUnsubscribe:
		c.setSubscribed(key, false)
		return Frame{Op: OpResult, Req: f.Req, Collection: key.Collection, DocumentID: key.DocumentID}

	default:
		return errorFrame(f.Req, key, remote.NewError(remote.Transient, string(f.Op), key, fmt.Errorf("unknown op %q", f.Op)))
	}
}

// classify keeps database failures transient for clients: the hub itself
// stays up, so a client should retry rather than disable sync.
func (s *Server) classify(op Op, key remote.Key, err error) error {
	s.logger.Printf("Warning: %s %s failed: %v", op, key, err)
	return remote.NewError(remote.Transient, string(op), key, err)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client %q disconnected (total: %d)", c.id.ID, clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	docs, err := s.db.Count(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"clients":   s.ClientCount(),
		"documents": docs,
	})
}
