// Package wsremote implements remote.Store as a client of the boardsync hub.
//
// One websocket carries every request and subscription of a process.
// Requests are matched to answers by id; snapshots pushed by the hub are
// fanned out to local subscribers. Callbacks run on the connection's read
// goroutine and must not wait on a request of the same client.
package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/localboard/boardsync/internal/hub"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// DefaultRequestTimeout bounds a request whose context has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("hub connection closed")

// Client is a connection to a hub.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	nextReq uint64
	pending map[uint64]chan hub.Frame
	subs    map[remote.Key]map[uint64]*subscription
	nextSub uint64
	// seq counts snapshots per key so a subscribe answer that raced with a
	// newer snapshot is not delivered after it.
	seq     map[remote.Key]uint64
	closed  bool
	closing bool

	closeOnce sync.Once
}

type subscription struct {
	onChange func(string)
	onError  func(error)
}

// Dial connects to the hub at url (ws://host:port/ws) as id.
func Dial(ctx context.Context, url string, id identity.Identity, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[wsremote] ", log.LstdFlags)
	}

	header := http.Header{}
	header.Set(hub.HeaderIdentity, id.ID)
	if id.IsAnonymous {
		header.Set(hub.HeaderAnonymous, "true")
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub %s: %w", url, err)
	}
	conn.SetReadLimit(16 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		logger:  logger,
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan hub.Frame),
		subs:    make(map[remote.Key]map[uint64]*subscription),
		seq:     make(map[remote.Key]uint64),
	}
	go c.readLoop()
	return c, nil
}

// Read implements remote.Store.
func (c *Client) Read(ctx context.Context, key remote.Key) (string, bool, error) {
	f, err := c.call(ctx, hub.Frame{Op: hub.OpRead, Collection: key.Collection, DocumentID: key.DocumentID})
	if err != nil {
		return "", false, err
	}
	return f.Payload, f.Found, nil
}

// UpsertMerge implements remote.Store. The hub attributes the write to the
// identity the connection was dialed with.
func (c *Client) UpsertMerge(ctx context.Context, key remote.Key, payload string) error {
	_, err := c.call(ctx, hub.Frame{Op: hub.OpUpsert, Collection: key.Collection, DocumentID: key.DocumentID, Payload: payload})
	return err
}

// Subscribe implements remote.Store. The current payload is delivered
// before Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, key remote.Key, onChange func(string), onError func(error)) (func(), error) {
	sub := &subscription{onChange: onChange, onError: onError}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, remote.NewError(remote.UnavailableFatal, "subscribe", key, ErrClosed)
	}
	c.nextSub++
	id := c.nextSub
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]*subscription)
	}
	c.subs[key][id] = sub
	before := c.seq[key]
	c.mu.Unlock()

	f, err := c.call(ctx, hub.Frame{Op: hub.OpSubscribe, Collection: key.Collection, DocumentID: key.DocumentID})
	if err != nil {
		c.drop(key, id)
		return nil, err
	}

	c.mu.Lock()
	stale := c.seq[key] != before
	c.mu.Unlock()
	if f.Found && !stale {
		onChange(f.Payload)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.drop(key, id) })
	}, nil
}

// drop removes one local subscription and tells the hub when it was the
// last one for key. It never waits for the answer.
func (c *Client) drop(key remote.Key, id uint64) {
	c.mu.Lock()
	delete(c.subs[key], id)
	last := len(c.subs[key]) == 0
	if last {
		delete(c.subs, key)
	}
	closed := c.closed
	c.mu.Unlock()

	if !last || closed {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, DefaultRequestTimeout)
		defer cancel()
		_ = c.write(ctx, hub.Frame{Op: hub.OpUnsubscribe, Collection: key.Collection, DocumentID: key.DocumentID})
	}()
}

// Subscribers returns the number of local subscriptions for key.
func (c *Client) Subscribers(key remote.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[key])
}

// Close closes the connection. Pending requests fail with an
// UnavailableFatal error; subscribers are not notified.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	<-c.done
	return nil
}

func (c *Client) call(ctx context.Context, f hub.Frame) (hub.Frame, error) {
	key := f.Key()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	ch := make(chan hub.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hub.Frame{}, remote.NewError(remote.UnavailableFatal, string(f.Op), key, ErrClosed)
	}
	c.nextReq++
	f.Req = c.nextReq
	c.pending[f.Req] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Req)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return hub.Frame{}, c.failure(string(f.Op), key, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return hub.Frame{}, remote.NewError(remote.UnavailableFatal, string(f.Op), key, ErrClosed)
		}
		if err := resp.Err(f.Op); err != nil {
			return hub.Frame{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return hub.Frame{}, c.failure(string(f.Op), key, ctx.Err())
	}
}

// failure classifies a transport error: a dead connection is fatal since
// this client does not reconnect, anything else is retried.
func (c *Client) failure(op string, key remote.Key, err error) error {
	select {
	case <-c.done:
		return remote.NewError(remote.UnavailableFatal, op, key, ErrClosed)
	default:
		return remote.NewError(remote.Transient, op, key, err)
	}
}

func (c *Client) write(ctx context.Context, f hub.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if !c.isClosing() {
				c.logger.Printf("Warning: hub connection lost: %v", err)
			}
			return
		}

		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Printf("Warning: discarding malformed frame: %v", err)
			continue
		}

		switch f.Op {
		case hub.OpResult, hub.OpError:
			c.mu.Lock()
			ch := c.pending[f.Req]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}

		case hub.OpSnapshot:
			key := f.Key()
			c.mu.Lock()
			c.seq[key]++
			subs := make([]*subscription, 0, len(c.subs[key]))
			for _, s := range c.subs[key] {
				subs = append(subs, s)
			}
			c.mu.Unlock()
			for _, s := range subs {
				s.onChange(f.Payload)
			}
		}
	}
}

// shutdown fails every pending request and reports the loss to every
// subscriber.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for req, ch := range c.pending {
		close(ch)
		delete(c.pending, req)
	}
	var subs []struct {
		key remote.Key
		sub *subscription
	}
	for key, m := range c.subs {
		for _, s := range m {
			subs = append(subs, struct {
				key remote.Key
				sub *subscription
			}{key, s})
		}
	}
	c.subs = make(map[remote.Key]map[uint64]*subscription)
	closing := c.closing
	c.mu.Unlock()

	close(c.done)

	if closing {
		return
	}
	for _, s := range subs {
		if s.sub.onError != nil {
			s.sub.onError(remote.NewError(remote.UnavailableFatal, "subscribe", s.key, ErrClosed))
		}
	}
}
