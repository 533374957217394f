package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/config"
	"github.com/localboard/boardsync/internal/docdb"
	"github.com/localboard/boardsync/internal/hybrid"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/remote/dirstore"
	"github.com/localboard/boardsync/internal/remote/redisstore"
	"github.com/localboard/boardsync/internal/remote/wsremote"
)

// DefaultCollection holds boards unless --collection says otherwise.
const DefaultCollection = "boards"

// openRemote builds the configured remote store. A nil store means
// local-only. release must be called when done.
func openRemote(ctx context.Context, c *config.Config, logger *log.Logger) (remote.Store, func(), error) {
	noop := func() {}

	switch c.Remote.Backend {
	case config.BackendNone, "":
		return nil, noop, nil

	case config.BackendMemory:
		return remote.NewMemory(), noop, nil

	case config.BackendRedis:
		s, err := redisstore.New(c.Remote.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { closeQuietly(logger, "redis", s.Close) }, nil

	case config.BackendDir:
		s, err := dirstore.Open(c.Remote.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { closeQuietly(logger, "directory store", s.Close) }, nil

	case config.BackendHub:
		cl, err := wsremote.Dial(ctx, c.Remote.URL, c.Caller(), logger)
		if err != nil {
			return nil, nil, err
		}
		return cl, func() { closeQuietly(logger, "hub connection", cl.Close) }, nil

	case config.BackendTurso:
		db, err := openDocDB(c.Remote.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return docdb.NewRemote(db, 0), func() { closeQuietly(logger, "database", db.Close) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Remote.Backend)
	}
}

// openDocDB opens a document database. URLs (libsql://, https://) go
// through the libsql driver, which needs a cgo build; anything else is a
// local file.
func openDocDB(target string, logger *log.Logger) (*docdb.DB, error) {
	if strings.Contains(target, "://") {
		if !libsqlAvailable {
			return nil, errors.New("remote Turso URLs need a cgo build of boardsync")
		}
		return docdb.OpenDriver("libsql", target, logger)
	}
	return docdb.Open(target, logger)
}

// membershipDB opens the database memberships are managed in: the Turso
// backend's database when that backend is configured, the hub's otherwise.
func membershipDB(c *config.Config, logger *log.Logger) (*docdb.DB, error) {
	if c.Remote.Backend == config.BackendTurso {
		return openDocDB(c.Remote.URL, logger)
	}
	return docdb.Open(c.Hub.DB, logger)
}

func closeQuietly(logger *log.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Printf("Warning: failed to close %s: %v", what, err)
	}
}

// session is an engine wired to the configured cache and remote.
type session struct {
	engine  *hybrid.Engine
	cache   *cache.SQLite
	logger  *log.Logger
	release func()
}

func openSession(ctx context.Context, c *config.Config, logger *log.Logger) (*session, error) {
	cc, err := cache.OpenSQLite(c.Cache.Path, logger)
	if err != nil {
		return nil, err
	}

	store, release, err := openRemote(ctx, c, logger)
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open %s backend: %w", c.Remote.Backend, err)
	}

	e, err := hybrid.New(hybrid.Config{
		Cache:    cc,
		Remote:   store,
		Identity: identity.Static(c.Caller()),
		Debounce: c.Sync.Debounce,
		Logger:   logger,
	})
	if err != nil {
		release()
		_ = cc.Close()
		return nil, err
	}
	return &session{engine: e, cache: cc, logger: logger, release: release}, nil
}

func (s *session) Close() {
	s.engine.Shutdown()
	s.release()
	_ = s.cache.Close()
}

// openBoard opens the board documentID; name seeds a board that exists
// nowhere yet.
func (s *session) openBoard(ctx context.Context, collection, documentID, name string) (*hybrid.Handle[board.Board], error) {
	if name == "" {
		name = documentID
	}
	key := remote.Key{Collection: collection, DocumentID: documentID}
	return hybrid.Open(ctx, s.engine, key, board.New(name, now()))
}
