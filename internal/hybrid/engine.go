// Package hybrid implements the local-first document store.
//
// Every open document has exactly one authoritative in-memory value. Local
// writes update that value and the local cache synchronously, then reach the
// remote store through a debounced flush with at most one write in flight.
// Remote snapshots are adopted unless they merely echo a write this client
// made, and every remote failure degrades to local-only operation instead of
// surfacing to the user:
//
//   - permission denied: remote sync stops for that key for the session
//   - unavailable (fatal): remote sync stops for the whole process
//   - transient: the write is retried on the next debounce cycle
//   - malformed snapshot: discarded and logged once
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/scheduler"
)

// DefaultDebounce is the remote flush delay after the first unflushed edit.
const DefaultDebounce = 300 * time.Millisecond

// Subscription owners tracked in the scheduler.
const (
	OwnerHandle  = "handle"
	OwnerVisible = "visible"
)

var (
	// ErrAlreadyOpen is returned when a key is opened twice in one engine.
	ErrAlreadyOpen = errors.New("document already open")
	// ErrClosed is returned by operations on a closed handle or engine.
	ErrClosed = errors.New("closed")
)

// Config holds the collaborators of an Engine.
type Config struct {
	// Cache is the local persistent mirror. Required.
	Cache cache.Cache

	// Remote is the authoritative store. Nil means local-only.
	Remote remote.Store

	// Identity supplies the caller; none or anonymous means local-only.
	Identity identity.Provider

	// Scheduler owns timers, subscriptions and the per-process registries.
	// Nil creates one on the real clock.
	Scheduler *scheduler.Scheduler

	// Debounce is the remote flush delay. Zero uses DefaultDebounce.
	Debounce time.Duration

	// Logger for engine activity
	Logger *log.Logger
}

// Engine opens documents and owns what they share: the cache, the remote
// store and the scheduler.
type Engine struct {
	cache    cache.Cache
	remote   remote.Store
	identity identity.Provider
	sched    *scheduler.Scheduler
	debounce time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	open   map[remote.Key]closer
	closed bool
}

type closer interface {
	Close()
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.None()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hybrid] ", log.LstdFlags)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.New(nil, cfg.Logger)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Engine{
		cache:    cfg.Cache,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		sched:    cfg.Scheduler,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		open:     make(map[remote.Key]closer),
	}, nil
}

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Debounce returns the flush delay.
func (e *Engine) Debounce() time.Duration {
	return e.debounce
}

// IsOpen reports whether a handle for key is open.
func (e *Engine) IsOpen(key remote.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[key]
	return ok
}

// OpenCount returns the number of open handles.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// caller returns the identity remote sync runs as, or false when the engine
// is local-only for every key.
func (e *Engine) caller() (identity.Identity, bool) {
	if e.remote == nil {
		return identity.Identity{}, false
	}
	id, ok := e.identity.Current()
	if !ok || !id.CanSync() {
		return identity.Identity{}, false
	}
	return id, true
}

// remoteUsable reports whether remote calls may be made for key right now.
func (e *Engine) remoteUsable(key remote.Key) bool {
	if disabled, _ := e.sched.Disabled(); disabled {
		return false
	}
	return !e.sched.Denied(key)
}

// SetVisible keeps the documents in keys subscribed so their snapshots are
// mirrored into the local cache for offline use. Keys that are open are
// skipped (their handle already subscribes), as are denied keys. Only the
// difference from the previous call is subscribed or unsubscribed.
func (e *Engine) SetVisible(ctx context.Context, keys []remote.Key) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	var want []remote.Key
	id, ok := e.caller()
	if ok {
		for _, k := range keys {
			if !k.Valid() || e.IsOpen(k) || !e.remoteUsable(k) {
				continue
			}
			want = append(want, k)
		}
	}

	rctx := identity.WithIdentity(context.WithoutCancel(ctx), id)
	_, _, err := e.sched.Reconcile(OwnerVisible, want, func(k remote.Key) (func(), error) {
		return e.remote.Subscribe(rctx, k,
			func(payload string) { e.mirror(k, payload) },
			func(err error) { e.handleRemoteError(k, "subscribe", err) },
		)
	})
	if err != nil {
		e.logger.Printf("Warning: visible set partially subscribed: %v", err)
	}
	return nil
}

// mirror stores a snapshot of a document that is visible but not open. A
// cached copy with unacknowledged local edits is left alone; the next Open
// writes it.
func (e *Engine) mirror(key remote.Key, payload string) {
	if e.IsOpen(key) {
		return
	}
	if marker, ok := e.cache.Get(cache.PendingKey(key.String())); ok && marker != "" {
		return
	}
	if !json.Valid([]byte(payload)) {
		e.sched.WarnOnce(key, "parse", "discarding malformed snapshot of %s", key)
		return
	}
	if current, ok := e.cache.Get(key.String()); ok && current == payload {
		return
	}
	if err := e.cache.Set(key.String(), payload); err != nil {
		e.sched.WarnOnce(key, "cache", "failed to cache %s: %v", key, err)
	}
}

// handleRemoteError applies the degradation policy for err.
func (e *Engine) handleRemoteError(key remote.Key, op string, err error) {
	switch remote.KindOf(err) {
	case remote.PermissionDenied:
		e.deny(key, err)
	case remote.UnavailableFatal:
		e.sched.Disable(fmt.Sprintf("%s %s: %v", op, key, err))
	default:
		e.sched.WarnOnce(key, "transient", "transient %s failure on %s, will retry: %v", op, key, err)
	}
}

func (e *Engine) deny(key remote.Key, err error) {
	e.sched.MarkDenied(key)
	e.sched.WarnOnce(key, "denied", "remote access to %s denied, continuing local-only: %v", key, err)
	e.sched.Cancel(key)
	e.sched.Release(key, OwnerHandle)
	e.sched.Release(key, OwnerVisible)
}

func (e *Engine) register(key remote.Key, c closer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.open[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyOpen)
	}
	e.open[key] = c
	return nil
}

func (e *Engine) unregister(key remote.Key, c closer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open[key] == c {
		delete(e.open, key)
	}
}

// Shutdown closes every open handle and cancels all timers and
// subscriptions. Pending remote writes are dropped; the local cache already
// holds every value.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	handles := make([]closer, 0, len(e.open))
	for _, c := range e.open {
		handles = append(handles, c)
	}
	e.mu.Unlock()

	for _, c := range handles {
		c.Close()
	}
	e.sched.Shutdown()
}
