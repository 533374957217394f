package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// Status summarizes a handle's sync state for display.
type Status string

const (
	// StatusLocalOnly means the handle never syncs (no identity or no remote).
	StatusLocalOnly Status = "local-only"
	// StatusSynced means the remote holds the latest local value.
	StatusSynced Status = "synced"
	// StatusPending means a local edit has not reached the remote yet.
	StatusPending Status = "pending"
	// StatusDenied means the remote refused access to this document.
	StatusDenied Status = "denied"
	// StatusOffline means remote sync is disabled for the process.
	StatusOffline Status = "offline"
)

// Handle is the single owner of one document's in-memory value.
type Handle[T any] struct {
	e   *Engine
	key remote.Key

	// remoteOn is false when the handle was opened without an identity or
	// a remote; it never changes afterwards.
	remoteOn bool
	ctx      context.Context
	cancel   context.CancelFunc

	mu             sync.Mutex
	value          T
	current        string // serialized value
	lastKnown      string // last payload known to be on the remote
	written        history
	pending        bool
	pendingPayload string
	inFlight       bool
	flight         string // payload of the outstanding write
	deferred       bool // a foreign snapshot arrived while a write was outstanding
	dirty          bool // the cache flagged the cached value as never acknowledged
	closed         bool

	listenersMu sync.Mutex
	listeners   map[uint64]func(T, bool)
	nextID      uint64
}

// Open opens key with initial as the fallback value. A well-formed cached
// payload wins over initial. When the engine has an identity and a remote,
// the document is seeded on the remote (once per process) and subscribed.
// A cached value whose remote write never succeeded is written again.
//
// Remote failures never fail Open; they degrade the handle instead.
func Open[T any](ctx context.Context, e *Engine, key remote.Key, initial T) (*Handle[T], error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid document key %q", key)
	}

	h := &Handle[T]{
		e:         e,
		key:       key,
		listeners: make(map[uint64]func(T, bool)),
	}
	if err := e.register(key, h); err != nil {
		return nil, err
	}

	if err := h.load(initial); err != nil {
		e.unregister(key, h)
		return nil, err
	}

	id, ok := e.caller()
	h.remoteOn = ok
	h.ctx, h.cancel = context.WithCancel(identity.WithIdentity(context.WithoutCancel(ctx), id))
	if h.remoteOn && e.remoteUsable(key) {
		if h.dirty {
			h.pending = true
			h.pendingPayload = h.current
		}
		h.ensure()
		h.subscribe()

		h.mu.Lock()
		retry := h.pending && !h.closed
		h.mu.Unlock()
		if retry {
			h.scheduleFlush()
		}
	}
	return h, nil
}

func (h *Handle[T]) load(initial T) error {
	cacheKey := h.key.String()
	if payload, ok := h.e.cache.Get(cacheKey); ok {
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err == nil {
			h.value = v
			h.current = payload
			if marker, ok := h.e.cache.Get(cache.PendingKey(cacheKey)); ok && marker != "" {
				h.dirty = true
			} else {
				h.lastKnown = payload
			}
			return nil
		}
		h.e.sched.WarnOnce(h.key, "cache-parse", "ignoring malformed cached copy of %s", h.key)
	}

	data, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("failed to marshal initial value of %s: %w", h.key, err)
	}
	h.value = copyOf(initial)
	h.current = string(data)
	h.lastKnown = string(data)
	if err := h.e.cache.Set(cacheKey, h.current); err != nil {
		h.e.sched.WarnOnce(h.key, "cache", "failed to cache %s: %v", h.key, err)
	}
	return nil
}

// ensure makes sure the document exists on the remote, once per process.
func (h *Handle[T]) ensure() {
	e := h.e
	if e.sched.Ensured(h.key) {
		return
	}

	_, found, err := e.remote.Read(h.ctx, h.key)
	if err != nil {
		e.handleRemoteError(h.key, "read", err)
		return
	}
	if found {
		e.sched.MarkEnsured(h.key)
		return
	}

	h.mu.Lock()
	payload := h.current
	h.inFlight = true
	h.flight = payload
	h.mu.Unlock()

	err = e.remote.UpsertMerge(h.ctx, h.key, payload)

	h.mu.Lock()
	h.inFlight = false
	if err == nil {
		h.lastKnown = payload
		h.written.add(payload)
		if h.pending && h.pendingPayload == payload {
			h.pending = false
			h.markPending(false)
		}
	}
	h.mu.Unlock()

	if err != nil {
		e.handleRemoteError(h.key, "seed", err)
		return
	}
	e.sched.MarkEnsured(h.key)
}

func (h *Handle[T]) subscribe() {
	e := h.e
	if !e.remoteUsable(h.key) {
		return
	}
	unsubscribe, err := e.remote.Subscribe(h.ctx, h.key, h.onSnapshot, func(err error) {
		e.handleRemoteError(h.key, "subscribe", err)
	})
	if err != nil {
		e.handleRemoteError(h.key, "subscribe", err)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		unsubscribe()
		return
	}
	e.sched.Track(h.key, OwnerHandle, unsubscribe)
}

// Key returns the document key.
func (h *Handle[T]) Key() remote.Key {
	return h.key
}

// Get returns the current in-memory value. Local edits are visible
// immediately.
//
// When T has a Clone() T method (board.Board does) the result is a deep copy.
// Otherwise it may share slices and maps with the handle's value and must be
// treated as read-only; change the document through Set.
func (h *Handle[T]) Get() T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyOf(h.value)
}

// cloner is implemented by document types that hold reference values.
type cloner[T any] interface {
	Clone() T
}

func copyOf[T any](v T) T {
	if c, ok := any(v).(cloner[T]); ok {
		return c.Clone()
	}
	return v
}

// markPending records in the cache whether the cached value still has to
// reach the remote, so a restart retries the write. Callers hold h.mu.
func (h *Handle[T]) markPending(on bool) {
	value := ""
	if on {
		value = "1"
	}
	if err := h.e.cache.Set(cache.PendingKey(h.key.String()), value); err != nil {
		h.e.sched.WarnOnce(h.key, "cache", "failed to cache %s: %v", h.key, err)
	}
	h.dirty = on
}

// Payload returns the serialized current value.
func (h *Handle[T]) Payload() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Set applies update to the current value. The result is stored in memory
// and in the local cache before Set returns; the remote write is debounced.
// A cache failure is logged and does not fail Set. update receives a copy
// when T has a Clone method.
func (h *Handle[T]) Set(update func(T) T) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	next := update(copyOf(h.value))
	data, err := json.Marshal(next)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to marshal %s: %w", h.key, err)
	}
	payload := string(data)
	h.value = next
	if payload == h.current {
		h.mu.Unlock()
		return nil
	}
	h.current = payload

	if err := h.e.cache.Set(h.key.String(), payload); err != nil {
		h.e.sched.WarnOnce(h.key, "cache", "failed to cache %s: %v", h.key, err)
	}

	schedule := false
	if h.remoteOn && h.e.remoteUsable(h.key) {
		if !h.dirty {
			h.markPending(true)
		}
		h.pending = true
		h.pendingPayload = payload
		schedule = true
	}
	h.mu.Unlock()

	if schedule {
		h.scheduleFlush()
	}
	h.notify(next, false)
	return nil
}

// Reset replaces the whole document with initial, as when a board is reset.
func (h *Handle[T]) Reset(initial T) error {
	return h.Set(func(T) T { return initial })
}

// Flush sends a pending write now instead of waiting for the debounce timer,
// and returns the remote error, if any. It returns nil when nothing is
// pending, when a write is already in flight, or when the handle is
// local-only.
func (h *Handle[T]) Flush(ctx context.Context) error {
	h.e.sched.Cancel(h.key)
	return h.flush(ctx)
}

func (h *Handle[T]) scheduleFlush() {
	h.e.sched.Schedule(h.key, h.e.debounce, func() {
		_ = h.flush(h.ctx)
	})
}

func (h *Handle[T]) flush(ctx context.Context) error {
	e := h.e

	h.mu.Lock()
	if h.closed || !h.pending || h.inFlight {
		h.mu.Unlock()
		return nil
	}
	if !h.remoteOn || !e.remoteUsable(h.key) {
		h.pending = false
		h.mu.Unlock()
		return nil
	}
	payload := h.pendingPayload
	h.pending = false
	h.inFlight = true
	h.flight = payload
	h.mu.Unlock()

	err := e.remote.UpsertMerge(identity.WithIdentity(ctx, h.caller()), h.key, payload)

	h.mu.Lock()
	h.inFlight = false
	if err == nil {
		h.lastKnown = payload
		h.written.add(payload)
		if !h.pending {
			h.markPending(false)
		}
		again := h.pending && !h.closed
		resync := h.deferred && !h.pending && !h.closed
		if resync {
			h.deferred = false
		}
		h.mu.Unlock()

		if again {
			h.scheduleFlush()
		}
		if resync {
			h.resync()
		}
		return nil
	}

	kind := remote.KindOf(err)
	retry := false
	if kind == remote.Transient && !h.closed {
		if !h.pending {
			h.pending = true
			h.pendingPayload = payload
		}
		retry = true
	} else {
		h.pending = false
	}
	h.mu.Unlock()

	e.handleRemoteError(h.key, "upsert", err)
	if retry {
		h.scheduleFlush()
	}
	return err
}

func (h *Handle[T]) caller() identity.Identity {
	id, _ := identity.FromContext(h.ctx)
	return id
}

// resync reads the remote after a foreign snapshot was held back during a
// write, so a change that landed after ours is not lost.
func (h *Handle[T]) resync() {
	if !h.e.remoteUsable(h.key) {
		return
	}
	payload, found, err := h.e.remote.Read(h.ctx, h.key)
	if err != nil {
		h.e.handleRemoteError(h.key, "read", err)
		return
	}
	if found {
		h.onSnapshot(payload)
	}
}

// onSnapshot reconciles a payload delivered by the remote subscription.
func (h *Handle[T]) onSnapshot(payload string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	// Our own write echoing back, or an older write of ours arriving late.
	if payload == h.lastKnown || h.written.contains(payload) || (h.inFlight && payload == h.flight) {
		h.mu.Unlock()
		return
	}

	// A local edit is outstanding and will land after this snapshot.
	if h.pending || h.inFlight {
		h.deferred = true
		h.mu.Unlock()
		return
	}

	if payload == h.current {
		h.lastKnown = payload
		if h.dirty {
			h.markPending(false)
		}
		h.mu.Unlock()
		return
	}

	var next T
	if err := json.Unmarshal([]byte(payload), &next); err != nil {
		h.mu.Unlock()
		h.e.sched.WarnOnce(h.key, "parse", "discarding malformed snapshot of %s: %v", h.key, err)
		return
	}

	h.value = next
	h.current = payload
	h.lastKnown = payload
	// Hashes of our earlier writes must not mask a collaborator who later
	// writes one of those values back.
	h.written.reset()
	if err := h.e.cache.Set(h.key.String(), payload); err != nil {
		h.e.sched.WarnOnce(h.key, "cache", "failed to cache %s: %v", h.key, err)
	}
	h.mu.Unlock()

	h.notify(next, true)
}

// OnChange registers fn to be called after every change of the value. remote
// is true when the change came from a remote snapshot. The returned function
// removes fn.
func (h *Handle[T]) OnChange(fn func(value T, remote bool)) func() {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()

	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	return func() {
		h.listenersMu.Lock()
		defer h.listenersMu.Unlock()
		delete(h.listeners, id)
	}
}

func (h *Handle[T]) notify(value T, fromRemote bool) {
	h.listenersMu.Lock()
	fns := make([]func(T, bool), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.listenersMu.Unlock()

	for _, fn := range fns {
		fn(copyOf(value), fromRemote)
	}
}

// Status reports the handle's sync state.
func (h *Handle[T]) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case !h.remoteOn:
		return StatusLocalOnly
	case h.e.sched.Denied(h.key):
		return StatusDenied
	}
	if disabled, _ := h.e.sched.Disabled(); disabled {
		return StatusOffline
	}
	if h.pending || h.inFlight {
		return StatusPending
	}
	return StatusSynced
}

// Close releases the document: the pending debounce timer is cancelled
// without writing, the remote subscription is dropped, and the key may be
// opened again. Close is idempotent.
func (h *Handle[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.pending = false
	h.mu.Unlock()

	h.e.sched.Cancel(h.key)
	h.e.sched.Release(h.key, OwnerHandle)
	h.cancel()
	h.e.unregister(h.key, h)

	h.listenersMu.Lock()
	h.listeners = make(map[uint64]func(T, bool))
	h.listenersMu.Unlock()
}
