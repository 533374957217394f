// Package overlay holds short-lived optimistic values that mask the
// authoritative value of a field while a write is on its way to the remote.
//
// An override expires on its own after its TTL. Close cancels every pending
// expiry at once, which is what a view does when it goes away.
package overlay

import (
	"sync"
	"time"

	"github.com/localboard/boardsync/internal/clock"
)

// DefaultTTL outlasts the flush debounce plus a typical round trip.
const DefaultTTL = time.Second

// Overlay maps keys to optimistic values with automatic expiry.
type Overlay[K comparable, V any] struct {
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	entries  map[K]*entry[V]
	onExpire func(K)
	closed   bool
}

type entry[V any] struct {
	value V
	timer clock.Timer
}

// New creates an Overlay. ttl <= 0 uses DefaultTTL; a nil clock uses the
// real clock.
func New[K comparable, V any](clk clock.Clock, ttl time.Duration) *Overlay[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Overlay[K, V]{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[K]*entry[V]),
	}
}

// Set masks key with value for ttl (the overlay default when ttl <= 0). A
// newer Set for the same key replaces the value and restarts the expiry.
func (o *Overlay[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = o.ttl
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	if old, ok := o.entries[key]; ok {
		old.timer.Stop()
	}
	e := &entry[V]{value: value}
	e.timer = o.clock.AfterFunc(ttl, func() {
		o.mu.Lock()
		if o.entries[key] != e {
			o.mu.Unlock()
			return
		}
		delete(o.entries, key)
		fn := o.onExpire
		o.mu.Unlock()

		if fn != nil {
			fn(key)
		}
	})
	o.entries[key] = e
}

// OnExpire registers fn to run after an override expires on its own. It is
// not called for Clear or Close. fn runs on the expiry timer's goroutine
// without the overlay's lock held.
func (o *Overlay[K, V]) OnExpire(fn func(key K)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onExpire = fn
}

// Effective returns the override for key if one is live, otherwise
// authoritative.
func (o *Overlay[K, V]) Effective(key K, authoritative V) V {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		return e.value
	}
	return authoritative
}

// Get returns the live override for key.
func (o *Overlay[K, V]) Get(key K) (V, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Clear drops the override for key before it expires.
func (o *Overlay[K, V]) Clear(key K) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		e.timer.Stop()
		delete(o.entries, key)
	}
}

// Len returns the number of live overrides.
func (o *Overlay[K, V]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close cancels every expiry timer and drops all overrides. The overlay
// ignores Set afterwards.
func (o *Overlay[K, V]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		e.timer.Stop()
	}
	o.entries = make(map[K]*entry[V])
	o.closed = true
}
