// Package scheduler owns the per-process sync bookkeeping shared by every open
// document: pending debounce timers, active remote subscriptions, and the
// registries that remember which keys were already warned about, seeded on the
// remote, or denied.
//
// The scheduler:
// 1. Keeps at most one debounce timer per document key
// 2. Tracks subscriptions per (key, owner) so they can be torn down together
// 3. Reconciles a dynamic visible set by subscribing only what changed
// 4. Disables remote sync process-wide after a fatal remote failure
//
// Registries live for the lifetime of the Scheduler value. Shutdown cancels
// timers and subscriptions but leaves the registries in place; only a new
// Scheduler (a new process) forgets them.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/localboard/boardsync/internal/clock"
	"github.com/localboard/boardsync/internal/remote"
)

// Scheduler manages timers and subscriptions across all open documents.
type Scheduler struct {
	clock  clock.Clock
	logger *log.Logger

	mu       sync.Mutex
	timers   map[remote.Key]*timerEntry
	subs     map[subscription]func()
	warned   map[string]bool
	ensured  map[remote.Key]bool
	denied   map[remote.Key]bool
	disabled string // reason; empty while remote sync is allowed

	// reconcileMu serializes Reconcile calls so two visible-set updates can
	// never interleave their subscribe/unsubscribe sequences.
	reconcileMu sync.Mutex
}

type timerEntry struct {
	timer clock.Timer
}

type subscription struct {
	key   remote.Key
	owner string
}

// New creates a Scheduler. A nil clock uses the real clock and a nil logger
// logs to stderr.
func New(clk clock.Clock, logger *log.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		clock:   clk,
		logger:  logger,
		timers:  make(map[remote.Key]*timerEntry),
		subs:    make(map[subscription]func()),
		warned:  make(map[string]bool),
		ensured: make(map[remote.Key]bool),
		denied:  make(map[remote.Key]bool),
	}
}

// Clock returns the clock timers are scheduled on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arranges for fn to run after d unless a timer is already pending
// for key. It returns false when nothing was scheduled, either because a timer
// is pending or because remote sync is disabled.
func (s *Scheduler) Schedule(key remote.Key, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled != "" {
		return false
	}
	if _, ok := s.timers[key]; ok {
		return false
	}

	entry := &timerEntry{}
	entry.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[key] != entry {
			// Cancelled or replaced after the timer was already due.
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		fn()
	})
	s.timers[key] = entry
	return true
}

// Cancel stops the pending timer for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key remote.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	entry.timer.Stop()
	return true
}

// Scheduled reports whether a timer is pending for key.
func (s *Scheduler) Scheduled(key remote.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Track records unsubscribe as the subscription of owner on key. A
// subscription already tracked for the same pair is cancelled first.
func (s *Scheduler) Track(key remote.Key, owner string, unsubscribe func()) {
	sub := subscription{key: key, owner: owner}

	s.mu.Lock()
	prev := s.subs[sub]
	s.subs[sub] = unsubscribe
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Release cancels the subscription of owner on key, if any.
func (s *Scheduler) Release(key remote.Key, owner string) bool {
	sub := subscription{key: key, owner: owner}

	s.mu.Lock()
	unsubscribe, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()

	if ok && unsubscribe != nil {
		unsubscribe()
	}
	return ok
}

// Tracked reports whether owner holds a subscription on key.
func (s *Scheduler) Tracked(key remote.Key, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subscription{key: key, owner: owner}]
	return ok
}

// Reconcile brings the subscriptions held by owner in line with want. Keys
// already subscribed are left alone; only the symmetric difference is
// unsubscribed or subscribed. Subscribe failures are joined into err and the
// failing keys stay unsubscribed, so the next call retries them.
func (s *Scheduler) Reconcile(owner string, want []remote.Key, subscribe func(remote.Key) (func(), error)) (added, removed []remote.Key, err error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	wanted := make(map[remote.Key]bool, len(want))
	for _, k := range want {
		wanted[k] = true
	}

	s.mu.Lock()
	disabled := s.disabled != ""
	var drop []func()
	have := make(map[remote.Key]bool)
	for sub, unsubscribe := range s.subs {
		if sub.owner != owner {
			continue
		}
		if wanted[sub.key] {
			have[sub.key] = true
			continue
		}
		removed = append(removed, sub.key)
		delete(s.subs, sub)
		if unsubscribe != nil {
			drop = append(drop, unsubscribe)
		}
	}
	s.mu.Unlock()

	for _, unsubscribe := range drop {
		unsubscribe()
	}

	if !disabled {
		var errs []error
		for k := range wanted {
			if have[k] {
				continue
			}
			unsubscribe, subErr := subscribe(k)
			if subErr != nil {
				errs = append(errs, fmt.Errorf("failed to subscribe %s: %w", k, subErr))
				continue
			}
			s.Track(k, owner, unsubscribe)
			added = append(added, k)
		}
		err = errors.Join(errs...)
	}

	sortKeys(added)
	sortKeys(removed)
	return added, removed, err
}

// WarnOnce logs the formatted message the first time it is called for the
// (key, kind) pair and reports whether it logged.
func (s *Scheduler) WarnOnce(key remote.Key, kind string, format string, args ...any) bool {
	id := key.String() + "|" + kind

	s.mu.Lock()
	if s.warned[id] {
		s.mu.Unlock()
		return false
	}
	s.warned[id] = true
	s.mu.Unlock()

	s.logger.Printf("Warning: "+format, args...)
	return true
}

// MarkEnsured records that key has been read or seeded on the remote.
func (s *Scheduler) MarkEnsured(key remote.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[key] = true
}

// Ensured reports whether MarkEnsured was called for key.
func (s *Scheduler) Ensured(key remote.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured[key]
}

// MarkDenied records that the remote refused access to key. Remote sync for
// the key stays off for the lifetime of the scheduler.
func (s *Scheduler) MarkDenied(key remote.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[key] = true
}

// Denied reports whether key was marked denied.
func (s *Scheduler) Denied(key remote.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied[key]
}

// Disable turns remote sync off for the whole process and tears down every
// timer and subscription. Later calls are no-ops.
func (s *Scheduler) Disable(reason string) {
	if reason == "" {
		reason = "unknown"
	}

	s.mu.Lock()
	if s.disabled != "" {
		s.mu.Unlock()
		return
	}
	s.disabled = reason
	s.mu.Unlock()

	s.logger.Printf("Remote sync disabled: %s", reason)
	s.teardown()
}

// Disabled reports whether remote sync was disabled, and why.
func (s *Scheduler) Disabled() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled != "", s.disabled
}

// Shutdown cancels all timers and subscriptions. Registries are kept.
func (s *Scheduler) Shutdown() {
	s.teardown()
}

// PendingTimers returns the number of scheduled timers.
func (s *Scheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ActiveSubscriptions returns the number of tracked subscriptions.
func (s *Scheduler) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Scheduler) teardown() {
	s.mu.Lock()
	timers := s.timers
	subs := s.subs
	s.timers = make(map[remote.Key]*timerEntry)
	s.subs = make(map[subscription]func())
	s.mu.Unlock()

	for _, entry := range timers {
		entry.timer.Stop()
	}
	for _, unsubscribe := range subs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

func sortKeys(keys []remote.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
