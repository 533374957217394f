// Package dirstore implements remote.Store on a directory shared between
// clients, such as a network mount or a synced folder.
//
// Documents live at {root}/{collection}/{id}.json. Writes go to a temp file
// in the same directory and are renamed into place, so readers never see a
// partial payload. Subscriptions are driven by fsnotify.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/localboard/boardsync/internal/remote"
)

// Store is a directory-backed remote store.
type Store struct {
	root   string
	logger *log.Logger

	mu     sync.Mutex
	w      *watcher
	subs   map[remote.Key]map[uint64]*subscription
	nextID uint64
	closed bool
	loop   sync.WaitGroup
}

type subscription struct {
	onChange func(string)
	onError  func(error)

	mu   sync.Mutex
	last string
	seen bool
}

// deliver hands payload to the subscriber unless it is the same payload it
// saw last. fsnotify may report one rename as several events.
func (s *subscription) deliver(payload string) {
	s.mu.Lock()
	if s.seen && s.last == payload {
		s.mu.Unlock()
		return
	}
	s.last, s.seen = payload, true
	s.mu.Unlock()
	s.onChange(payload)
}

// Open returns a store rooted at root, which must be an existing directory.
func Open(root string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[dirstore] ", log.LstdFlags)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open store root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", root)
	}
	return &Store{
		root:   root,
		logger: logger,
		subs:   make(map[remote.Key]map[uint64]*subscription),
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file that holds key.
func (s *Store) Path(key remote.Key) string {
	return filepath.Join(s.root, key.Collection, key.DocumentID+".json")
}

// Read implements remote.Store.
func (s *Store) Read(ctx context.Context, key remote.Key) (string, bool, error) {
	if err := s.check(ctx, "read", key); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("read", key, err)
	}
	return string(data), true, nil
}

// UpsertMerge implements remote.Store. The document file is replaced
// atomically.
func (s *Store) UpsertMerge(ctx context.Context, key remote.Key, payload string) error {
	if err := s.check(ctx, "upsert", key); err != nil {
		return err
	}

	dir := filepath.Join(s.root, key.Collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classify("upsert", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+key.DocumentID+"-*.tmp")
	if err != nil {
		return classify("upsert", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return classify("upsert", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return classify("upsert", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return classify("upsert", key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		_ = os.Remove(tmpName)
		return classify("upsert", key, err)
	}
	return nil
}

// Subscribe implements remote.Store. The current payload, if any, is
// delivered before Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, key remote.Key, onChange func(string), onError func(error)) (func(), error) {
	if err := s.check(ctx, "subscribe", key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(s.root, key.Collection), 0o755); err != nil {
		return nil, classify("subscribe", key, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.NewError(remote.UnavailableFatal, "subscribe", key, errors.New("store closed"))
	}
	if s.w == nil {
		w, err := newWatcher(s.root)
		if err != nil {
			s.mu.Unlock()
			return nil, remote.NewError(remote.UnavailableFatal, "subscribe", key, err)
		}
		s.w = w
		s.loop.Add(1)
		go s.dispatch(w)
	}
	if err := s.w.watch(key.Collection); err != nil {
		s.mu.Unlock()
		return nil, classify("subscribe", key, err)
	}

	sub := &subscription{onChange: onChange, onError: onError}
	s.nextID++
	id := s.nextID
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]*subscription)
	}
	s.subs[key][id] = sub
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
	}

	payload, found, err := s.Read(ctx, key)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	if found {
		sub.deliver(payload)
	}
	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions for key.
func (s *Store) Subscribers(key remote.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// Close stops the watcher and drops every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.w
	s.subs = make(map[remote.Key]map[uint64]*subscription)
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.stop()
	s.loop.Wait()
	return err
}

// dispatch fans watcher events out to subscribers. Callbacks run without
// the store lock held so they may unsubscribe.
func (s *Store) dispatch(w *watcher) {
	defer s.loop.Done()

	events, errs := w.events, w.errors
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op != OpWrite {
				continue
			}
			subs := s.subscribers(ev.Key)
			if len(subs) == 0 {
				continue
			}
			payload, found, err := s.Read(context.Background(), ev.Key)
			if err != nil {
				s.logger.Printf("Warning: failed to read %s after change: %v", ev.Key, err)
				continue
			}
			if !found {
				continue
			}
			for _, sub := range subs {
				sub.deliver(payload)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Printf("Warning: watcher error: %v", err)
			for _, sub := range s.allSubscribers() {
				if sub.onError != nil {
					sub.onError(remote.NewError(remote.Transient, "subscribe", remote.Key{}, err))
				}
			}
		}
	}
}

func (s *Store) subscribers(key remote.Key) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, len(s.subs[key]))
	for _, sub := range s.subs[key] {
		out = append(out, sub)
	}
	return out
}

func (s *Store) allSubscribers() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscription
	for _, m := range s.subs {
		for _, sub := range m {
			out = append(out, sub)
		}
	}
	return out
}

// check fails fast on a cancelled context or a vanished root. A missing
// root means the share is gone, which no retry fixes.
func (s *Store) check(ctx context.Context, op string, key remote.Key) error {
	if err := ctx.Err(); err != nil {
		return remote.NewError(remote.Transient, op, key, err)
	}
	if _, err := os.Stat(s.root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return remote.NewError(remote.UnavailableFatal, op, key, err)
		}
		return classify(op, key, err)
	}
	return nil
}

func classify(op string, key remote.Key, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return remote.NewError(remote.PermissionDenied, op, key, err)
	}
	return remote.NewError(remote.Transient, op, key, err)
}
