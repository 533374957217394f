package dirstore

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/localboard/boardsync/internal/remote"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates a document file was created or replaced.
	OpWrite EventOp = iota
	// OpDelete indicates a document file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a change to one document file.
type Event struct {
	Key  remote.Key
	Path string
	Op   EventOp
}

// watcher turns fsnotify events under {root}/{collection}/ into document
// events. Collection directories are added on demand.
type watcher struct {
	fs      *fsnotify.Watcher
	root    string
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dirs    map[string]bool
}

func newWatcher(root string) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	w := &watcher{
		fs:      fs,
		root:    abs,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		running: true,
		dirs:    make(map[string]bool),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// watch starts watching the directory of collection. Watching the same
// collection twice is a no-op.
func (w *watcher) watch(collection string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("watcher stopped")
	}
	if w.dirs[collection] {
		return nil
	}
	dir := filepath.Join(w.root, collection)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.dirs[collection] = true
	return nil
}

// stop closes the fsnotify watcher and waits for the event loop to exit.
// The event and error channels are closed afterwards.
func (w *watcher) stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a document event. Temp files
// from in-progress writes and chmod events are ignored.
func (w *watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return Event{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return Event{}, false
	}
	dir := filepath.Dir(abs)
	if filepath.Dir(dir) != w.root {
		return Event{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return Event{}, false
	}

	return Event{
		Key:  remote.Key{Collection: filepath.Base(dir), DocumentID: strings.TrimSuffix(base, ".json")},
		Path: abs,
		Op:   op,
	}, true
}
