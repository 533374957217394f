// Package loadtest simulates collaborators editing one shared board.
//
// Each collaborator gets its own engine (own cache, scheduler and identity)
// on a shared remote store, edits the board concurrently through the
// mutation engine, then the run waits for every replica to converge on the
// remote's copy. The result reports how many remote writes debouncing saved
// and how long local edits took.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/hybrid"
	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/mutation"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/scheduler"
)

// Config controls a run.
type Config struct {
	// Collaborators is the number of simulated clients.
	Collaborators int

	// Edits is the number of edits per collaborator.
	Edits int

	// Interval separates two edits of one collaborator.
	Interval time.Duration

	// Debounce is the flush window of every engine.
	Debounce time.Duration

	// Settle bounds the wait for convergence after the last edit.
	Settle time.Duration

	// Items is the size of the shared board's first group.
	Items int

	// Remote is the shared store. Nil uses a fresh in-process store.
	Remote remote.Store

	// Key of the shared board.
	Key remote.Key
}

// DefaultConfig returns a small run that finishes in about a second.
func DefaultConfig() Config {
	return Config{
		Collaborators: 10,
		Edits:         20,
		Interval:      10 * time.Millisecond,
		Debounce:      hybrid.DefaultDebounce,
		Settle:        5 * time.Second,
		Items:         8,
		Key:           remote.Key{Collection: "projects", DocumentID: "loadtest"},
	}
}

// LatencyStats captures local edit latency.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Samples   int
	Durations []time.Duration
}

// Result summarizes a run.
type Result struct {
	Collaborators int
	Edits         int
	RemoteWrites  int64
	Converged     bool
	ConvergeTime  time.Duration
	FinalPayload  string
	Latency       *LatencyStats
}

// Coalescing returns edits per remote write.
func (r *Result) Coalescing() float64 {
	if r.RemoteWrites == 0 {
		return 0
	}
	return float64(r.Edits) / float64(r.RemoteWrites)
}

// countingStore counts writes that reach the wrapped store.
type countingStore struct {
	remote.Store
	writes atomic.Int64
}

func (c *countingStore) UpsertMerge(ctx context.Context, key remote.Key, payload string) error {
	c.writes.Add(1)
	return c.Store.UpsertMerge(ctx, key, payload)
}

type collaborator struct {
	engine *hybrid.Engine
	handle *hybrid.Handle[board.Board]
}

// Run executes the simulation.
func Run(ctx context.Context, cfg Config, logger *log.Logger) (*Result, error) {
	if cfg.Collaborators <= 0 || cfg.Edits <= 0 {
		return nil, errors.New("collaborators and edits must be positive")
	}
	if cfg.Items < 2 {
		cfg.Items = 2
	}
	if !cfg.Key.Valid() {
		cfg.Key = DefaultConfig().Key
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
	if cfg.Remote == nil {
		cfg.Remote = remote.NewMemory()
	}
	store := &countingStore{Store: cfg.Remote}

	initial := board.New("Load test", time.Now())
	group := initial.Groups[0].ID
	for i := 0; i < cfg.Items; i++ {
		if _, err := initial.AddItem(group, fmt.Sprintf("Item %d", i)); err != nil {
			return nil, fmt.Errorf("failed to build board: %w", err)
		}
	}

	collabs := make([]*collaborator, 0, cfg.Collaborators)
	defer func() {
		for _, c := range collabs {
			c.engine.Shutdown()
		}
	}()

	for i := 0; i < cfg.Collaborators; i++ {
		e, err := hybrid.New(hybrid.Config{
			Cache:     cache.NewMemory(),
			Remote:    store,
			Identity:  identity.Static(identity.Identity{ID: fmt.Sprintf("agent-%03d", i)}),
			Scheduler: scheduler.New(nil, logger),
			Debounce:  cfg.Debounce,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create engine %d: %w", i, err)
		}
		h, err := hybrid.Open(ctx, e, cfg.Key, initial)
		if err != nil {
			e.Shutdown()
			return nil, fmt.Errorf("failed to open board for agent %d: %w", i, err)
		}
		collabs = append(collabs, &collaborator{engine: e, handle: h})
	}
	seeded := store.writes.Load()

	var wg sync.WaitGroup
	results := make(chan []time.Duration, len(collabs))
	errs := make(chan error, len(collabs))

	for i, c := range collabs {
		wg.Add(1)
		go func(agent int, h *hybrid.Handle[board.Board]) {
			defer wg.Done()

			durations := make([]time.Duration, 0, cfg.Edits)
			for j := 0; j < cfg.Edits; j++ {
				if ctx.Err() != nil {
					break
				}
				start := time.Now()
				err := mutation.Apply[board.Board](h, rotate)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("agent %d edit %d failed: %w", agent, j, err)
					return
				}
				time.Sleep(cfg.Interval)
			}
			results <- durations
		}(i, c.handle)
	}

	wg.Wait()
	close(results)
	close(errs)

	var editErrs []error
	for err := range errs {
		editErrs = append(editErrs, err)
	}
	if err := errors.Join(editErrs...); err != nil {
		return nil, err
	}

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}

	for _, c := range collabs {
		if err := c.handle.Flush(ctx); err != nil {
			logger.Printf("Warning: flush failed: %v", err)
		}
	}

	res := &Result{
		Collaborators: cfg.Collaborators,
		Edits:         len(all),
		Latency:       computeLatencyStats(all),
	}

	start := time.Now()
	deadline := start.Add(cfg.Settle)
	for {
		payload, ok := converged(ctx, store, cfg.Key, collabs)
		if ok {
			res.Converged = true
			res.FinalPayload = payload
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	res.ConvergeTime = time.Since(start)
	res.RemoteWrites = store.writes.Load() - seeded

	return res, nil
}

// rotate moves the first item of the first group to the end.
func rotate(b board.Board) (board.Board, error) {
	if len(b.Groups) == 0 || len(b.Groups[0].Items) < 2 {
		return b, nil
	}
	g := b.Groups[0]
	return mutation.MoveItem(b, g.Items[0].ID, mutation.DropTarget{
		ContainerID: g.ID,
		ElementID:   g.Items[len(g.Items)-1].ID,
		Position:    mutation.After,
	})
}

// converged reports whether every replica holds the remote payload.
func converged(ctx context.Context, store remote.Store, key remote.Key, collabs []*collaborator) (string, bool) {
	want, found, err := store.Read(ctx, key)
	if err != nil || !found {
		return "", false
	}
	for _, c := range collabs {
		if c.handle.Payload() != want {
			return "", false
		}
	}
	return want, true
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Samples:   len(durations),
		Durations: sorted,
	}
}

// Print writes a human-readable report.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Collaborators:   %d\n", r.Collaborators)
	fmt.Fprintf(w, "Edits:           %d\n", r.Edits)
	fmt.Fprintf(w, "Remote writes:   %d (%.1f edits/write)\n", r.RemoteWrites, r.Coalescing())
	fmt.Fprintf(w, "Converged:       %v in %v\n", r.Converged, r.ConvergeTime.Round(time.Millisecond))
	if r.Latency != nil {
		fmt.Fprintf(w, "Edit latency:\n")
		fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
		fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
		fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
		fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
		fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
		fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
	}
}
