package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/clock"
	"github.com/localboard/boardsync/internal/overlay"
	"github.com/localboard/boardsync/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show <board-id>",
	GroupID: "sync",
	Short:   "Print a board",
	Long: `Print a board as an outline of groups, items and subitems.

With --watch the board is printed again whenever another collaborator changes
it; items touched by that change are marked for a moment.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var statusCmd = &cobra.Command{
	Use:     "status [board-id]",
	GroupID: "sync",
	Short:   "Show sync configuration and board status",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runStatus,
}

var resetCmd = &cobra.Command{
	Use:     "reset <board-id>",
	GroupID: "sync",
	Short:   "Replace a board with an empty one",
	Long: `Replace every group and item of a board with a single empty group. The
change is synced like any other edit, so collaborators see the empty board.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	showCmd.Flags().String("collection", DefaultCollection, "Collection the board lives in")
	showCmd.Flags().BoolP("watch", "w", false, "Keep printing the board as it changes")
	showCmd.Flags().Bool("json", false, "Print the board document as JSON")
	statusCmd.Flags().String("collection", DefaultCollection, "Collection the board lives in")
	resetCmd.Flags().String("collection", DefaultCollection, "Collection the board lives in")
	resetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().String("name", "", "Name of the new board (default: keep the current name)")

	rootCmd.AddCommand(showCmd, statusCmd, resetCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	watch, _ := cmd.Flags().GetBool("watch")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.openBoard(ctx, collection, args[0], "")
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(h.Get())
	}

	width := ui.Width(os.Stdout)
	fmt.Print(ui.RenderBoard(h.Get(), width, nil))
	fmt.Printf("\n%s\n", ui.RenderMuted("status: "+string(h.Status())))
	if !watch {
		return nil
	}

	view := newWatchView(os.Stdout, width, h.Get(), nil, cfg.Overlay.TTL, func() string {
		return fmt.Sprintf("status: %s, updated %s", h.Status(), now().Format("15:04:05"))
	})
	defer view.Close()
	unsubscribe := h.OnChange(view.update)
	defer unsubscribe()

	fmt.Println(ui.RenderMuted("Watching for changes, press Ctrl+C to stop..."))
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	return nil
}

// watchView redraws a board on every change. Items changed by a remote
// snapshot are marked until their highlight expires, which redraws again.
type watchView struct {
	mu     sync.Mutex
	out    io.Writer
	width  int
	cur    board.Board
	recent *overlay.Overlay[string, bool]
	status func() string
}

func newWatchView(out io.Writer, width int, initial board.Board, clk clock.Clock, ttl time.Duration, status func() string) *watchView {
	v := &watchView{
		out:    out,
		width:  width,
		cur:    initial,
		recent: overlay.New[string, bool](clk, ttl),
		status: status,
	}
	v.recent.OnExpire(func(string) {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.render()
	})
	return v
}

func (v *watchView) update(b board.Board, fromRemote bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fromRemote {
		for _, id := range changedItems(v.cur, b) {
			v.recent.Set(id, true, 0)
		}
	}
	v.cur = b
	v.render()
}

func (v *watchView) isRecent(id string) bool {
	return v.recent.Effective(id, false)
}

// render draws the current board. Callers hold v.mu.
func (v *watchView) render() {
	fmt.Fprint(v.out, "\033[H\033[2J")
	fmt.Fprint(v.out, ui.RenderBoard(v.cur, v.width, v.isRecent))
	fmt.Fprintf(v.out, "\n%s\n", ui.RenderMuted(v.status()))
}

func (v *watchView) Close() {
	v.recent.Close()
}

// changedItems returns the ids of items that are new or differ in next.
func changedItems(prev, next board.Board) []string {
	before := make(map[string]string)
	for _, g := range prev.Groups {
		for _, it := range g.Items {
			data, _ := json.Marshal(it)
			before[it.ID] = string(data)
		}
	}

	var changed []string
	for _, g := range next.Groups {
		for _, it := range g.Items {
			data, _ := json.Marshal(it)
			if before[it.ID] != string(data) {
				changed = append(changed, it.ID)
			}
		}
	}
	return changed
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := cfg.Caller()

	fmt.Printf("\n%s boardsync status\n\n", ui.RenderAccent("📊"))
	switch {
	case id.ID == "":
		fmt.Printf("Identity: %s\n", ui.RenderWarn("none (local-only)"))
	case id.IsAnonymous:
		fmt.Printf("Identity: %s %s\n", id.ID, ui.RenderWarn("(anonymous, local-only)"))
	default:
		fmt.Printf("Identity: %s\n", id.ID)
	}
	fmt.Printf("Backend: %s\n", cfg.Remote.Backend)
	if cfg.Remote.URL != "" {
		fmt.Printf("Remote: %s\n", cfg.Remote.URL)
	}
	fmt.Printf("Debounce: %v\n", cfg.Sync.Debounce)

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("Connection: %s\n\n", ui.RenderFail(err.Error()))
		return nil
	}
	defer s.Close()

	cached, err := s.cache.Count()
	if err != nil {
		return err
	}
	fmt.Printf("Cache: %s (%d documents)\n", s.cache.Path(), cached)

	if len(args) == 1 {
		collection, _ := cmd.Flags().GetString("collection")
		h, err := s.openBoard(ctx, collection, args[0], "")
		if err != nil {
			return err
		}
		b := h.Get()
		fmt.Printf("Board: %s (%d groups, %d items)\n", b.Name, len(b.Groups), b.ItemCount())
		fmt.Printf("Sync: %s\n", ui.RenderSyncStatus(string(h.Status())))
	}
	if disabled, reason := s.engine.Scheduler().Disabled(); disabled {
		fmt.Printf("Remote sync: %s (%s)\n", ui.RenderFail("disabled"), reason)
	}
	fmt.Println()
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	yes, _ := cmd.Flags().GetBool("yes")
	name, _ := cmd.Flags().GetString("name")
	ctx := cmd.Context()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.openBoard(ctx, collection, args[0], "")
	if err != nil {
		return err
	}
	cur := h.Get()
	if name == "" {
		name = cur.Name
	}

	if !yes {
		confirmed := false
		err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Reset %q?", cur.Name)).
				Description(fmt.Sprintf("%d groups and %d items will be replaced for every collaborator.", len(cur.Groups), cur.ItemCount())).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed),
		)).Run()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Cancelled")
			return nil
		}
	}

	fresh := board.New(name, now())
	fresh.ID = cur.ID
	fresh.CreatedAt = cur.CreatedAt
	if err := h.Reset(fresh); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.Flush(flushCtx); err != nil {
		fmt.Printf("%s Board reset locally; remote write failed, retrying on next open: %v\n", ui.RenderWarn("⚠"), err)
		return nil
	}
	fmt.Printf("%s Board %s reset (%s)\n", ui.RenderPass("✓"), args[0], ui.RenderSyncStatus(string(h.Status())))
	return nil
}
