package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/localboard/boardsync/internal/loadtest"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Simulate collaborators editing one board",
	Long: `Run N simulated collaborators, each with its own engine and cache, editing
one shared board through the configured remote backend (an in-process store
when none is configured). Reports how many remote writes debouncing saved,
whether every replica converged on the remote copy, and local edit latency.

Examples:
  boardsync bench
  boardsync bench --collaborators 50 --edits 40 --interval 5ms
  boardsync bench --backend redis --url redis://localhost:6379/0
  boardsync bench --json`,
	RunE: runBench,
}

func init() {
	d := loadtest.DefaultConfig()
	benchCmd.Flags().Int("collaborators", d.Collaborators, "Number of simulated collaborators")
	benchCmd.Flags().Int("edits", d.Edits, "Edits per collaborator")
	benchCmd.Flags().Duration("interval", d.Interval, "Pause between two edits of one collaborator")
	benchCmd.Flags().Duration("settle", d.Settle, "How long to wait for convergence")
	benchCmd.Flags().String("board", d.Key.DocumentID, "Board id to edit")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	lc := loadtest.DefaultConfig()
	lc.Collaborators, _ = cmd.Flags().GetInt("collaborators")
	lc.Edits, _ = cmd.Flags().GetInt("edits")
	lc.Interval, _ = cmd.Flags().GetDuration("interval")
	lc.Settle, _ = cmd.Flags().GetDuration("settle")
	lc.Key.DocumentID, _ = cmd.Flags().GetString("board")
	lc.Debounce = cfg.Sync.Debounce
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if lc.Collaborators <= 0 || lc.Edits <= 0 {
		return errors.New("--collaborators and --edits must be positive")
	}

	ctx := cmd.Context()
	store, release, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	if store == nil {
		store = remote.NewMemory()
	}
	lc.Remote = store

	if !jsonOutput {
		fmt.Printf("%s Running %d collaborators x %d edits (debounce %v, backend %s)...\n\n",
			ui.RenderAccent("⏱"), lc.Collaborators, lc.Edits, lc.Debounce, cfg.Remote.Backend)
	}

	res, err := loadtest.Run(ctx, lc, logger)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"collaborators":  res.Collaborators,
			"edits":          res.Edits,
			"remote_writes":  res.RemoteWrites,
			"coalescing":     res.Coalescing(),
			"converged":      res.Converged,
			"converge_ms":    res.ConvergeTime.Milliseconds(),
			"latency_p50_us": res.Latency.P50.Microseconds(),
			"latency_p95_us": res.Latency.P95.Microseconds(),
			"latency_p99_us": res.Latency.P99.Microseconds(),
		})
	}

	res.Print(os.Stdout)
	fmt.Println()
	if !res.Converged {
		return fmt.Errorf("replicas did not converge within %v", lc.Settle.Round(time.Millisecond))
	}
	fmt.Printf("%s All replicas converged\n", ui.RenderPass("✓"))
	return nil
}
