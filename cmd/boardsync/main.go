// Command boardsync edits and serves local-first boards.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/localboard/boardsync/internal/config"
	"github.com/localboard/boardsync/internal/ui"
)

var (
	configFile string
	v          = config.New()
	cfg        *config.Config
	logger     *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Local-first board sync",
	Long: `boardsync keeps boards in a local cache and mirrors them to a shared remote.

Every edit lands in the local cache first. Edits made in quick succession are
coalesced into one remote write, and changes made by other collaborators are
picked up through a live subscription. Without an identity or a remote the
board stays local-only.

Remote backends:
  none    Local cache only (default)
  memory  In-process store, for trying things out
  redis   Redis hashes with pub/sub change feed (remote.url = redis://...)
  dir     Shared directory of JSON files (remote.url = /path/to/dir)
  hub     boardsync hub over websockets (remote.url = ws://host:8420/ws)
  turso   Document database, a local file or libsql:// URL`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = c
		logger = log.New(cfg.Log.Writer(), "[boardsync] ", log.LstdFlags)
		ui.Init(os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Board commands:"},
		&cobra.Group{ID: "admin", Title: "Membership commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: .boardsync/boardsync.toml, then ~/.config/boardsync/)")
	flags.String("identity", "", "Identity to sync as")
	flags.Bool("anonymous", false, "Treat the identity as anonymous (never syncs)")
	flags.String("backend", "", "Remote backend: none, memory, redis, dir, hub or turso")
	flags.String("url", "", "Remote URL or path for the backend")
	flags.String("cache", "", "Local cache database path")
	flags.Duration("debounce", 0, "Delay before a local edit is written to the remote")
	flags.String("log-file", "", "Write logs to this file with rotation instead of stderr")

	bindFlag(v, "identity.id", "identity")
	bindFlag(v, "identity.anonymous", "anonymous")
	bindFlag(v, "remote.backend", "backend")
	bindFlag(v, "remote.url", "url")
	bindFlag(v, "cache.path", "cache")
	bindFlag(v, "sync.debounce", "debounce")
	bindFlag(v, "log.file", "log-file")
}

func bindFlag(v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

// now is replaced in tests.
var now = time.Now

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
