package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localboard/boardsync/internal/docdb"
	"github.com/localboard/boardsync/internal/hub"
	"github.com/localboard/boardsync/internal/permission"
	"github.com/localboard/boardsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "maint",
	Short:   "Run a hub that clients sync boards through",
	Long: `Start a hub server backed by a document database.

Clients connect with remote.backend = "hub" and remote.url = ws://host:port/ws.
Each connection carries the identity the client was configured with; reads,
writes and subscriptions are checked against the document's memberships.
A document nobody has been granted yet is open, and its first writer becomes
its owner. Identities are taken as given: run the hub behind an
authenticating proxy when clients are not trusted.

Example usage:
  boardsync serve                           # Listen on hub.addr (default :8420)
  boardsync serve --addr 127.0.0.1:9000     # Custom address
  boardsync serve --members grants.toml     # Import memberships first

Endpoints:
  ws://localhost:8420/ws       Document traffic
  http://localhost:8420/health Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default: hub.addr)")
	serveCmd.Flags().String("db", "", "Hub database path (default: hub.db)")
	serveCmd.Flags().String("members", "", "TOML grants file to import before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dbPath, _ := cmd.Flags().GetString("db")
	members, _ := cmd.Flags().GetString("members")
	if addr == "" {
		addr = cfg.Hub.Addr
	}
	if dbPath == "" {
		dbPath = cfg.Hub.DB
	}

	db, err := docdb.Open(dbPath, log.New(cfg.Log.Writer(), "[docdb] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "database", db.Close)

	if members != "" {
		grants, err := permission.LoadGrants(members)
		if err != nil {
			return err
		}
		n, err := db.ImportGrants(cmd.Context(), grants)
		if err != nil {
			return err
		}
		fmt.Printf("%s Imported %d memberships from %s\n", ui.RenderPass("✓"), n, members)
	}

	server, err := hub.NewServer(&hub.Config{
		Addr:   addr,
		DB:     db,
		Logger: log.New(cfg.Log.Writer(), "[hub] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	fmt.Printf("%s Hub started on %s\n", ui.RenderAccent("🚀"), server.Addr())
	fmt.Printf("WebSocket endpoint: %s\n", server.URL())
	fmt.Printf("Health check: http://%s/health\n", server.Addr())
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down hub...")
	if err := server.Stop(); err != nil {
		return err
	}
	fmt.Println("Hub stopped")
	return nil
}
