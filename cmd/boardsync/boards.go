package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/config"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/ui"
)

var boardsCmd = &cobra.Command{
	Use:     "boards",
	GroupID: "sync",
	Short:   "List the boards in the local cache",
	Long: `List every board of a collection held in the local cache.

With a remote configured the listed boards are subscribed for --settle first,
so the cache picks up what collaborators changed since they were last opened.
Boards with local edits the remote has not acknowledged are marked unsynced;
they are written on their next open.`,
	Args: cobra.NoArgs,
	RunE: runBoards,
}

func init() {
	boardsCmd.Flags().String("collection", DefaultCollection, "Collection to list")
	boardsCmd.Flags().Duration("settle", 500*time.Millisecond, "How long to wait for remote snapshots")
	rootCmd.AddCommand(boardsCmd)
}

// boardSummary is one line of the board listing.
type boardSummary struct {
	ID       string
	Name     string
	Groups   int
	Items    int
	Unsynced bool
}

// cachedBoards returns the keys of every cached document in collection.
func cachedBoards(c *cache.SQLite, collection string) ([]remote.Key, error) {
	keys, err := c.Keys()
	if err != nil {
		return nil, err
	}
	var out []remote.Key
	for _, k := range keys {
		coll, id, ok := strings.Cut(k, "/")
		if !ok || coll != collection || id == "" {
			continue
		}
		out = append(out, remote.Key{Collection: coll, DocumentID: id})
	}
	return out, nil
}

// listBoards refreshes the cached boards of collection through the engine's
// visible set and summarizes them. The subscriptions stay until the session
// closes.
func (s *session) listBoards(ctx context.Context, collection string) ([]boardSummary, error) {
	keys, err := cachedBoards(s.cache, collection)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetVisible(ctx, keys); err != nil {
		return nil, err
	}

	var out []boardSummary
	for _, k := range keys {
		payload, ok := s.cache.Get(k.String())
		if !ok {
			continue
		}
		var b board.Board
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			s.logger.Printf("Warning: skipping malformed cached board %s: %v", k, err)
			continue
		}
		marker, _ := s.cache.Get(cache.PendingKey(k.String()))
		out = append(out, boardSummary{
			ID:       k.DocumentID,
			Name:     b.Name,
			Groups:   len(b.Groups),
			Items:    b.ItemCount(),
			Unsynced: marker != "",
		})
	}
	return out, nil
}

func runBoards(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	settle, _ := cmd.Flags().GetDuration("settle")
	ctx := cmd.Context()

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	summaries, err := s.listBoards(ctx, collection)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Printf("No boards cached in %s\n", collection)
		return nil
	}

	if cfg.Remote.Backend != config.BackendNone && settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}
		if summaries, err = s.listBoards(ctx, collection); err != nil {
			return err
		}
	}

	fmt.Printf("\n%s Boards in %s\n\n", ui.RenderAccent("📋"), collection)
	for _, b := range summaries {
		line := fmt.Sprintf("  %s  %d groups, %d items  %s", b.Name, b.Groups, b.Items, ui.RenderMuted(b.ID))
		if b.Unsynced {
			line += " " + ui.RenderWarn("unsynced")
		}
		fmt.Println(line)
	}
	fmt.Println()
	return nil
}
