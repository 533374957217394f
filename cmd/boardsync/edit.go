package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/mutation"
	"github.com/localboard/boardsync/internal/ui"
)

// editOptions is one edit requested on the command line. Item and group
// references may be a full id or a unique id suffix, as printed by show.
type editOptions struct {
	Add      string
	Group    string
	AddGroup string
	Color    string
	Item     string
	Status   string
	Rename   string
	Subitem  string
	Comment  string
	Remove   string
	Move     string
	Target   string
	After    bool
}

var errAmbiguous = errors.New("ambiguous reference")

// resolveItem finds the item ref names.
func resolveItem(b board.Board, ref string) (string, error) {
	var ids []string
	for _, g := range b.Groups {
		ids = appendMatch(ids, ref, g.Items, func(it board.Item) string { return it.ID })
	}
	return pick("item", ref, ids)
}

// resolveGroup finds the group ref names, by id suffix or exact title.
func resolveGroup(b board.Board, ref string) (string, error) {
	var ids []string
	for _, g := range b.Groups {
		if g.Title == ref {
			return g.ID, nil
		}
	}
	ids = appendMatch(ids, ref, b.Groups, func(g board.Group) string { return g.ID })
	return pick("group", ref, ids)
}

func appendMatch[T any](ids []string, ref string, elems []T, idOf func(T) string) []string {
	for _, e := range elems {
		id := idOf(e)
		if id == ref {
			return append(ids[:0], id)
		}
		if ref != "" && strings.HasSuffix(id, ref) {
			ids = append(ids, id)
		}
	}
	return ids
}

func pick(kind, ref string, ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%s %q: %w", kind, ref, board.ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%s %q matches %d ids: %w", kind, ref, len(ids), errAmbiguous)
	}
}

// op turns the options into one board operation and a description of it.
func (o editOptions) op(author string, at time.Time) (func(board.Board) (board.Board, error), string, error) {
	switch {
	case o.Add != "":
		return board.Edit(func(b *board.Board) error {
			groupID := ""
			if o.Group != "" {
				id, err := resolveGroup(*b, o.Group)
				if err != nil {
					return err
				}
				groupID = id
			} else if len(b.Groups) > 0 {
				groupID = b.Groups[0].ID
			} else {
				groupID = b.AddGroup("To do", "")
			}
			_, err := b.AddItem(groupID, o.Add)
			return err
		}), fmt.Sprintf("added item %q", o.Add), nil

	case o.AddGroup != "":
		return board.Edit(func(b *board.Board) error {
			b.AddGroup(o.AddGroup, o.Color)
			return nil
		}), fmt.Sprintf("added group %q", o.AddGroup), nil

	case o.Remove != "":
		return board.Edit(func(b *board.Board) error {
			id, err := resolveItem(*b, o.Remove)
			if err != nil {
				return err
			}
			return b.RemoveItem(id)
		}), "removed item " + o.Remove, nil

	case o.Move != "":
		return func(b board.Board) (board.Board, error) {
			id, err := resolveItem(b, o.Move)
			if err != nil {
				return b, err
			}
			t := mutation.DropTarget{Position: mutation.Before}
			if o.After {
				t.Position = mutation.After
			}
			if o.Target != "" {
				target, err := resolveItem(b, o.Target)
				if err != nil {
					return b, err
				}
				gi, _, _ := b.FindItem(target)
				t.ContainerID = b.Groups[gi].ID
				t.ElementID = target
			}
			if o.Group != "" {
				gid, err := resolveGroup(b, o.Group)
				if err != nil {
					return b, err
				}
				if t.ContainerID != "" && t.ContainerID != gid {
					return b, fmt.Errorf("target item %s is not in group %s", o.Target, o.Group)
				}
				t.ContainerID = gid
			}
			if t.ContainerID == "" {
				return b, errors.New("--move needs --to or --group")
			}
			return mutation.MoveItem(b, id, t)
		}, "moved item " + o.Move, nil

	case o.Item != "":
		if o.Status == "" && o.Rename == "" && o.Subitem == "" && o.Comment == "" {
			return nil, "", errors.New("--item needs --status, --rename, --subitem or --comment")
		}
		return board.Edit(func(b *board.Board) error {
			id, err := resolveItem(*b, o.Item)
			if err != nil {
				return err
			}
			if o.Status != "" {
				if err := b.SetItemStatus(id, o.Status); err != nil {
					return err
				}
			}
			if o.Rename != "" {
				if err := b.RenameItem(id, o.Rename); err != nil {
					return err
				}
			}
			if o.Subitem != "" {
				if _, err := b.AddSubitem(id, o.Subitem); err != nil {
					return err
				}
			}
			if o.Comment != "" {
				if _, err := b.AddUpdate(id, author, o.Comment, at); err != nil {
					return err
				}
			}
			return nil
		}), "updated item " + o.Item, nil

	default:
		return nil, "", errors.New("nothing to do: pass --add, --add-group, --item, --remove or --move")
	}
}

var editOpts editOptions

var editCmd = &cobra.Command{
	Use:     "edit <board-id>",
	GroupID: "sync",
	Short:   "Edit a board",
	Long: `Apply one edit to a board, write it to the local cache and push it to the
remote before exiting.

Items and groups can be named by any unique suffix of their id, as printed
by 'boardsync show'. Groups can also be named by title.

Examples:
  boardsync edit launch --add "Write announcement"
  boardsync edit launch --add "Ship it" --group Done
  boardsync edit launch --add-group Done --color green
  boardsync edit launch --item 4f2k9x1q --status working
  boardsync edit launch --item 4f2k9x1q --comment "Blocked on review"
  boardsync edit launch --move 4f2k9x1q --to 8hd2m0aa --after
  boardsync edit launch --remove 4f2k9x1q`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

func init() {
	f := editCmd.Flags()
	f.String("collection", DefaultCollection, "Collection the board lives in")
	f.StringVar(&editOpts.Add, "add", "", "Add an item with this name")
	f.StringVar(&editOpts.Group, "group", "", "Group to add to or move into (id suffix or title)")
	f.StringVar(&editOpts.AddGroup, "add-group", "", "Add a group with this title")
	f.StringVar(&editOpts.Color, "color", "", "Color of the new group")
	f.StringVar(&editOpts.Item, "item", "", "Item to update")
	f.StringVar(&editOpts.Status, "status", "", "New status of --item")
	f.StringVar(&editOpts.Rename, "rename", "", "New name of --item")
	f.StringVar(&editOpts.Subitem, "subitem", "", "Add a subitem to --item")
	f.StringVar(&editOpts.Comment, "comment", "", "Post an update on --item")
	f.StringVar(&editOpts.Remove, "remove", "", "Remove an item")
	f.StringVar(&editOpts.Move, "move", "", "Item to move")
	f.StringVar(&editOpts.Target, "to", "", "Item to drop the moved item next to")
	f.BoolVar(&editOpts.After, "after", false, "Drop after --to instead of before it")
	rootCmd.AddCommand(editCmd)
}

func runEdit(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	ctx := cmd.Context()

	op, desc, err := editOpts.op(cfg.Identity.ID, now())
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := s.openBoard(ctx, collection, args[0], "")
	if err != nil {
		return err
	}

	if err := mutation.Apply(h, op); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.Flush(flushCtx); err != nil {
		fmt.Printf("%s %s locally; remote write failed, retrying on next open: %v\n", ui.RenderWarn("⚠"), desc, err)
		return nil
	}

	fmt.Printf("%s %s (%s)\n", ui.RenderPass("✓"), desc, ui.RenderSyncStatus(string(h.Status())))
	return nil
}
