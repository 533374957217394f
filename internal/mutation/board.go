package mutation

import (
	"fmt"

	"github.com/localboard/boardsync/internal/board"
)

// DropTarget describes where a dragged element was released. An empty
// element id means the drop landed on the container itself, which appends.
type DropTarget struct {
	// ContainerID is the group (for items) or item (for subitems) dropped into.
	ContainerID string
	// ElementID is the element the drop landed on, if any.
	ElementID string
	Position  Position
}

func groupID(g board.Group) string     { return g.ID }
func itemID(it board.Item) string      { return it.ID }
func subitemID(s board.Subitem) string { return s.ID }

// dropIndex resolves a drop into the final index within the target
// collection.
func dropIndex[T any](target []T, t DropTarget, idOf func(T) string, same bool, source int) (int, error) {
	if t.ElementID == "" {
		if same {
			return len(target) - 1, nil
		}
		return len(target), nil
	}
	ti := IndexOf(target, t.ElementID, idOf)
	if ti < 0 {
		return 0, fmt.Errorf("drop target %s: %w", t.ElementID, ErrNotFound)
	}
	return InsertionIndex(ti, t.Position, same, source), nil
}

// MoveGroup reorders group id relative to the group target.
func MoveGroup(b board.Board, id, target string, pos Position) (board.Board, error) {
	from := IndexOf(b.Groups, id, groupID)
	if from < 0 {
		return b, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	to, err := dropIndex(b.Groups, DropTarget{ElementID: target, Position: pos}, groupID, true, from)
	if err != nil {
		return b, err
	}

	next := b.Clone()
	groups, err := MoveWithin(next.Groups, from, to)
	if err != nil {
		return b, err
	}
	next.Groups = groups
	return next, nil
}

// MoveItem moves item id to the drop target, within its group or into
// another group. A cross-group move rewrites the item's GroupID.
func MoveItem(b board.Board, id string, t DropTarget) (board.Board, error) {
	gi, ii, ok := b.FindItem(id)
	if !ok {
		return b, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	tg, ok := b.GroupIndex(t.ContainerID)
	if !ok {
		return b, fmt.Errorf("group %s: %w", t.ContainerID, ErrNotFound)
	}

	same := gi == tg
	to, err := dropIndex(b.Groups[tg].Items, t, itemID, same, ii)
	if err != nil {
		return b, err
	}

	next := b.Clone()
	if same {
		items, err := MoveWithin(next.Groups[gi].Items, ii, to)
		if err != nil {
			return b, err
		}
		next.Groups[gi].Items = items
		return next, nil
	}

	fk := next.Groups[tg].ID
	src, dst, err := MoveAcross(next.Groups[gi].Items, next.Groups[tg].Items, ii, to, func(it board.Item) board.Item {
		it.GroupID = fk
		return it
	})
	if err != nil {
		return b, err
	}
	next.Groups[gi].Items = src
	next.Groups[tg].Items = dst
	return next, nil
}

// MoveSubitem moves subitem id to the drop target, under the same item or
// another one. A cross-item move rewrites the subitem's ItemID.
func MoveSubitem(b board.Board, id string, t DropTarget) (board.Board, error) {
	srcGroup, srcItem, si := -1, -1, -1
	for gi := range b.Groups {
		for ii := range b.Groups[gi].Items {
			if i := IndexOf(b.Groups[gi].Items[ii].Subitems, id, subitemID); i >= 0 {
				srcGroup, srcItem, si = gi, ii, i
			}
		}
	}
	if si < 0 {
		return b, fmt.Errorf("subitem %s: %w", id, ErrNotFound)
	}
	tgGroup, tgItem, ok := b.FindItem(t.ContainerID)
	if !ok {
		return b, fmt.Errorf("item %s: %w", t.ContainerID, ErrNotFound)
	}

	same := srcGroup == tgGroup && srcItem == tgItem
	to, err := dropIndex(b.Groups[tgGroup].Items[tgItem].Subitems, t, subitemID, same, si)
	if err != nil {
		return b, err
	}

	next := b.Clone()
	src := &next.Groups[srcGroup].Items[srcItem]
	if same {
		subs, err := MoveWithin(src.Subitems, si, to)
		if err != nil {
			return b, err
		}
		src.Subitems = subs
		return next, nil
	}

	dst := &next.Groups[tgGroup].Items[tgItem]
	fk := dst.ID
	srcSubs, dstSubs, err := MoveAcross(src.Subitems, dst.Subitems, si, to, func(s board.Subitem) board.Subitem {
		s.ItemID = fk
		return s
	})
	if err != nil {
		return b, err
	}
	src.Subitems = srcSubs
	dst.Subitems = dstSubs
	return next, nil
}

// ItemMove returns MoveItem as an operation for Apply.
func ItemMove(id string, t DropTarget) func(board.Board) (board.Board, error) {
	return func(b board.Board) (board.Board, error) {
		return MoveItem(b, id, t)
	}
}

// GroupMove returns MoveGroup as an operation for Apply.
func GroupMove(id, target string, pos Position) func(board.Board) (board.Board, error) {
	return func(b board.Board) (board.Board, error) {
		return MoveGroup(b, id, target, pos)
	}
}

// SubitemMove returns MoveSubitem as an operation for Apply.
func SubitemMove(id string, t DropTarget) func(board.Board) (board.Board, error) {
	return func(b board.Board) (board.Board, error) {
		return MoveSubitem(b, id, t)
	}
}
