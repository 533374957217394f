package mutation

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/clock"
	"github.com/localboard/boardsync/internal/hybrid"
	idpkg "github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/scheduler"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fixtureBoard builds two groups with three items each and two subitems
// under the first item.
func fixtureBoard(t *testing.T) board.Board {
	t.Helper()
	b := board.New("Launch", now)
	todo := b.Groups[0].ID
	done := b.AddGroup("Done", "green")
	for _, name := range []string{"t0", "t1", "t2"} {
		_, err := b.AddItem(todo, name)
		require.NoError(t, err)
	}
	for _, name := range []string{"d0", "d1", "d2"} {
		_, err := b.AddItem(done, name)
		require.NoError(t, err)
	}
	first := b.Groups[0].Items[0].ID
	for _, name := range []string{"s0", "s1"} {
		_, err := b.AddSubitem(first, name)
		require.NoError(t, err)
	}
	require.NoError(t, b.Validate())
	return b
}

func itemNames(g board.Group) []string {
	out := make([]string, len(g.Items))
	for i, it := range g.Items {
		out[i] = it.Name
	}
	return out
}

func subNames(it board.Item) []string {
	out := make([]string, len(it.Subitems))
	for i, s := range it.Subitems {
		out[i] = s.Name
	}
	return out
}

func TestMoveItemWithinGroup(t *testing.T) {
	b := fixtureBoard(t)
	g := b.Groups[0]

	next, err := MoveItem(b, g.Items[0].ID, DropTarget{ContainerID: g.ID, ElementID: g.Items[2].ID, Position: After})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t0"}, itemNames(next.Groups[0]))
	assert.Equal(t, []string{"t0", "t1", "t2"}, itemNames(b.Groups[0]), "input untouched")
	require.NoError(t, next.Validate())

	next, err = MoveItem(b, g.Items[2].ID, DropTarget{ContainerID: g.ID, ElementID: g.Items[0].ID, Position: Before})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t0", "t1"}, itemNames(next.Groups[0]))
}

func TestMoveItemOntoItselfIsNoop(t *testing.T) {
	b := fixtureBoard(t)
	g := b.Groups[0]
	for i := range g.Items {
		for _, pos := range []Position{Before, After} {
			next, err := MoveItem(b, g.Items[i].ID, DropTarget{ContainerID: g.ID, ElementID: g.Items[i].ID, Position: pos})
			require.NoError(t, err)
			assert.Equal(t, b, next)
		}
	}
}

func TestMoveItemAcrossGroups(t *testing.T) {
	b := fixtureBoard(t)
	todo, done := b.Groups[0], b.Groups[1]
	moved := todo.Items[1]

	next, err := MoveItem(b, moved.ID, DropTarget{ContainerID: done.ID, ElementID: done.Items[0].ID, Position: After})
	require.NoError(t, err)

	assert.Equal(t, []string{"t0", "t2"}, itemNames(next.Groups[0]))
	assert.Equal(t, []string{"d0", "t1", "d1", "d2"}, itemNames(next.Groups[1]))
	assert.Equal(t, done.ID, next.Groups[1].Items[1].GroupID)
	assert.Equal(t, todo.ID, b.Groups[0].Items[1].GroupID, "input untouched")
	require.NoError(t, next.Validate())
}

func TestMoveItemAcrossKeepsAttachedData(t *testing.T) {
	b := fixtureBoard(t)
	todo, done := b.Groups[0], b.Groups[1]

	next, err := MoveItem(b, todo.Items[0].ID, DropTarget{ContainerID: done.ID})
	require.NoError(t, err)

	last := next.Groups[1].Items[len(next.Groups[1].Items)-1]
	assert.Equal(t, "t0", last.Name)
	assert.Equal(t, []string{"s0", "s1"}, subNames(last))
	require.NoError(t, next.Validate())
}

func TestMoveItemToEveryPositionOfOtherGroup(t *testing.T) {
	b := fixtureBoard(t)
	todo, done := b.Groups[0], b.Groups[1]

	for _, src := range todo.Items {
		for _, target := range done.Items {
			for _, pos := range []Position{Before, After} {
				next, err := MoveItem(b, src.ID, DropTarget{ContainerID: done.ID, ElementID: target.ID, Position: pos})
				require.NoError(t, err)
				require.NoError(t, next.Validate())

				assert.Len(t, next.Groups[0].Items, len(todo.Items)-1)
				assert.Len(t, next.Groups[1].Items, len(done.Items)+1)
				_, _, inTodo := (&board.Board{Groups: next.Groups[:1]}).FindItem(src.ID)
				assert.False(t, inTodo)

				gi, ii, ok := next.FindItem(src.ID)
				require.True(t, ok)
				assert.Equal(t, 1, gi)
				assert.Equal(t, done.ID, next.Groups[1].Items[ii].GroupID)

				ti := IndexOf(next.Groups[1].Items, target.ID, itemID)
				if pos == Before {
					assert.Equal(t, ti-1, ii)
				} else {
					assert.Equal(t, ti+1, ii)
				}
			}
		}
	}
}

func TestMoveItemErrors(t *testing.T) {
	b := fixtureBoard(t)
	g := b.Groups[0]

	_, err := MoveItem(b, "missing", DropTarget{ContainerID: g.ID})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = MoveItem(b, g.Items[0].ID, DropTarget{ContainerID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	// Drop target must live in the target group.
	_, err = MoveItem(b, g.Items[0].ID, DropTarget{ContainerID: g.ID, ElementID: b.Groups[1].Items[0].ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveItemOntoOwnGroupAppends(t *testing.T) {
	b := fixtureBoard(t)
	g := b.Groups[0]

	next, err := MoveItem(b, g.Items[0].ID, DropTarget{ContainerID: g.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t0"}, itemNames(next.Groups[0]))
}

func TestMoveGroup(t *testing.T) {
	b := fixtureBoard(t)
	third := b.AddGroup("Later", "")

	next, err := MoveGroup(b, third, b.Groups[0].ID, Before)
	require.NoError(t, err)
	assert.Equal(t, third, next.Groups[0].ID)
	assert.Len(t, next.Groups, 3)

	same, err := MoveGroup(b, b.Groups[1].ID, b.Groups[1].ID, After)
	require.NoError(t, err)
	assert.Equal(t, b, same)

	_, err = MoveGroup(b, "missing", third, After)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = MoveGroup(b, third, "missing", After)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveSubitem(t *testing.T) {
	b := fixtureBoard(t)
	parent := b.Groups[0].Items[0]
	other := b.Groups[1].Items[2]

	next, err := MoveSubitem(b, parent.Subitems[0].ID, DropTarget{ContainerID: parent.ID, ElementID: parent.Subitems[1].ID, Position: After})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s0"}, subNames(next.Groups[0].Items[0]))

	next, err = MoveSubitem(b, parent.Subitems[1].ID, DropTarget{ContainerID: other.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, subNames(next.Groups[0].Items[0]))
	assert.Equal(t, []string{"s1"}, subNames(next.Groups[1].Items[2]))
	assert.Equal(t, other.ID, next.Groups[1].Items[2].Subitems[0].ItemID)
	require.NoError(t, next.Validate())
	assert.Len(t, b.Groups[0].Items[0].Subitems, 2, "input untouched")

	_, err = MoveSubitem(b, "missing", DropTarget{ContainerID: other.ID})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = MoveSubitem(b, parent.Subitems[0].ID, DropTarget{ContainerID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyThroughHybridHandle(t *testing.T) {
	clk := clock.NewManual(now)
	logger := log.New(&bytes.Buffer{}, "", 0)
	mem := remote.NewMemory()
	e, err := hybrid.New(hybrid.Config{
		Cache:     cache.NewMemory(),
		Remote:    mem,
		Identity:  idpkg.Static(idpkg.Identity{ID: "alice"}),
		Scheduler: scheduler.New(clk, logger),
		Logger:    logger,
	})
	require.NoError(t, err)
	defer e.Shutdown()

	initial := fixtureBoard(t)
	key := remote.Key{Collection: "projects", DocumentID: initial.ID}
	h, err := hybrid.Open(context.Background(), e, key, initial)
	require.NoError(t, err)
	writes := mem.Writes(key)

	todo, done := initial.Groups[0], initial.Groups[1]
	require.NoError(t, Apply[board.Board](h, ItemMove(todo.Items[0].ID, DropTarget{ContainerID: done.ID, ElementID: done.Items[0].ID, Position: Before})))
	require.NoError(t, Apply[board.Board](h, GroupMove(done.ID, todo.ID, Before)))
	require.NoError(t, Apply[board.Board](h, SubitemMove(todo.Items[0].Subitems[0].ID, DropTarget{ContainerID: todo.Items[1].ID})))

	err = Apply[board.Board](h, ItemMove("missing", DropTarget{ContainerID: todo.ID}))
	assert.ErrorIs(t, err, ErrNotFound)

	got := h.Get()
	require.NoError(t, got.Validate())
	assert.Equal(t, done.ID, got.Groups[0].ID)
	assert.Equal(t, []string{"t0", "d0", "d1", "d2"}, itemNames(got.Groups[0]))
	assert.Equal(t, []string{"t1", "t2"}, itemNames(got.Groups[1]))
	assert.Equal(t, []string{"s0"}, subNames(got.Groups[1].Items[0]))

	clk.Advance(hybrid.DefaultDebounce)
	assert.Equal(t, writes+1, mem.Writes(key), "three moves, one remote write")
}
