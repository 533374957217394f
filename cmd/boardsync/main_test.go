package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/cache"
	"github.com/localboard/boardsync/internal/clock"
	"github.com/localboard/boardsync/internal/config"
	"github.com/localboard/boardsync/internal/mutation"
	"github.com/localboard/boardsync/internal/permission"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/remote/dirstore"
)

func quietLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func sampleBoard(t *testing.T) (board.Board, []string) {
	t.Helper()
	b := board.New("Launch", time.Now())
	var ids []string
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		id, err := b.AddItem(b.Groups[0].ID, name)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return b, ids
}

func names(b board.Board) []string {
	var out []string
	for _, g := range b.Groups {
		for _, it := range g.Items {
			out = append(out, it.Name)
		}
	}
	return out
}

func TestResolveItem(t *testing.T) {
	b, ids := sampleBoard(t)

	id, err := resolveItem(b, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[1], id)

	id, err = resolveItem(b, ids[2][len(ids[2])-10:])
	require.NoError(t, err)
	assert.Equal(t, ids[2], id)

	_, err = resolveItem(b, "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, err, board.ErrNotFound)

	_, err = resolveItem(b, "")
	assert.ErrorIs(t, err, board.ErrNotFound)
}

func TestResolveGroupByTitle(t *testing.T) {
	b, _ := sampleBoard(t)
	done := b.AddGroup("Done", "green")

	id, err := resolveGroup(b, "Done")
	require.NoError(t, err)
	assert.Equal(t, done, id)

	id, err = resolveGroup(b, b.Groups[0].ID)
	require.NoError(t, err)
	assert.Equal(t, b.Groups[0].ID, id)
}

func TestEditOps(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("add", func(t *testing.T) {
		b, _ := sampleBoard(t)
		op, desc, err := editOptions{Add: "Delta"}.op("alice", at)
		require.NoError(t, err)
		assert.Contains(t, desc, "Delta")
		next, err := op(b)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alpha", "Beta", "Gamma", "Delta"}, names(next))
		assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names(b), "input left alone")
	})

	t.Run("add to group by title", func(t *testing.T) {
		b, _ := sampleBoard(t)
		b.AddGroup("Done", "")
		op, _, err := editOptions{Add: "Shipped", Group: "Done"}.op("alice", at)
		require.NoError(t, err)
		next, err := op(b)
		require.NoError(t, err)
		require.Len(t, next.Groups[1].Items, 1)
		assert.Equal(t, next.Groups[1].ID, next.Groups[1].Items[0].GroupID)
	})

	t.Run("status and comment", func(t *testing.T) {
		b, ids := sampleBoard(t)
		op, _, err := editOptions{Item: ids[0], Status: "working", Comment: "on it"}.op("alice", at)
		require.NoError(t, err)
		next, err := op(b)
		require.NoError(t, err)
		it, err := next.Item(ids[0])
		require.NoError(t, err)
		assert.Equal(t, "working", it.Status)
		require.Len(t, it.Updates, 1)
		assert.Equal(t, "alice", it.Updates[0].Author)
		assert.Equal(t, at, it.Updates[0].CreatedAt)
	})

	t.Run("move after", func(t *testing.T) {
		b, ids := sampleBoard(t)
		op, _, err := editOptions{Move: ids[0], Target: ids[2], After: true}.op("alice", at)
		require.NoError(t, err)
		next, err := op(b)
		require.NoError(t, err)
		assert.Equal(t, []string{"Beta", "Gamma", "Alpha"}, names(next))
	})

	t.Run("move into group", func(t *testing.T) {
		b, ids := sampleBoard(t)
		done := b.AddGroup("Done", "")
		op, _, err := editOptions{Move: ids[1], Group: "Done"}.op("alice", at)
		require.NoError(t, err)
		next, err := op(b)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alpha", "Gamma", "Beta"}, names(next))
		assert.Equal(t, done, next.Groups[1].Items[0].GroupID)
	})

	t.Run("move needs a destination", func(t *testing.T) {
		b, ids := sampleBoard(t)
		op, _, err := editOptions{Move: ids[1]}.op("alice", at)
		require.NoError(t, err)
		_, err = op(b)
		assert.Error(t, err)
	})

	t.Run("remove", func(t *testing.T) {
		b, ids := sampleBoard(t)
		op, _, err := editOptions{Remove: ids[1]}.op("alice", at)
		require.NoError(t, err)
		next, err := op(b)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alpha", "Gamma"}, names(next))
	})

	t.Run("nothing to do", func(t *testing.T) {
		_, _, err := editOptions{}.op("alice", at)
		assert.Error(t, err)
		_, _, err = editOptions{Item: "x"}.op("alice", at)
		assert.Error(t, err)
	})
}

func TestGrantMembership(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	m, err := grantRequest{Member: "bob", Role: "Editor"}.membership(at)
	require.NoError(t, err)
	assert.Equal(t, permission.RoleEditor, m.Role)
	assert.Equal(t, permission.StatusActive, m.Status)

	m, err = grantRequest{Member: "carol", Role: "contractor", BaseRole: "editor", Until: "2026-06-30"}.membership(at)
	require.NoError(t, err)
	assert.Equal(t, permission.RoleContractor, m.Role)
	assert.Equal(t, permission.RoleEditor, m.BaseRole)
	assert.True(t, permission.IsActive(&m, at))
	assert.False(t, permission.IsActive(&m, at.AddDate(0, 1, 0)))

	_, err = grantRequest{Role: "editor"}.membership(at)
	assert.Error(t, err, "member required")
	_, err = grantRequest{Member: "bob", Role: "overlord"}.membership(at)
	assert.Error(t, err, "unknown role")
	_, err = grantRequest{Member: "bob", Role: "editor", Until: "tomorrow"}.membership(at)
	assert.Error(t, err, "until only for contractors")
	_, err = grantRequest{Member: "carol", Role: "contractor", Until: "2026-06-30"}.membership(at)
	assert.Error(t, err, "contractor needs base role")
	_, err = grantRequest{Member: "carol", Role: "contractor", BaseRole: "editor"}.membership(at)
	assert.Error(t, err, "contractor needs until")
	_, err = grantRequest{Member: "carol", Role: "contractor", BaseRole: "editor", Until: "2026-01-01"}.membership(at)
	assert.Error(t, err, "until in the past")
}

func TestOpenRemote(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	store, release, err := openRemote(ctx, &config.Config{Remote: config.RemoteConfig{Backend: config.BackendNone}}, logger)
	require.NoError(t, err)
	assert.Nil(t, store)
	release()

	store, release, err = openRemote(ctx, &config.Config{Remote: config.RemoteConfig{Backend: config.BackendMemory}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &remote.Memory{}, store)
	release()

	dir := t.TempDir()
	store, release, err = openRemote(ctx, &config.Config{Remote: config.RemoteConfig{Backend: config.BackendDir, URL: dir}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &dirstore.Store{}, store)
	release()

	_, _, err = openRemote(ctx, &config.Config{Remote: config.RemoteConfig{Backend: "carrier-pigeon"}}, logger)
	assert.Error(t, err)
}

func TestOpenDocDBFile(t *testing.T) {
	db, err := openDocDB(filepath.Join(t.TempDir(), "docs.db"), quietLogger())
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSessionEditsSyncThroughDirectory(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()

	open := func(id string) *session {
		c := &config.Config{
			Identity: config.IdentityConfig{ID: id},
			Cache:    config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")},
			Remote:   config.RemoteConfig{Backend: config.BackendDir, URL: shared},
			Sync:     config.SyncConfig{Debounce: 20 * time.Millisecond},
		}
		s, err := openSession(ctx, c, quietLogger())
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	}

	alice := open("alice")
	ha, err := alice.openBoard(ctx, DefaultCollection, "launch", "Launch")
	require.NoError(t, err)

	op, _, err := editOptions{Add: "Write announcement"}.op("alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, mutation.Apply(ha, op))
	require.NoError(t, ha.Flush(ctx))

	bob := open("bob")
	hb, err := bob.openBoard(ctx, DefaultCollection, "launch", "")
	require.NoError(t, err)
	assert.Equal(t, "Launch", hb.Get().Name)
	assert.Equal(t, []string{"Write announcement"}, names(hb.Get()))
}

func TestListBoardsRefreshesFromRemote(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()

	open := func(id string) *session {
		c := &config.Config{
			Identity: config.IdentityConfig{ID: id},
			Cache:    config.CacheConfig{Path: filepath.Join(t.TempDir(), "cache.db")},
			Remote:   config.RemoteConfig{Backend: config.BackendDir, URL: shared},
			Sync:     config.SyncConfig{Debounce: 20 * time.Millisecond},
		}
		s, err := openSession(ctx, c, quietLogger())
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	}

	bob := open("bob")
	hb, err := bob.openBoard(ctx, DefaultCollection, "launch", "Launch")
	require.NoError(t, err)
	hb.Close()
	_, err = bob.openBoard(ctx, "archive", "old", "Old")
	require.NoError(t, err)

	alice := open("alice")
	ha, err := alice.openBoard(ctx, DefaultCollection, "launch", "")
	require.NoError(t, err)
	op, _, err := editOptions{Add: "Write announcement"}.op("alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, mutation.Apply(ha, op))
	require.NoError(t, ha.Flush(ctx))

	assert.Eventually(t, func() bool {
		list, err := bob.listBoards(ctx, DefaultCollection)
		return err == nil && len(list) == 1 && list[0].Items == 1
	}, 5*time.Second, 20*time.Millisecond)

	list, err := bob.listBoards(ctx, DefaultCollection)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, boardSummary{ID: "launch", Name: "Launch", Groups: 1, Items: 1}, list[0])
}

func TestCachedBoardsSkipsOtherCollections(t *testing.T) {
	c, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), quietLogger())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("boards/a", "{}"))
	require.NoError(t, c.Set(cache.PendingKey("boards/a"), "1"))
	require.NoError(t, c.Set("boards/b", "{}"))
	require.NoError(t, c.Set("archive/c", "{}"))

	keys, err := cachedBoards(c, "boards")
	require.NoError(t, err)
	assert.Equal(t, []remote.Key{
		{Collection: "boards", DocumentID: "a"},
		{Collection: "boards", DocumentID: "b"},
	}, keys)
}

func TestWatchViewClearsHighlightOnExpiry(t *testing.T) {
	b, ids := sampleBoard(t)
	clk := clock.NewManual(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	var out bytes.Buffer
	v := newWatchView(&out, 120, b, clk, time.Second, func() string { return "status: synced" })
	defer v.Close()

	next := b.Clone()
	require.NoError(t, next.SetItemStatus(ids[1], "done"))
	v.update(next, true)
	assert.Equal(t, 1, strings.Count(out.String(), "✱"))

	out.Reset()
	v.update(next.Clone(), false)
	assert.Equal(t, 1, strings.Count(out.String(), "✱"), "local edits keep the highlight")

	out.Reset()
	clk.Advance(time.Second)
	require.NotEmpty(t, out.String(), "expiry redraws")
	assert.NotContains(t, out.String(), "✱")
	assert.Contains(t, out.String(), "Beta")
}

func TestChangedItems(t *testing.T) {
	b, ids := sampleBoard(t)
	next := b.Clone()
	require.NoError(t, next.SetItemStatus(ids[1], "done"))
	added, err := next.AddItem(next.Groups[0].ID, "Delta")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{ids[1], added}, changedItems(b, next))
	assert.Empty(t, changedItems(b, b))
}

func TestAmbiguousSuffix(t *testing.T) {
	b := board.New("Launch", time.Now())
	b.Groups[0].Items = []board.Item{
		{ID: "01aaaaaaaaaaaaaaaaaaaaaaxy", GroupID: b.Groups[0].ID, Name: "One"},
		{ID: "01bbbbbbbbbbbbbbbbbbbbbbxy", GroupID: b.Groups[0].ID, Name: "Two"},
	}
	_, err := resolveItem(b, "xy")
	assert.True(t, errors.Is(err, errAmbiguous))
}
