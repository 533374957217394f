package cache

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	c := NewMemory()

	_, ok := c.Get("projects/p-1")
	assert.False(t, ok)

	require.NoError(t, c.Set("projects/p-1", `{"status":"done"}`))
	v, ok := c.Get("projects/p-1")
	assert.True(t, ok)
	assert.Equal(t, `{"status":"done"}`, v)
	assert.Equal(t, 1, c.Writes("projects/p-1"))
}

func TestMemoryQuota(t *testing.T) {
	c := NewMemoryWithQuota(10)

	require.NoError(t, c.Set("a", "12345"))
	require.NoError(t, c.Set("a", "1234567890"))
	assert.ErrorIs(t, c.Set("b", "x"), ErrQuotaExceeded)

	v, _ := c.Get("a")
	assert.Equal(t, "1234567890", v)
	_, ok := c.Get("b")
	assert.False(t, ok)
}

func openTestSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	c, err := OpenSQLite(path, log.New(os.Stderr, "[test] ", 0))
	require.NoError(t, err)
	return c
}

func TestSQLiteGetSet(t *testing.T) {
	c := openTestSQLite(t, filepath.Join(t.TempDir(), "cache.db"))
	defer c.Close()

	_, ok := c.Get("projects/p-1")
	assert.False(t, ok)

	require.NoError(t, c.Set("projects/p-1", `{"status":"working"}`))
	require.NoError(t, c.Set("projects/p-1", `{"status":"stuck"}`))
	require.NoError(t, c.Set("workspaces/w-1", `{}`))

	v, ok := c.Get("projects/p-1")
	require.True(t, ok)
	assert.Equal(t, `{"status":"stuck"}`, v)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/p-1", "workspaces/w-1"}, keys)

	require.NoError(t, c.Delete("workspaces/w-1"))
	require.NoError(t, c.Delete("workspaces/w-1"))
	_, ok = c.Get("workspaces/w-1")
	assert.False(t, ok)
}

func TestSQLiteSkipsPendingMarkers(t *testing.T) {
	c := openTestSQLite(t, filepath.Join(t.TempDir(), "cache.db"))
	defer c.Close()

	require.NoError(t, c.Set("projects/p-1", `{}`))
	require.NoError(t, c.Set(PendingKey("projects/p-1"), "1"))
	assert.True(t, IsPendingKey(PendingKey("projects/p-1")))
	assert.False(t, IsPendingKey("projects/p-1"))

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/p-1"}, keys)

	v, ok := c.Get(PendingKey("projects/p-1"))
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	c := openTestSQLite(t, path)
	require.NoError(t, c.Set("projects/p-1", `{"status":"done"}`))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c = openTestSQLite(t, path)
	defer c.Close()
	v, ok := c.Get("projects/p-1")
	require.True(t, ok)
	assert.Equal(t, `{"status":"done"}`, v)
}
