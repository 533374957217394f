package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// isolate keeps the search path away from the developer's own config.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendNone, cfg.Remote.Backend)
	assert.Equal(t, 300*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, time.Second, cfg.Overlay.TTL)
	assert.Equal(t, ":8420", cfg.Hub.Addr)
	assert.Equal(t, filepath.Join(".boardsync", "cache.db"), cfg.Cache.Path)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.False(t, cfg.Caller().CanSync())
}

func TestLoadFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "boardsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[identity]
id = "alice"

[remote]
backend = "redis"
url = "redis://localhost:6379/0"

[sync]
debounce = "150ms"
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Caller().ID)
	assert.True(t, cfg.Caller().CanSync())
	assert.Equal(t, BackendRedis, cfg.Remote.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Remote.URL)
	assert.Equal(t, 150*time.Millisecond, cfg.Sync.Debounce)
}

func TestSearchPath(t *testing.T) {
	isolate(t)

	require.NoError(t, os.Mkdir(".boardsync", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(".boardsync", "boardsync.yaml"), []byte("hub:\n  addr: \":9000\"\n"), 0o644))

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Hub.Addr)
}

func TestExplicitFileMustExist(t *testing.T) {
	isolate(t)

	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("BOARDSYNC_IDENTITY_ID", "bob")
	t.Setenv("BOARDSYNC_REMOTE_BACKEND", "memory")
	t.Setenv("BOARDSYNC_OVERLAY_TTL", "2s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.ID)
	assert.Equal(t, BackendMemory, cfg.Remote.Backend)
	assert.Equal(t, 2*time.Second, cfg.Overlay.TTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Remote: RemoteConfig{Backend: BackendNone}}, false},
		{"memory", Config{Remote: RemoteConfig{Backend: BackendMemory}}, false},
		{"hub with url", Config{Remote: RemoteConfig{Backend: BackendHub, URL: "ws://localhost:8420/ws"}}, false},
		{"dir without url", Config{Remote: RemoteConfig{Backend: BackendDir}}, true},
		{"unknown backend", Config{Remote: RemoteConfig{Backend: "carrier-pigeon"}}, true},
		{"negative debounce", Config{Remote: RemoteConfig{Backend: BackendNone}, Sync: SyncConfig{Debounce: -time.Second}}, true},
		{"negative ttl", Config{Remote: RemoteConfig{Backend: BackendNone}, Overlay: OverlayConfig{TTL: -time.Second}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestShow(t *testing.T) {
	isolate(t)
	v := New()
	v.Set("identity.id", "alice")

	var buf bytes.Buffer
	require.NoError(t, Show(&buf, v))

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "alice", out["identity"]["id"])
	assert.Equal(t, "300ms", out["sync"]["debounce"])
	assert.Equal(t, "none", out["remote"]["backend"])
}

func TestLogWriter(t *testing.T) {
	assert.Equal(t, os.Stderr, LogConfig{}.Writer())

	w := LogConfig{File: "/tmp/boardsync.log", MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 7}.Writer()
	lj, ok := w.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, "/tmp/boardsync.log", lj.Filename)
	assert.Equal(t, 5, lj.MaxSize)
	assert.Equal(t, 2, lj.MaxBackups)
	assert.Equal(t, 7, lj.MaxAge)
}
