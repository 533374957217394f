// Package config loads boardsync settings from a config file, BOARDSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/localboard/boardsync/internal/identity"
)

// Backends accepted by remote.backend.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendDir    = "dir"
	BackendHub    = "hub"
	BackendTurso  = "turso"
)

// EnvPrefix is prepended to every environment override, e.g.
// BOARDSYNC_REMOTE_BACKEND.
const EnvPrefix = "BOARDSYNC"

// Config is the effective configuration.
type Config struct {
	Identity IdentityConfig `mapstructure:"identity"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Overlay  OverlayConfig  `mapstructure:"overlay"`
	Hub      HubConfig      `mapstructure:"hub"`
	Log      LogConfig      `mapstructure:"log"`
}

type IdentityConfig struct {
	ID        string `mapstructure:"id"`
	Anonymous bool   `mapstructure:"anonymous"`
}

type CacheConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
}

type SyncConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type OverlayConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type HubConfig struct {
	Addr string `mapstructure:"addr"`
	DB   string `mapstructure:"db"`
}

// LogConfig controls where logs go. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Writer returns the log destination: a rotating file when File is set.
func (l LogConfig) Writer() io.Writer {
	if l.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
	}
}

// Caller returns the configured identity.
func (c *Config) Caller() identity.Identity {
	return identity.Identity{ID: c.Identity.ID, IsAnonymous: c.Identity.Anonymous}
}

// New returns a viper instance with defaults and environment overrides set
// up. Flags are bound by the caller with BindPFlag.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("identity.id", "")
	v.SetDefault("identity.anonymous", false)
	v.SetDefault("cache.path", filepath.Join(".boardsync", "cache.db"))
	v.SetDefault("remote.backend", BackendNone)
	v.SetDefault("remote.url", "")
	v.SetDefault("sync.debounce", 300*time.Millisecond)
	v.SetDefault("overlay.ttl", time.Second)
	v.SetDefault("hub.addr", ":8420")
	v.SetDefault("hub.db", filepath.Join(".boardsync", "hub.db"))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file into v and returns the validated result. An
// explicit path must exist; otherwise boardsync.{toml,yaml} is searched in
// .boardsync/ and $HOME/.config/boardsync, and a missing file is fine.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("boardsync")
		v.AddConfigPath(".boardsync")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "boardsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the backend and the values it needs.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis, BackendDir, BackendHub, BackendTurso:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the %s backend", c.Remote.Backend)
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want none, memory, redis, dir, hub or turso)", c.Remote.Backend)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative, got %v", c.Sync.Debounce)
	}
	if c.Overlay.TTL < 0 {
		return fmt.Errorf("overlay.ttl must not be negative, got %v", c.Overlay.TTL)
	}
	return nil
}

// Show writes the effective settings of v as YAML.
func Show(w io.Writer, v *viper.Viper) error {
	settings := make(map[string]any)
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		val := v.Get(key)
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		insert(settings, strings.Split(key, "."), val)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func insert(m map[string]any, path []string, val any) {
	if len(path) == 1 {
		m[path[0]] = val
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[path[0]] = child
	}
	insert(child, path[1:], val)
}
