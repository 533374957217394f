package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a Cache persisted in a single-table SQLite database, so cached
// documents survive process restarts.
//
// Architecture:
//   - Database file: .boardsync/cache.db
//   - WAL mode: readers never block the engine's synchronous writes
//   - Schema: kv(key, value, updated_at)
type SQLite struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// OpenSQLite opens (creating if needed) the cache database at path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	c, err := cache.OpenSQLite(".boardsync/cache.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
func OpenSQLite(path string, logger *log.Logger) (*SQLite, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	// A single connection keeps Set strictly ordered with respect to Get.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	c := &SQLite{conn: conn, path: path, logger: logger}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return c, nil
}

// Path returns the database file path.
func (c *SQLite) Path() string {
	return c.path
}

// Get implements Cache. Read errors are logged and reported as a miss.
func (c *SQLite) Get(key string) (string, bool) {
	var value string
	err := c.conn.QueryRowContext(context.Background(), `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		c.logger.Printf("Warning: failed to read %s: %v", key, err)
		return "", false
	}
	return value, true
}

// Set implements Cache.
func (c *SQLite) Set(key, value string) error {
	_, err := c.conn.ExecContext(context.Background(), `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes key from the cache. Deleting a missing key is not an error.
func (c *SQLite) Delete(key string) error {
	if _, err := c.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Count returns the number of cached documents. Pending markers are not
// counted.
func (c *SQLite) Count() (int, error) {
	var n int
	if err := c.conn.QueryRow(`SELECT COUNT(*) FROM kv WHERE key NOT LIKE ?`, "%"+pendingSuffix).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// Keys returns every cached document key in sorted order.
func (c *SQLite) Keys() ([]string, error) {
	rows, err := c.conn.Query(`SELECT key FROM kv WHERE key NOT LIKE ? ORDER BY key`, "%"+pendingSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close checkpoints the WAL and closes the database.
func (c *SQLite) Close() error {
	if c.conn == nil {
		return nil
	}

	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		c.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}
