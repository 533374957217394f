// Package docdb is the authoritative document database behind the hub.
//
// Documents are stored whole, one row per (collection, id), with a version
// that increases on every write. Memberships are stored per document and
// enforced through the permission resolver.
//
// Architecture:
//   - Database file: .boardsync/hub.db (ncruces/go-sqlite3), or a libSQL URL
//     when the binary is built with cgo
//   - WAL mode: pollers read while the hub writes
//   - Schema: documents, memberships
package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/permission"
	"github.com/localboard/boardsync/internal/remote"
)

// Document is one stored document.
type Document struct {
	Key       remote.Key
	Payload   string
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
	CreatedAt time.Time
}

// DB wraps the SQL connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
	closed bool
}

// Open creates or opens the SQLite database at path and initializes the
// schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, logger *log.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout goes in the DSN so every pooled connection gets it.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := OpenDriver("sqlite3", dsn, logger)
	if err != nil {
		return nil, err
	}
	db.path = path

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return db, nil
}

// OpenDriver opens a database through any registered database/sql driver,
// for example "libsql" for a Turso URL. The schema is initialized.
func OpenDriver(driver, dsn string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[docdb] ", log.LstdFlags)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: dsn, logger: logger, now: time.Now}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates the tables if they don't exist. Safe to call more than
// once.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS memberships (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		identity TEXT NOT NULL,
		role TEXT NOT NULL,
		base_role TEXT NOT NULL DEFAULT '',
		access_until TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		PRIMARY KEY (collection, id, identity)
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_identity ON memberships(identity);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database path or DSN.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL (best effort) and closes the connection.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Get returns the document stored under key.
func (db *DB) Get(ctx context.Context, key remote.Key) (Document, bool, error) {
	doc := Document{Key: key}
	var updatedAt, createdAt string
	err := db.conn.QueryRowContext(ctx, `
	SELECT payload, version, updated_by, updated_at, created_at
	FROM documents WHERE collection = ? AND id = ?
	`, key.Collection, key.DocumentID).Scan(&doc.Payload, &doc.Version, &doc.UpdatedBy, &updatedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return doc, true, nil
}

// Upsert stores payload under key and returns the new version. Only the
// payload and writer fields change on an existing row.
func (db *DB) Upsert(ctx context.Context, key remote.Key, payload, updatedBy string) (int64, error) {
	now := db.now().UTC().Format(time.RFC3339Nano)
	var version int64
	err := db.conn.QueryRowContext(ctx, `
	INSERT INTO documents (collection, id, payload, version, updated_by, updated_at, created_at)
	VALUES (?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		payload = excluded.payload,
		version = documents.version + 1,
		updated_by = excluded.updated_by,
		updated_at = excluded.updated_at
	RETURNING version
	`, key.Collection, key.DocumentID, payload, updatedBy, now, now).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %s: %w", key, err)
	}
	return version, nil
}

// Count returns the number of stored documents.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Memberships returns the roster of key, including removed records.
func (db *DB) Memberships(ctx context.Context, key remote.Key) (permission.Roster, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT identity, role, base_role, access_until, status
	FROM memberships WHERE collection = ? AND id = ?
	ORDER BY identity
	`, key.Collection, key.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships of %s: %w", key, err)
	}
	defer rows.Close()

	var roster permission.Roster
	for rows.Next() {
		var m permission.Membership
		var role, baseRole, status string
		if err := rows.Scan(&m.Identity, &role, &baseRole, &m.AccessUntil, &status); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.Role = permission.Role(role)
		m.BaseRole = permission.Role(baseRole)
		m.Status = permission.Status(status)
		roster = append(roster, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}
	return roster, nil
}

// PutMembership inserts or replaces the membership of m.Identity on key.
func (db *DB) PutMembership(ctx context.Context, key remote.Key, m permission.Membership) error {
	if m.Identity == "" {
		return fmt.Errorf("membership on %s has no identity", key)
	}
	if m.Status == "" {
		m.Status = permission.StatusActive
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO memberships (collection, id, identity, role, base_role, access_until, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id, identity) DO UPDATE SET
		role = excluded.role,
		base_role = excluded.base_role,
		access_until = excluded.access_until,
		status = excluded.status
	`, key.Collection, key.DocumentID, m.Identity, string(m.Role), string(m.BaseRole), m.AccessUntil, string(m.Status))
	if err != nil {
		return fmt.Errorf("failed to put membership %s on %s: %w", m.Identity, key, err)
	}
	return nil
}

// RemoveMembership marks the membership of identity on key as removed. The
// record is kept.
func (db *DB) RemoveMembership(ctx context.Context, key remote.Key, identity string) error {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE memberships SET status = ?
	WHERE collection = ? AND id = ? AND identity = ?
	`, string(permission.StatusRemoved), key.Collection, key.DocumentID, identity)
	if err != nil {
		return fmt.Errorf("failed to remove membership %s on %s: %w", identity, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("membership %s on %s not found", identity, key)
	}
	return nil
}

// ImportGrants stores every membership of a grants file.
func (db *DB) ImportGrants(ctx context.Context, f *permission.GrantsFile) (int, error) {
	n := 0
	for _, doc := range f.Documents {
		key := remote.Key{Collection: doc.Collection, DocumentID: doc.ID}
		for _, m := range doc.Members {
			if err := db.PutMembership(ctx, key, m); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Authorize checks whether id may read (or write) key. A document without
// memberships is open to every signed-in identity, and its first writer is
// recorded as owner, which closes it to everyone else. Refusals are
// PermissionDenied remote errors.
func (db *DB) Authorize(ctx context.Context, key remote.Key, id identity.Identity, write bool) error {
	op := "read"
	if write {
		op = "upsert"
	}
	if !id.CanSync() {
		return remote.NewError(remote.PermissionDenied, op, key, errors.New("anonymous access"))
	}

	roster, err := db.Memberships(ctx, key)
	if err != nil {
		return classify(op, key, err)
	}
	if len(roster) == 0 {
		if !write {
			return nil
		}
		claimed, err := db.claimOwner(ctx, key, id.ID)
		if err != nil {
			return classify(op, key, err)
		}
		if claimed {
			return nil
		}
		// Another writer claimed the document first.
		if roster, err = db.Memberships(ctx, key); err != nil {
			return classify(op, key, err)
		}
	}

	p := roster.PermissionsFor(id.ID, db.now())
	if write && !p.CanEdit {
		return remote.NewError(remote.PermissionDenied, op, key, fmt.Errorf("%s cannot edit", id.ID))
	}
	if !p.CanView {
		return remote.NewError(remote.PermissionDenied, op, key, fmt.Errorf("%s cannot view", id.ID))
	}
	return nil
}

// claimOwner records identity as owner of key unless key already has a
// membership. The check and the insert are one statement, so of two
// concurrent first writers exactly one wins.
func (db *DB) claimOwner(ctx context.Context, key remote.Key, identity string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO memberships (collection, id, identity, role, base_role, access_until, status)
	SELECT ?, ?, ?, ?, '', '', ?
	WHERE NOT EXISTS (SELECT 1 FROM memberships WHERE collection = ? AND id = ?)
	`, key.Collection, key.DocumentID, identity, string(permission.RoleOwner), string(permission.StatusActive),
		key.Collection, key.DocumentID)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s for %s: %w", key, identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s for %s: %w", key, identity, err)
	}
	return n == 1, nil
}

// classify maps a database error onto the remote error taxonomy. A closed
// database is fatal; everything else (busy, locked, I/O) is retried.
func classify(op string, key remote.Key, err error) error {
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return remote.NewError(remote.UnavailableFatal, op, key, err)
	}
	return remote.NewError(remote.Transient, op, key, err)
}
