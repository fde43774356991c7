// Package store persists branching conversation sessions in a local SQLite
// database. Sessions own an append-only tree of entries; the session row
// carries a movable leaf pointer that marks the current end of the
// conversation. Entries are never updated or deleted except by session
// deletion, which cascades.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	// maxAncestryDepth bounds the recursive ancestry walk. Real sessions top
	// out in the tens of thousands of entries; hitting this cap means a
	// corrupted parent chain.
	maxAncestryDepth = 100_000

	// entryIDBytes gives 8 hex chars, 32 bits of entropy. Ids are
	// collision-checked per session on insert.
	entryIDBytes = 4

	maxEntryIDAttempts = 16
)

// Store is the durable entry store. One Store per database file; safe for
// concurrent use. WAL journaling keeps readers from ever blocking on the
// writer.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Option customizes Store construction.
type Option func(*Store)

// WithLogger attaches a zap logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Open initializes the SQLite database at path, creating the schema when
// missing. Use ":memory:" for an in-memory store in tests.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("create data dir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	// modernc's driver serializes statements per connection; a single
	// connection avoids table-lock errors between overlapping transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			s.log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Debug("store opened", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT,
		leaf_id TEXT,
		display_name TEXT
	);

	CREATE TABLE IF NOT EXISTS entries (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT,
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		search_text TEXT,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (session_id, parent_id) REFERENCES entries(session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(session_id, parent_id);
	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(session_id, type);

	CREATE TABLE IF NOT EXISTS labels (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_labels_target ON labels(session_id, target_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return storageErr("create schema", err)
	}
	return nil
}

// Path returns the database file path, or ":memory:".
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.log.Debug("store closing", zap.String("path", s.path))
	return s.db.Close()
}

// newEntryID returns a short random hex id.
func newEntryID() (string, error) {
	buf := make([]byte, entryIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate entry id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// nowMillis returns the current wall clock in unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// millisToTime converts stored unix milliseconds back to time.Time.
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// inTx runs fn inside one transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isDomainError(err) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// scanRawJSON copies a TEXT column into a detached json.RawMessage.
func scanRawJSON(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	return json.RawMessage(append([]byte(nil), raw...))
}
