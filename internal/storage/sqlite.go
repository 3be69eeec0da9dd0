package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"capsync/internal/capsync"
	"capsync/internal/storage/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements capsync.ByteStore on a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	clock  capsync.Clock
	events notifier
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema. path can be ":memory:".
func NewSQLiteStore(path string, clock capsync.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	if clock == nil {
		clock = capsync.RealClock{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every :memory: connection is a separate database, and a single
	// writer avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	s.events.notify(key)
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.events.notify(key)
	}
	return nil
}

// Keys returns every stored key with its last update time.
func (s *SQLiteStore) Keys(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, updated_at FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			key string
			ms  int64
		)
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

// OnChanged registers a change listener. Only writes made through this
// store instance are observed.
func (s *SQLiteStore) OnChanged(fn func(key string)) {
	s.events.add(fn)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ capsync.ByteStore = (*SQLiteStore)(nil)
