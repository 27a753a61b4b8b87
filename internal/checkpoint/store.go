// Package checkpoint persists backfill progress in SQLite so an interrupted
// history import resumes from the last consumed page.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pixdesk/ledgersync/internal/model"
)

// Checkpoint is the saved position of one (account, provider, filters) walk.
type Checkpoint struct {
	AccountID string
	Provider  model.Provider
	Filters   string // model.Filters.Key()
	Cursor    *model.Cursor
	Done      bool
	Pages     int
	UpdatedAt time.Time
}

// Store handles SQLite persistence. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a Store at path, creating the table if needed. ":memory:"
// opens a private in-memory database.
func Open(path string) (*Store, error) {
	connStr := path
	if path == ":memory:" {
		connStr = "file::memory:"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps an in-memory database alive and serializes
	// writers on a file database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		account_id TEXT NOT NULL,
		provider   TEXT NOT NULL,
		filters    TEXT NOT NULL,
		cursor     TEXT NOT NULL DEFAULT '',
		done       INTEGER NOT NULL DEFAULT 0,
		pages      INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, provider, filters)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the checkpoint for the key. ok is false when none was saved.
func (s *Store) Get(ctx context.Context, accountID string, p model.Provider, filters string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := Checkpoint{AccountID: accountID, Provider: p, Filters: filters}
	var cursor string
	var done int
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, done, pages, updated_at FROM checkpoints
		WHERE account_id = ? AND provider = ? AND filters = ?
	`, accountID, string(p), filters).Scan(&cursor, &done, &cp.Pages, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("query checkpoint: %w", err)
	}

	cp.Done = done != 0
	cp.UpdatedAt = time.UnixMilli(updated).UTC()
	if cursor != "" {
		c, err := model.ParseCursor(cursor)
		if err != nil {
			return cp, false, fmt.Errorf("stored checkpoint: %w", err)
		}
		if err := c.Check(p); err != nil {
			return cp, false, fmt.Errorf("stored checkpoint: %w", err)
		}
		cp.Cursor = c
	}
	return cp, true, nil
}

// Save records progress after a page. A nil cursor marks the walk done.
func (s *Store) Save(ctx context.Context, accountID string, p model.Provider, filters string, cursor *model.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := 0
	if cursor == nil {
		done = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (account_id, provider, filters, cursor, done, pages, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (account_id, provider, filters) DO UPDATE SET
			cursor = excluded.cursor,
			done = excluded.done,
			pages = checkpoints.pages + 1,
			updated_at = excluded.updated_at
	`, accountID, string(p), filters, cursor.String(), done, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Reset deletes every checkpoint for accountID and returns how many were removed.
func (s *Store) Reset(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, fmt.Errorf("reset checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// List returns all checkpoints ordered by account and provider.
func (s *Store) List(ctx context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, provider, filters, cursor, done, pages, updated_at
		FROM checkpoints ORDER BY account_id, provider, filters
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var provider, cursor string
		var done int
		var updated int64
		if err := rows.Scan(&cp.AccountID, &provider, &cp.Filters, &cursor, &done, &cp.Pages, &updated); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Provider = model.Provider(provider)
		cp.Done = done != 0
		cp.UpdatedAt = time.UnixMilli(updated).UTC()
		if cursor != "" {
			// A malformed row is listed without its cursor rather than failing the listing.
			cp.Cursor, _ = model.ParseCursor(cursor)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
