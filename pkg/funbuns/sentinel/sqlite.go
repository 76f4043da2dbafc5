package sentinel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the sentinel in a single-row SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the sentinel database at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_sentinel (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			derived_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sn Sentinel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := sn.Marshal()
	if err != nil {
		return fmt.Errorf("encode sentinel: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resume_sentinel (id, derived_at, data)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			derived_at = excluded.derived_at,
			data = excluded.data
	`, sn.DerivedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save sentinel: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (Sentinel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Sentinel{}, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM resume_sentinel WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Sentinel{}, ErrNotFound
	}
	if err != nil {
		return Sentinel{}, fmt.Errorf("load sentinel: %w", err)
	}
	sn, err := Unmarshal(data)
	if err != nil {
		return Sentinel{}, fmt.Errorf("decode sentinel: %w", err)
	}
	return sn, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM resume_sentinel`); err != nil {
		return fmt.Errorf("delete sentinel: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
