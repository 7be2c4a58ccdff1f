package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"threadrelay/internal/domain"
)

// Store persists session mappings. Get reports ok=false for unknown keys.
type Store interface {
	Get(ctx context.Context, key string) (domain.SessionMapping, bool, error)
	Put(ctx context.Context, m domain.SessionMapping) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}

// MemoryStore keeps mappings for the process lifetime.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]domain.SessionMapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]domain.SessionMapping)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (domain.SessionMapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[key]
	return m, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, m domain.SessionMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.SessionKey] = m
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// SQLiteStore keeps mappings in the session_mappings table so thread
// participation survives restarts. The schema is created by
// memory.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.SessionMapping, bool, error) {
	m := domain.SessionMapping{SessionKey: key}
	var active int
	var activeAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT backend_id, active, active_at, updated_at FROM session_mappings WHERE session_key = ?`, key,
	).Scan(&m.BackendID, &active, &activeAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionMapping{}, false, nil
	}
	if err != nil {
		return domain.SessionMapping{}, false, fmt.Errorf("get session %s: %w", key, err)
	}
	m.Active = active != 0
	if activeAt.Valid {
		m.ActiveAt = activeAt.Time
	}
	return m, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, m domain.SessionMapping) error {
	var activeAt any
	if !m.ActiveAt.IsZero() {
		activeAt = m.ActiveAt.UTC()
	}
	active := 0
	if m.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_mappings (session_key, backend_id, active, active_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			backend_id = excluded.backend_id,
			active = excluded.active,
			active_at = excluded.active_at,
			updated_at = excluded.updated_at`,
		m.SessionKey, m.BackendID, active, activeAt, m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", m.SessionKey, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_mappings WHERE session_key = ?`, key)
	return err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_mappings`).Scan(&n)
	return n, err
}
