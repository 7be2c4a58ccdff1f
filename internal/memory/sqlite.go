package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"threadrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) the SQLite database at dbPath and
// brings its schema up to date. The same handle backs conversation state and
// session mappings.
func OpenSQLite(dbPath string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return db, nil
}

// SQLiteStore implements domain.StateStore on SQLite. State is stored as a
// JSON document per conversation.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "state-sqlite")}
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*domain.ConversationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversation_states WHERE id = ?`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return decodeState([]byte(raw))
}

func (s *SQLiteStore) Save(ctx context.Context, state domain.ConversationState) error {
	state = stamp(state)
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (id, state, turns, last_classification, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			turns = excluded.turns,
			last_classification = excluded.last_classification,
			updated_at = excluded.updated_at`,
		state.ID, string(data), turns(state), state.Classification.String(), state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turns, updated_at FROM conversation_states ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversationSummary
	for rows.Next() {
		var cs domain.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Turns, &cs.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// Prune deletes conversations not updated since olderThan and reports how
// many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE updated_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
