package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threadrelay/internal/domain"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversation_states (
	id                  TEXT PRIMARY KEY,
	state               JSONB NOT NULL,
	turns               INTEGER NOT NULL DEFAULT 0,
	last_classification TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_states_updated ON conversation_states(updated_at);
`

// PostgresStore implements domain.StateStore on PostgreSQL for deployments
// that run several relay instances against one state database.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects with dsn, verifies the connection and creates the
// schema if missing.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{db: db, logger: logger.With("component", "state-postgres")}, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*domain.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversation_states WHERE id = $1`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return decodeState(raw)
}

func (s *PostgresStore) Save(ctx context.Context, state domain.ConversationState) error {
	state = stamp(state)
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (id, state, turns, last_classification, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			turns = EXCLUDED.turns,
			last_classification = EXCLUDED.last_classification,
			updated_at = EXCLUDED.updated_at`,
		state.ID, data, turns(state), state.Classification.String(), state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", state.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turns, updated_at FROM conversation_states ORDER BY updated_at DESC LIMIT $1`, limit,
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
