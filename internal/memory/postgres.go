package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultHistoryPage caps unbounded history reads.
const defaultHistoryPage = 500

// PostgresStore persists archived turns in the relay_turns table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relay_turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_turns_session ON relay_turns (session_id, created_at, seq)`,
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	stamp(&record)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_turns (id, session_id, seq, role, content, created_at)
		 VALUES (@id, @session_id, @seq, @role, @content, @created_at)
		 ON CONFLICT (id) DO NOTHING`,
		pgx.NamedArgs{
			"id":         record.ID,
			"session_id": record.SessionID,
			"seq":        int64(record.Seq),
			"role":       record.Role,
			"content":    record.Content,
			"created_at": record.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionHistory(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	// Newest page first, then flipped back to chronological order.
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, role, content, created_at FROM (
			SELECT * FROM relay_turns WHERE session_id = $1
			ORDER BY created_at DESC, seq DESC LIMIT $2
		) page ORDER BY created_at, seq`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnRecord, error) {
		var (
			r   TurnRecord
			seq int64
		)
		err := row.Scan(&r.ID, &r.SessionID, &seq, &r.Role, &r.Content, &r.CreatedAt)
		r.Seq = uint64(seq)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
