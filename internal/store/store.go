// Package store implements render.AuditStore over PostgreSQL via
// pgxpool, following the same schema-init-then-parameterized-insert
// shape go-inference-service uses for its inference cache table.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderforge/dispatcher/internal/render"
)

const schema = `
CREATE TABLE IF NOT EXISTS render_audit (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	device TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	created_at TIMESTAMPTZ DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_render_audit_session ON render_audit(session_id);
CREATE INDEX IF NOT EXISTS idx_render_audit_created ON render_audit(created_at DESC);
`

// Store is a render.AuditStore backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the audit schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

// RecordTerminal inserts one audit row per task completion. Insert
// errors are discarded, neither returned nor logged, since audit
// logging must never fail a render.
func (s *Store) RecordTerminal(ctx context.Context, task *render.Task, device, status string, taskErr error) {
	var errText string
	if taskErr != nil {
		errText = taskErr.Error()
	}
	_, _ = s.pool.Exec(ctx,
		`INSERT INTO render_audit (task_id, session_id, device, status, error) VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.Request.SessionID, device, status, errText,
	)
}
