package workflow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id              TEXT PRIMARY KEY,
		workflow_id     TEXT NOT NULL,
		workflow_name   TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		current_stage   INTEGER NOT NULL DEFAULT 0,
		total_stages    INTEGER NOT NULL DEFAULT 0,
		state           JSONB NOT NULL DEFAULT '{}'::jsonb,
		error           TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL,
		started_at      TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_executions_workflow_idx
		ON workflow_executions (workflow_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS workflow_executions_status_idx
		ON workflow_executions (status)`,
	`CREATE TABLE IF NOT EXISTS execution_events (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES workflow_executions (id) ON DELETE CASCADE,
		step_id      TEXT NOT NULL DEFAULT '',
		event        TEXT NOT NULL,
		data         JSONB,
		message      TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS execution_events_execution_idx
		ON execution_events (execution_id, created_at)`,
}

// EnsureSchema creates the execution tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
