package storage

import (
	"context"
	"fmt"
)

// schema is written in the subset of SQL shared by PostgreSQL and SQLite
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id            TEXT PRIMARY KEY,
		idempotency_key   TEXT,
		kind              TEXT NOT NULL,
		input             TEXT NOT NULL DEFAULT '{}',
		job_constraint    TEXT NOT NULL DEFAULT 'NONE',
		schedule          TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL,
		cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
		run_count         INTEGER NOT NULL DEFAULT 0,
		worker_id         TEXT NOT NULL DEFAULT '',
		last_status       TEXT NOT NULL DEFAULT '',
		last_title        TEXT NOT NULL DEFAULT '',
		last_message      TEXT NOT NULL DEFAULT '',
		next_run_at       TIMESTAMP NOT NULL,
		dispatched_at     TIMESTAMP NULL,
		started_at        TIMESTAMP NULL,
		last_heartbeat_at TIMESTAMP NULL,
		completed_at      TIMESTAMP NULL,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_key ON jobs (idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state_next_run_at ON jobs (state, next_run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at_job_id ON jobs (created_at, job_id)`,
}

// Migrate creates the jobs table and its indexes when they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
