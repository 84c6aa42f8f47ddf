package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows carry the full document as JSONB next to the columns the hot queries
// filter on. The document is authoritative; the columns are denormalized
// copies maintained on every write.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id          TEXT PRIMARY KEY,
		is_active   BOOLEAN     NOT NULL,
		execute_at  TIMESTAMPTZ NOT NULL,
		worker_id   TEXT        NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		doc         JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_active_execute_at
		ON scheduled_jobs (execute_at) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_worker_active
		ON scheduled_jobs (worker_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS job_occurrences (
		id                      TEXT PRIMARY KEY,
		correlation_id          TEXT        NOT NULL UNIQUE,
		job_id                  TEXT        NOT NULL,
		status                  TEXT        NOT NULL,
		created_at              TIMESTAMPTZ NOT NULL,
		next_dispatch_retry_at  TIMESTAMPTZ,
		last_heartbeat          TIMESTAMPTZ,
		zombie_timeout_minutes  INTEGER,
		doc                     JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_status
		ON job_occurrences (status)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_job_status
		ON job_occurrences (job_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_retry_due
		ON job_occurrences (next_dispatch_retry_at)
		WHERE status = 'Queued' AND next_dispatch_retry_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_liveness
		ON job_occurrences (COALESCE(last_heartbeat, created_at))
		WHERE status IN ('Queued', 'Running', 'Unknown')`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_job_history
		ON job_occurrences (job_id, (doc->>'endTime') DESC, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_worker_status
		ON job_occurrences ((doc->>'workerId'), status)`,

	`CREATE TABLE IF NOT EXISTS failed_occurrences (
		id             TEXT PRIMARY KEY,
		occurrence_id  TEXT        NOT NULL UNIQUE,
		resolved       BOOLEAN     NOT NULL,
		failed_at      TIMESTAMPTZ NOT NULL,
		doc            JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_resolved_failed_at
		ON failed_occurrences (resolved, failed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_failed_type_resolved
		ON failed_occurrences ((doc->>'failureType'), resolved)`,
}

// ApplySchema creates the tables and indexes idempotently.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
