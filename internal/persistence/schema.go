package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		graph TEXT NOT NULL,
		task_count INTEGER NOT NULL,
		status TEXT,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at);

	CREATE TABLE IF NOT EXISTS task_results (
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		worker_name TEXT NOT NULL,
		worker_core INTEGER NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		exception_message TEXT,
		elapsed_ms INTEGER NOT NULL,
		PRIMARY KEY (job_id, task_id),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
