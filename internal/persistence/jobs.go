package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/distbuild/internal/events"
)

// CreateJob inserts a job that has just started.
func (s *SQLiteStore) CreateJob(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, graph, task_count, started_at)
		VALUES (?, ?, ?, ?)
	`, job.ID, job.Graph, job.TaskCount, job.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// FinishJob records the final status of a job.
func (s *SQLiteStore) FinishJob(ctx context.Context, jobID string, status events.JobStatus, elapsed time.Duration, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, elapsed_ms = ?, finished_at = ?
		WHERE id = ?
	`, status.String(), elapsed.Milliseconds(), at.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, graph, task_count, status, elapsed_ms, started_at, finished_at
		FROM jobs
		WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recently started jobs first. limit <= 0 means no limit.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph, task_count, status, elapsed_ms, started_at, finished_at
		FROM jobs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// SaveTaskResult stores or replaces the result of one task.
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, r TaskResult) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, r.JobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", r.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_results (job_id, task_id, display_name, worker_name, worker_core, status, exit_code, exception_message, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, task_id) DO UPDATE SET
			display_name = excluded.display_name,
			worker_name = excluded.worker_name,
			worker_core = excluded.worker_core,
			status = excluded.status,
			exit_code = excluded.exit_code,
			exception_message = excluded.exception_message,
			elapsed_ms = excluded.elapsed_ms
	`, r.JobID, r.TaskID, r.DisplayName, r.WorkerName, r.WorkerCore, r.Status.String(), r.ExitCode, r.ExceptionMessage, r.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to upsert task result %s: %w", r.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTaskResults returns the task results of a job ordered by task ID.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, jobID string) ([]TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, task_id, display_name, worker_name, worker_core, status, exit_code, exception_message, elapsed_ms
		FROM task_results
		WHERE job_id = ?
		ORDER BY task_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var results []TaskResult
	for rows.Next() {
		var (
			r         TaskResult
			status    string
			message   sql.NullString
			elapsedMS int64
		)
		err := rows.Scan(&r.JobID, &r.TaskID, &r.DisplayName, &r.WorkerName, &r.WorkerCore, &status, &r.ExitCode, &message, &elapsedMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		if err := r.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, fmt.Errorf("task result %s: %w", r.TaskID, err)
		}
		r.ExceptionMessage = message.String
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		status    sql.NullString
		elapsedMS int64
		finished  sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.Graph, &job.TaskCount, &status, &elapsedMS, &job.StartedAt, &finished); err != nil {
		return nil, err
	}
	if status.Valid {
		if err := job.Status.UnmarshalText([]byte(status.String)); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		job.Finished = true
	}
	job.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if finished.Valid {
		job.FinishedAt = finished.Time
	}
	return &job, nil
}
