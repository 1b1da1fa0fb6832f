// Package persistence records job history in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/distbuild/internal/events"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("not found")

// opTimeout bounds every store operation.
const opTimeout = 5 * time.Second

// Job is one recorded graph run. Status and FinishedAt are set once the job finished.
type Job struct {
	ID         string
	Graph      string
	TaskCount  int
	Status     events.JobStatus
	Finished   bool
	Elapsed    time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskResult is the recorded completion of one task in a job.
type TaskResult struct {
	JobID            string
	TaskID           string
	DisplayName      string
	WorkerName       string
	WorkerCore       int
	Status           events.CompletionStatus
	ExitCode         int
	ExceptionMessage string
	Elapsed          time.Duration
}

// Store defines the job history operations.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	FinishJob(ctx context.Context, jobID string, status events.JobStatus, elapsed time.Duration, at time.Time) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)

	SaveTaskResult(ctx context.Context, result TaskResult) error
	ListTaskResults(ctx context.Context, jobID string) ([]TaskResult, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database, shared by the store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:history-%s?mode=memory&cache=shared", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection keeps the PRAGMA in effect and serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
