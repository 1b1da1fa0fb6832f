package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/distbuild/internal/events"
)

// Recorder is an events.Sink that persists task results and the job outcome.
// History is best effort: store failures are logged and kept for Err, never
// returned to the scheduler.
type Recorder struct {
	store  Store
	jobID  string
	logger *slog.Logger

	mu     sync.Mutex
	starts map[string]events.TaskStartedEvent
	err    error
}

// NewRecorder creates a recorder for jobID.
func NewRecorder(store Store, jobID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		jobID:  jobID,
		logger: logger,
		starts: make(map[string]events.TaskStartedEvent),
	}
}

// Begin records the job row. It must be called before the job's events are written.
func (r *Recorder) Begin(ctx context.Context, graph string, taskCount int) error {
	return r.store.CreateJob(ctx, Job{
		ID:        r.jobID,
		Graph:     graph,
		TaskCount: taskCount,
		StartedAt: time.Now(),
	})
}

func (r *Recorder) Write(ctx context.Context, e events.Event) error {
	switch ev := e.(type) {
	case events.TaskStartedEvent:
		r.mu.Lock()
		r.starts[ev.ID] = ev
		r.mu.Unlock()

	case events.TaskCompletedEvent:
		r.mu.Lock()
		start := r.starts[ev.ID]
		r.mu.Unlock()

		r.record(r.store.SaveTaskResult(ctx, TaskResult{
			JobID:            r.jobID,
			TaskID:           ev.ID,
			DisplayName:      start.DisplayName,
			WorkerName:       start.WorkerName,
			WorkerCore:       start.WorkerCore,
			Status:           ev.Status,
			ExitCode:         ev.ExitCode,
			ExceptionMessage: ev.ExceptionMessage,
			Elapsed:          ev.Elapsed,
		}))

	case events.JobCompleteEvent:
		r.record(r.store.FinishJob(ctx, r.jobID, ev.Status, ev.Elapsed, ev.Timestamp))
	}
	return nil
}

func (r *Recorder) record(err error) {
	if err == nil {
		return
	}
	r.logger.Warn("failed to record job history", "job", r.jobID, "error", err)
	r.mu.Lock()
	r.err = errors.Join(r.err, err)
	r.mu.Unlock()
}

// Err returns every store failure seen so far.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
