// Package scheduler executes a build graph on a pool of cores.
//
// Ready tasks are launched as soon as they are dequeued; the only limit on
// concurrency is how many cores the pool hands out. The first task that does
// not succeed cancels the rest of the run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/distbuild/internal/events"
	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/logging"
	"github.com/aristath/distbuild/internal/pool"
)

var (
	// ErrUnschedulable is returned, before any event is emitted, when no task
	// in the graph is free of dependencies.
	ErrUnschedulable = errors.New("no task is immediately schedulable")
	// ErrStalled is the cancellation cause when tasks remain but none can ever become ready.
	ErrStalled = errors.New("remaining tasks can never become ready")
	// ErrInvariant is the cancellation cause for broken scheduler bookkeeping.
	ErrInvariant = errors.New("scheduler invariant violated")
)

// TaskOutcome is the final state of one executed task.
type TaskOutcome struct {
	Status           events.CompletionStatus
	ExitCode         int
	ExceptionMessage string
	WorkerName       string
	WorkerCore       int
	Elapsed          time.Duration
}

// JobResult summarizes a run. Tasks holds only the tasks that were launched.
type JobResult struct {
	ID      string
	Status  events.JobStatus
	Elapsed time.Duration
	Tasks   map[string]TaskOutcome
	// Cause is why the run stopped early, nil on success.
	Cause error
}

// Count returns how many launched tasks finished with status.
func (r *JobResult) Count(status events.CompletionStatus) int {
	n := 0
	for _, o := range r.Tasks {
		if o.Status == status {
			n++
		}
	}
	return n
}

// PrepareFunc runs on a reserved core before a remote task is sent to it.
type PrepareFunc func(ctx context.Context, core pool.Core, task *graph.Task) error

// Options configures a GraphExecutor.
type Options struct {
	Logger *slog.Logger
	// PrepareRemote, if set, synchronizes tools and blobs for remote tasks.
	PrepareRemote PrepareFunc
}

// GraphExecutor runs graphs. It holds no per-run state and may be shared.
type GraphExecutor struct {
	logger  *slog.Logger
	prepare PrepareFunc
}

// NewGraphExecutor creates a graph executor.
func NewGraphExecutor(opts Options) *GraphExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphExecutor{logger: logger, prepare: opts.PrepareRemote}
}

// Execute runs g under a fresh job ID. See ExecuteJob.
func (e *GraphExecutor) Execute(ctx context.Context, p pool.Pool, g *graph.Graph, sink events.Sink) (*JobResult, error) {
	return e.ExecuteJob(ctx, uuid.NewString(), p, g, sink)
}

// ExecuteJob runs every task of g on cores from p, streaming events to sink,
// and returns once all launched tasks have finished and JobComplete has been
// written. A task failure is reported through the result, not the error;
// the error is non-nil only for ErrUnschedulable or when JobComplete could
// not be written.
func (e *GraphExecutor) ExecuteJob(ctx context.Context, jobID string, p pool.Pool, g *graph.Graph, sink events.Sink) (*JobResult, error) {
	start := time.Now()

	roots := g.Roots()
	if len(roots) == 0 {
		return nil, ErrUnschedulable
	}

	logger := e.logger.With("job", jobID)
	ctx = logging.WithLogger(ctx, logger)
	inst := newInstance(ctx, g, p, events.NewSerialSink(sink), logger, e.prepare)
	defer inst.cancel(context.Canceled)

	logger.Info("job started", "tasks", g.Len(), "ready", len(roots))

	inst.mu.Lock()
	for _, t := range roots {
		inst.enqueueLocked(t)
	}
	inst.mu.Unlock()

	inst.loop()
	inst.group.Wait()

	inst.mu.Lock()
	status := events.JobFailure
	if inst.remaining == 0 && len(inst.completed) == g.Len() {
		status = events.JobSuccess
	}
	result := &JobResult{
		ID:      jobID,
		Status:  status,
		Elapsed: time.Since(start),
		Tasks:   inst.outcomes,
	}
	inst.mu.Unlock()

	if status != events.JobSuccess {
		result.Cause = context.Cause(inst.ctx)
	}

	logger.Info("job complete", "status", status.String(), "elapsed", result.Elapsed, "cause", result.Cause)

	err := inst.sink.Write(context.WithoutCancel(ctx), events.JobCompleteEvent{
		JobID:     jobID,
		Status:    status,
		Elapsed:   result.Elapsed,
		Timestamp: time.Now(),
	})
	if err != nil {
		return result, fmt.Errorf("writing job completion: %w", err)
	}
	return result, nil
}
