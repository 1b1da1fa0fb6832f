package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/distbuild/internal/events"
	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/logging"
	"github.com/aristath/distbuild/internal/pool"
	"github.com/aristath/distbuild/internal/protocol"
)

// instance is the state of one run.
type instance struct {
	graph   *graph.Graph
	pool    pool.Pool
	sink    events.Sink
	logger  *slog.Logger
	prepare PrepareFunc

	ctx    context.Context
	cancel context.CancelCauseFunc

	// ready is both the FIFO of runnable tasks and the loop's wake-up signal.
	// Each task is enqueued at most once, so it never holds more than Len() tasks.
	ready   chan *graph.Task
	drained chan struct{} // closed when remaining reaches zero
	group   errgroup.Group

	mu        sync.Mutex
	remaining int
	inflight  int // enqueued but not yet through bookkeeping
	scheduled map[string]bool
	completed map[string]bool
	outcomes  map[string]TaskOutcome
}

func newInstance(ctx context.Context, g *graph.Graph, p pool.Pool, sink events.Sink, logger *slog.Logger, prepare PrepareFunc) *instance {
	ctx, cancel := context.WithCancelCause(ctx)
	return &instance{
		graph:     g,
		pool:      p,
		sink:      sink,
		logger:    logger,
		prepare:   prepare,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan *graph.Task, g.Len()),
		drained:   make(chan struct{}),
		remaining: g.Len(),
		scheduled: make(map[string]bool, g.Len()),
		completed: make(map[string]bool, g.Len()),
		outcomes:  make(map[string]TaskOutcome, g.Len()),
	}
}

// violation logs a broken invariant and cancels the run.
func (inst *instance) violation(msg string, args ...any) {
	logging.Critical(inst.ctx, inst.logger, msg, args...)
	inst.cancel(fmt.Errorf("%w: %s", ErrInvariant, msg))
}

// enqueueLocked marks t scheduled and queues it. Caller holds mu.
func (inst *instance) enqueueLocked(t *graph.Task) {
	inst.scheduled[t.Name] = true
	select {
	case inst.ready <- t:
		inst.inflight++
	default:
		inst.violation("ready queue overflow", "task", t.Name, "capacity", cap(inst.ready))
	}
}

// loop launches ready tasks until every task has completed or the run is cancelled.
func (inst *instance) loop() {
	for {
		if inst.ctx.Err() != nil {
			return
		}

		select {
		case <-inst.ctx.Done():
			return
		case <-inst.drained:
			return
		case task, ok := <-inst.ready:
			if !ok {
				inst.violation("ready queue closed while tasks remain")
				return
			}

			inst.mu.Lock()
			scheduled := inst.scheduled[task.Name]
			inst.mu.Unlock()
			if !scheduled {
				inst.violation("dequeued task was never scheduled", "task", task.Name)
				return
			}

			inst.group.Go(func() error {
				inst.execute(task)
				return nil
			})
		}
	}
}

// attempt is what happened to one task before bookkeeping.
type attempt struct {
	started bool
	outcome TaskOutcome
}

func (inst *instance) execute(task *graph.Task) {
	a := inst.attempt(task)
	inst.complete(task, a)
}

// attempt reserves a core, runs the task on it and releases the core.
func (inst *instance) attempt(task *graph.Task) (a attempt) {
	a.outcome = TaskOutcome{Status: events.StatusException, ExitCode: 1}
	var begin time.Time

	defer func() {
		if r := recover(); r != nil {
			inst.logger.Error("task execution panicked", "task", task.Name, "panic", r, "stack", string(debug.Stack()))
			a.outcome.Status = events.StatusException
			a.outcome.ExceptionMessage = fmt.Sprintf("panic: %v", r)
		}
		if !begin.IsZero() {
			a.outcome.Elapsed = time.Since(begin)
		}
	}()

	core, err := inst.pool.ReserveCore(inst.ctx, !task.IsRemote())
	if err != nil {
		inst.fail(&a, task, fmt.Errorf("reserving core: %w", err))
		return a
	}
	defer func() {
		if err := core.Release(); err != nil {
			inst.logger.Warn("failed to release core", "task", task.Name, "worker", core.WorkerName(), "core", core.CoreNumber(), "error", err)
		}
	}()

	begin = time.Now()
	a.outcome.WorkerName = core.WorkerName()
	a.outcome.WorkerCore = core.CoreNumber()

	err = inst.sink.Write(context.WithoutCancel(inst.ctx), events.TaskStartedEvent{
		ID:          task.Name,
		DisplayName: task.DisplayName(),
		WorkerName:  core.WorkerName(),
		WorkerCore:  core.CoreNumber(),
		Timestamp:   begin,
	})
	if err != nil {
		inst.fail(&a, task, fmt.Errorf("writing task start: %w", err))
		return a
	}
	a.started = true
	inst.logger.Debug("task started", "task", task.Name, "worker", core.WorkerName(), "core", core.CoreNumber())

	if task.IsRemote() && inst.prepare != nil {
		if err := inst.prepare(inst.ctx, core, task); err != nil {
			inst.fail(&a, task, fmt.Errorf("preparing remote task: %w", err))
			return a
		}
	}

	code, err := inst.stream(task, core)
	if err != nil {
		inst.fail(&a, task, err)
		return a
	}

	a.outcome.ExitCode = code
	if code == 0 {
		a.outcome.Status = events.StatusSuccess
	} else {
		a.outcome.Status = events.StatusFailure
	}
	return a
}

// fail classifies err: anything observed while the run is cancelled is a
// cancellation, everything else is an execution exception.
func (inst *instance) fail(a *attempt, task *graph.Task, err error) {
	if inst.ctx.Err() != nil {
		a.outcome.Status = events.StatusCancelled
		return
	}
	a.outcome.Status = events.StatusException
	a.outcome.ExceptionMessage = err.Error()
	inst.logger.Warn("task execution failed", "task", task.Name, "error", err)
}

// stream sends the task to core and forwards its output until the exit code arrives.
func (inst *instance) stream(task *graph.Task, core pool.Core) (int, error) {
	req, err := protocol.NewExecuteTask(task.Descriptor)
	if err != nil {
		return 0, err
	}
	s := core.Stream()
	if err := s.Send(inst.ctx, req); err != nil {
		return 0, fmt.Errorf("sending task: %w", err)
	}

	for {
		resp, err := s.Recv(inst.ctx)
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: stream ended without an exit code", protocol.ErrStreamClosed)
		}
		if err != nil {
			return 0, fmt.Errorf("receiving task response: %w", err)
		}
		if resp.Error != nil {
			return 0, fmt.Errorf("worker %s: %s", core.WorkerName(), resp.Error.Message)
		}
		if resp.ExecuteTask == nil {
			return 0, fmt.Errorf("%w: expected task response from %s", protocol.ErrUnexpectedResponse, core.WorkerName())
		}

		r := resp.ExecuteTask.Response
		switch r.Kind {
		case protocol.StandardOutput, protocol.StandardError:
			stream := events.StreamStdout
			if r.Kind == protocol.StandardError {
				stream = events.StreamStderr
			}
			err := inst.sink.Write(inst.ctx, events.TaskOutputEvent{
				ID:        task.Name,
				Line:      r.Line,
				Stream:    stream,
				Timestamp: time.Now(),
			})
			if err != nil {
				return 0, fmt.Errorf("writing task output: %w", err)
			}
		case protocol.ExitCode:
			return r.ExitCode, nil
		default:
			return 0, fmt.Errorf("%w: process response kind %s", protocol.ErrUnexpectedResponse, r.Kind)
		}
	}
}

// complete emits the task's completion and updates the run's bookkeeping.
func (inst *instance) complete(task *graph.Task, a attempt) {
	ctx := context.WithoutCancel(inst.ctx)
	o := a.outcome

	if !a.started {
		// Reservation or the start write failed; a start must precede every completion
		err := inst.sink.Write(ctx, events.TaskStartedEvent{
			ID:          task.Name,
			DisplayName: task.DisplayName(),
			Timestamp:   time.Now(),
		})
		if err != nil {
			inst.logger.Error("failed to write task start", "task", task.Name, "error", err)
		}
	}

	writeErr := inst.sink.Write(ctx, events.TaskCompletedEvent{
		ID:               task.Name,
		Status:           o.Status,
		ExitCode:         o.ExitCode,
		ExceptionMessage: o.ExceptionMessage,
		Elapsed:          o.Elapsed,
		Timestamp:        time.Now(),
	})

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.outcomes[task.Name] = o
	inst.inflight--

	if writeErr != nil {
		inst.violation("failed to write task completion", "task", task.Name, "error", writeErr)
		return
	}

	switch o.Status {
	case events.StatusSuccess:
	case events.StatusCancelled:
		inst.cancel(context.Canceled)
		return
	default:
		inst.logger.Info("task did not succeed, cancelling run", "task", task.Name, "status", o.Status.String(), "exit_code", o.ExitCode)
		inst.cancel(fmt.Errorf("task %s: %s (exit code %d)", task.Name, o.Status, o.ExitCode))
		return
	}

	inst.completed[task.Name] = true
	inst.remaining--
	if inst.remaining == 0 {
		close(inst.drained)
		return
	}

	for _, dep := range inst.graph.Dependents(task) {
		if inst.completed[dep.Name] || inst.scheduled[dep.Name] {
			continue
		}
		if inst.dependenciesCompletedLocked(dep) {
			inst.enqueueLocked(dep)
		}
	}

	if inst.inflight == 0 {
		inst.logger.Warn("no runnable tasks left", "remaining", inst.remaining)
		inst.cancel(fmt.Errorf("%w: %d tasks wait on a dependency cycle", ErrStalled, inst.remaining))
	}
}

func (inst *instance) dependenciesCompletedLocked(t *graph.Task) bool {
	for _, d := range inst.graph.DependsOn(t) {
		if !inst.completed[d.Name] {
			return false
		}
	}
	return true
}
