// Package worker serves one reserved core: it reads a task request,
// executes it and streams the process events back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"

	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/protocol"
)

// Executor runs one descriptor. Implemented by executor.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, peer netip.Addr, d graph.Descriptor) iter.Seq2[protocol.ProcessResponse, error]
}

// Worker executes task requests arriving on core streams.
type Worker struct {
	name     string
	executor Executor
	logger   *slog.Logger
}

// New creates a worker identified by name.
func New(name string, executor Executor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{name: name, executor: executor, logger: logger.With("worker", name)}
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Serve handles a single core session. It reads one ExecuteTask request,
// forwards every process event and returns after the exit code has been sent.
// Failures are reported to the dispatcher as an error frame. The stream is
// closed on return.
func (w *Worker) Serve(ctx context.Context, peer netip.Addr, stream protocol.ServerStream) error {
	defer stream.Close()

	req, err := stream.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receiving request: %w", err)
	}
	if req.ExecuteTask == nil {
		w.fail(ctx, stream, protocol.ErrUnexpectedRequest)
		return protocol.ErrUnexpectedRequest
	}

	desc, err := req.ExecuteTask.Descriptor.Descriptor()
	if err != nil {
		w.fail(ctx, stream, err)
		return err
	}

	w.logger.Debug("executing task", "kind", desc.Kind(), "peer", peer)

	for resp, err := range w.executor.Execute(ctx, peer, desc) {
		if err != nil {
			w.fail(ctx, stream, err)
			return fmt.Errorf("executing task: %w", err)
		}
		if err := stream.Send(ctx, protocol.Process(resp)); err != nil {
			return fmt.Errorf("sending response: %w", err)
		}
		if resp.Kind == protocol.ExitCode {
			return nil
		}
	}

	err = errors.New("executor finished without an exit code")
	w.fail(ctx, stream, err)
	return err
}

func (w *Worker) fail(ctx context.Context, stream protocol.ServerStream, cause error) {
	w.logger.Warn("task execution failed", "error", cause)
	if err := stream.Send(context.WithoutCancel(ctx), protocol.Failure(cause)); err != nil && !errors.Is(err, protocol.ErrStreamClosed) {
		w.logger.Debug("failed to report error", "error", err)
	}
}
