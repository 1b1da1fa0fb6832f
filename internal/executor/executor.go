// Package executor runs a single task descriptor and streams its process events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/protocol"
)

// UnitTestingMarker is a local path that succeeds immediately without starting a process.
const UnitTestingMarker = "__distbuild_unit_testing__"

// ErrTaskTimeout is the cancellation cause when a task exceeds its configured timeout.
var ErrTaskTimeout = errors.New("task exceeded timeout")

// LocalExecutor runs LocalDescriptor tasks as child processes.
type LocalExecutor struct {
	runner *ProcessRunner
}

// NewLocalExecutor creates a local executor on top of runner.
func NewLocalExecutor(runner *ProcessRunner) *LocalExecutor {
	return &LocalExecutor{runner: runner}
}

// Execute runs the descriptor. peer is the address of the dispatcher that sent it.
func (e *LocalExecutor) Execute(ctx context.Context, peer netip.Addr, d graph.LocalDescriptor) iter.Seq2[protocol.ProcessResponse, error] {
	if d.Path == UnitTestingMarker {
		return func(yield func(protocol.ProcessResponse, error) bool) {
			yield(protocol.Exit(0), nil)
		}
	}

	return e.runner.Run(ctx, ProcessSpec{
		Path:             d.Path,
		Arguments:        d.Arguments,
		Environment:      d.EnvironmentVariables,
		WorkingDirectory: d.WorkingDirectory,
	})
}

// Synchronizer makes a remote descriptor's tool and input blobs available on
// this machine and returns the process to run.
type Synchronizer interface {
	Synchronize(ctx context.Context, peer netip.Addr, d graph.RemoteDescriptor) (ProcessSpec, error)
}

// ToolRootSynchronizer resolves tools already present under Root.
// Tools live at <Root>/<ToolHash>/<ToolExecutable>, or <Root>/<ToolName>/<ToolExecutable>
// when no hash is set. An empty Root uses ToolExecutable as given.
// Blobs are expected to be in place already.
type ToolRootSynchronizer struct {
	Root string
}

func (s ToolRootSynchronizer) Synchronize(ctx context.Context, peer netip.Addr, d graph.RemoteDescriptor) (ProcessSpec, error) {
	path := d.ToolExecutable
	if s.Root != "" {
		dir := d.ToolHash
		if dir == "" {
			dir = d.ToolName
		}
		path = filepath.Join(s.Root, dir, d.ToolExecutable)
	}

	if filepath.IsAbs(path) || s.Root != "" {
		if _, err := os.Stat(path); err != nil {
			return ProcessSpec{}, fmt.Errorf("tool %s not available: %w", d.ToolName, err)
		}
	}

	return ProcessSpec{
		Path:             path,
		Arguments:        d.Arguments,
		Environment:      d.EnvironmentVariables,
		WorkingDirectory: d.WorkingDirectory,
	}, nil
}

// RemoteExecutor runs RemoteDescriptor tasks after synchronizing their tool.
type RemoteExecutor struct {
	runner *ProcessRunner
	sync   Synchronizer
	logger *slog.Logger
}

// NewRemoteExecutor creates a remote executor.
func NewRemoteExecutor(runner *ProcessRunner, sync Synchronizer, logger *slog.Logger) *RemoteExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteExecutor{runner: runner, sync: sync, logger: logger}
}

func (e *RemoteExecutor) Execute(ctx context.Context, peer netip.Addr, d graph.RemoteDescriptor) iter.Seq2[protocol.ProcessResponse, error] {
	return func(yield func(protocol.ProcessResponse, error) bool) {
		spec, err := e.sync.Synchronize(ctx, peer, d)
		if err != nil {
			yield(protocol.ProcessResponse{}, fmt.Errorf("synchronizing %s: %w", d.ToolName, err))
			return
		}
		e.logger.Debug("tool synchronized", "tool", d.ToolName, "hash", d.ToolHash, "path", spec.Path, "peer", peer)

		for resp, err := range e.runner.Run(ctx, spec) {
			if !yield(resp, err) {
				return
			}
		}
	}
}

// Options configures a Dispatcher.
type Options struct {
	Manager      *ProcessManager // Optional; tracks children for shutdown
	Synchronizer Synchronizer    // Defaults to ToolRootSynchronizer{Root: ToolRoot}
	ToolRoot     string
	TaskTimeout  time.Duration // 0 means no timeout
	Logger       *slog.Logger
}

// Dispatcher selects the executor matching a descriptor's variant.
type Dispatcher struct {
	local   *LocalExecutor
	remote  *RemoteExecutor
	timeout time.Duration
}

// NewDispatcher creates a dispatcher with local and remote executors sharing one runner.
func NewDispatcher(opts Options) *Dispatcher {
	runner := NewProcessRunner(opts.Manager, opts.Logger)
	sync := opts.Synchronizer
	if sync == nil {
		sync = ToolRootSynchronizer{Root: opts.ToolRoot}
	}
	return &Dispatcher{
		local:   NewLocalExecutor(runner),
		remote:  NewRemoteExecutor(runner, sync, opts.Logger),
		timeout: opts.TaskTimeout,
	}
}

// Execute runs d and yields its output lines and exactly one exit code,
// or a terminating error.
func (d *Dispatcher) Execute(ctx context.Context, peer netip.Addr, desc graph.Descriptor) iter.Seq2[protocol.ProcessResponse, error] {
	return func(yield func(protocol.ProcessResponse, error) bool) {
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeoutCause(ctx, d.timeout, fmt.Errorf("%w (%s)", ErrTaskTimeout, d.timeout))
			defer cancel()
		}

		var seq iter.Seq2[protocol.ProcessResponse, error]
		switch v := desc.(type) {
		case graph.LocalDescriptor:
			seq = d.local.Execute(ctx, peer, v)
		case graph.RemoteDescriptor:
			seq = d.remote.Execute(ctx, peer, v)
		default:
			yield(protocol.ProcessResponse{}, fmt.Errorf("unsupported descriptor type %T", desc))
			return
		}

		for resp, err := range seq {
			if !yield(resp, err) {
				return
			}
		}
	}
}
