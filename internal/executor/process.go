package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"

	"github.com/aristath/distbuild/internal/protocol"
)

// maxLineSize caps a single output line. Output after an oversized line is discarded.
const maxLineSize = 1024 * 1024

// ProcessSpec describes one child process.
type ProcessSpec struct {
	Path             string
	Arguments        []string
	Environment      map[string]string // Merged over the current environment
	WorkingDirectory string
}

// newCommand creates an exec.Cmd in its own process group.
// Cancelling ctx kills the whole group, not just the immediate child.
func newCommand(ctx context.Context, spec ProcessSpec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Arguments...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = mergeEnvironment(spec.Environment)
	return cmd
}

func mergeEnvironment(overrides map[string]string) []string {
	env := os.Environ()
	if len(overrides) == 0 {
		return env
	}
	// exec keeps the last value for duplicate keys
	for _, k := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// killProcessGroup sends SIGKILL to the process group led by cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// exitCode maps a wait error to a shell-style exit code.
func exitCode(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// ProcessManager tracks all running subprocesses and can terminate them all on shutdown.
//
// Usage pattern (typically in main):
//
//	pm := executor.NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//	  <-ctx.Done()
//	  pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after cmd.Wait returns.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked process groups.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// ProcessRunner starts child processes and streams their output.
type ProcessRunner struct {
	manager *ProcessManager
	logger  *slog.Logger
}

// NewProcessRunner creates a runner. A nil manager disables tracking.
func NewProcessRunner(manager *ProcessManager, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{manager: manager, logger: logger}
}

// Run starts the process and yields one response per output line followed by
// exactly one exit code. Failing to start yields a single error.
// If ctx is cancelled the process group is killed and the cause is yielded
// instead of an exit code. Stopping the iteration early also kills the group.
func (r *ProcessRunner) Run(ctx context.Context, spec ProcessSpec) iter.Seq2[protocol.ProcessResponse, error] {
	return func(yield func(protocol.ProcessResponse, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := newCommand(runCtx, spec)

		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			yield(protocol.ProcessResponse{}, fmt.Errorf("failed to create stdout pipe: %w", err))
			return
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			yield(protocol.ProcessResponse{}, fmt.Errorf("failed to create stderr pipe: %w", err))
			return
		}

		if err := cmd.Start(); err != nil {
			yield(protocol.ProcessResponse{}, fmt.Errorf("failed to start %s: %w", spec.Path, err))
			return
		}
		if r.manager != nil {
			r.manager.Track(cmd)
			defer r.manager.Untrack(cmd)
		}
		r.logger.Debug("process started", "path", spec.Path, "pid", cmd.Process.Pid)

		// Drain both pipes concurrently so neither fills and blocks the child
		lines := make(chan protocol.ProcessResponse)
		var wg sync.WaitGroup
		wg.Add(2)
		go scanLines(runCtx, &wg, stdoutPipe, protocol.Stdout, lines)
		go scanLines(runCtx, &wg, stderrPipe, protocol.Stderr, lines)
		go func() {
			wg.Wait()
			close(lines)
		}()

		for line := range lines {
			if !yield(line, nil) {
				cancel()
				for range lines {
				}
				cmd.Wait()
				return
			}
		}

		waitErr := cmd.Wait()
		r.logger.Debug("process exited", "path", spec.Path, "pid", cmd.Process.Pid, "err", waitErr)

		if ctx.Err() != nil {
			yield(protocol.ProcessResponse{}, context.Cause(ctx))
			return
		}

		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
			yield(protocol.Exit(0), nil)
		case errors.As(waitErr, &exitErr):
			yield(protocol.Exit(exitCode(exitErr)), nil)
		default:
			yield(protocol.ProcessResponse{}, fmt.Errorf("waiting for %s: %w", spec.Path, waitErr))
		}
	}
}

// scanLines forwards each line read from r until EOF or cancellation.
// Whatever is left unread is discarded so the child never blocks on a full pipe.
func scanLines(ctx context.Context, wg *sync.WaitGroup, r io.Reader, wrap func(string) protocol.ProcessResponse, out chan<- protocol.ProcessResponse) {
	defer wg.Done()
	defer io.Copy(io.Discard, r)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case out <- wrap(scanner.Text()):
		case <-ctx.Done():
			return
		}
	}
}
