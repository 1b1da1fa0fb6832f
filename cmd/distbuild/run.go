package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/config"
	"github.com/aristath/distbuild/internal/events"
	"github.com/aristath/distbuild/internal/executor"
	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/persistence"
	"github.com/aristath/distbuild/internal/pool"
	"github.com/aristath/distbuild/internal/scheduler"
	"github.com/aristath/distbuild/internal/transport"
	"github.com/aristath/distbuild/internal/tui"
	"github.com/aristath/distbuild/internal/worker"
)

type runOptions struct {
	localCores int
	remotes    []string
	jsonOutput bool
	tui        bool
	verbose    bool
	noHistory  bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Execute a build graph",
		Long: `Execute every task of a graph file (.json or .hcl). Tasks start as soon as
their dependencies succeeded and a core is free; the first task that does
not succeed cancels the rest. Exits non-zero when the job fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("local-cores") {
				a.cfg.Pool.LocalCores = opts.localCores
			}
			workers, err := parseRemotes(opts.remotes)
			if err != nil {
				return err
			}
			a.cfg.Pool.RemoteWorkers = append(a.cfg.Pool.RemoteWorkers, workers...)
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if opts.jsonOutput && opts.tui {
				return errors.New("--json and --tui are mutually exclusive")
			}
			return a.run(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.localCores, "local-cores", 0, "number of local cores (0 means one per CPU)")
	cmd.Flags().StringArrayVar(&opts.remotes, "remote", nil, "remote worker as name=address or address (repeatable)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "write events to stdout as NDJSON")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show an interactive progress view")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print task output")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record this job in the history database")
	return cmd
}

// parseRemotes turns --remote values into worker configs.
func parseRemotes(values []string) ([]config.RemoteWorkerConfig, error) {
	var workers []config.RemoteWorkerConfig
	for _, v := range values {
		w, err := config.ParseRemoteWorker(v)
		if err != nil {
			return nil, fmt.Errorf("--remote: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (a *app) run(ctx context.Context, path string, opts *runOptions, stdout io.Writer) error {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := graph.LoadFile(path)
	if err != nil {
		return err
	}

	logger := a.logger
	if opts.tui {
		// The progress view owns the terminal
		var closeLog func() error
		logger, closeLog, err = a.fileLogger()
		if err != nil {
			return err
		}
		defer closeLog()
	}

	if _, err := g.Validate(); err != nil {
		logger.Warn("graph is not acyclic; tasks on the cycle will never run", "graph", path, "error", err)
	}

	// Track subprocesses so shutdown can kill whole process groups
	pm := executor.NewProcessManager()
	defer func() {
		if ctx.Err() != nil {
			if err := pm.KillAll(); err != nil {
				logger.Warn("failed to kill subprocesses", "error", err)
			}
		}
	}()

	p, closePool, err := a.buildPool(pm, logger)
	if err != nil {
		return err
	}
	defer closePool()

	jobID := uuid.NewString()
	sinks := events.MultiSink{}

	var bus *events.EventBus
	switch {
	case opts.jsonOutput:
		sinks = append(sinks, events.NewJSONSink(stdout))
	case opts.tui:
		bus = events.NewEventBus()
		defer bus.Close()
		sinks = append(sinks, events.NewBusSink(bus))
	default:
		sinks = append(sinks, events.NewTextSink(stdout, opts.verbose))
	}

	var recorder *persistence.Recorder
	if a.cfg.History.Enabled && !opts.noHistory && len(g.Roots()) > 0 {
		store, rec, err := a.openRecorder(ctx, jobID, path, g, logger)
		if err != nil {
			logger.Warn("job history disabled", "error", err)
		} else {
			defer store.Close()
			recorder = rec
			sinks = append(sinks, rec)
		}
	}

	exec := scheduler.NewGraphExecutor(scheduler.Options{Logger: logger})

	var result *scheduler.JobResult
	if opts.tui {
		result, err = runWithTUI(ctx, bus, g, func(ctx context.Context) (*scheduler.JobResult, error) {
			return exec.ExecuteJob(ctx, jobID, p, g, sinks)
		})
	} else {
		result, err = exec.ExecuteJob(ctx, jobID, p, g, sinks)
	}
	if recorder != nil && recorder.Err() != nil {
		logger.Warn("job history is incomplete", "job", jobID, "error", recorder.Err())
	}
	if err != nil {
		return err
	}

	if result.Status != events.JobSuccess {
		return fmt.Errorf("job %s failed: %w", jobID, result.Cause)
	}
	return nil
}

// buildPool creates the local pool and, when workers are configured, the remote pool.
func (a *app) buildPool(pm *executor.ProcessManager, logger *slog.Logger) (pool.Pool, func() error, error) {
	dispatcher := executor.NewDispatcher(executor.Options{
		Manager:     pm,
		ToolRoot:    a.cfg.Executor.ToolRoot,
		TaskTimeout: a.cfg.Executor.TaskTimeout.Duration,
		Logger:      logger,
	})
	local := pool.NewLocalPool(worker.New("local", dispatcher, logger), a.cfg.Pool.CoreCount(), logger)

	var dialers []pool.Dialer
	for _, w := range a.cfg.Pool.RemoteWorkers {
		client, err := transport.NewClient(w.Name, w.Address)
		if err != nil {
			local.Close()
			return nil, nil, err
		}
		dialers = append(dialers, client)
	}

	var remote *pool.RemotePool
	if len(dialers) > 0 {
		breakers := pool.NewBreakerRegistry(breakerConfig(a.cfg.Pool.Breaker), logger)
		remote = pool.NewRemotePool(dialers, retryConfig(a.cfg.Pool.ReserveRetry), breakers, logger)
		logger.Info("remote workers configured", "count", len(dialers))
	}

	return pool.NewCompositePool(local, remote), local.Close, nil
}

func retryConfig(c config.RetryConfig) pool.RetryConfig {
	return pool.RetryConfig{
		InitialInterval:     c.InitialInterval.Duration,
		MaxInterval:         c.MaxInterval.Duration,
		MaxElapsedTime:      c.MaxElapsedTime.Duration,
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
	}
}

func breakerConfig(c config.BreakerConfig) pool.BreakerConfig {
	return pool.BreakerConfig{
		ConsecutiveFailures: c.ConsecutiveFailures,
		OpenTimeout:         c.OpenTimeout.Duration,
	}
}

func (a *app) openRecorder(ctx context.Context, jobID, path string, g *graph.Graph, logger *slog.Logger) (*persistence.SQLiteStore, *persistence.Recorder, error) {
	dbPath, err := a.historyPath()
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}

	rec := persistence.NewRecorder(store, jobID, logger)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := rec.Begin(ctx, path, g.Len()); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, rec, nil
}

// fileLogger logs to ~/.distbuild/distbuild.log while the TUI owns the terminal.
func (a *app) fileLogger() (*slog.Logger, func() error, error) {
	dir, err := config.GlobalDir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "distbuild.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger, err := newLogger(a.cfg.Log, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, f.Close, nil
}

// runWithTUI runs the job while the progress view is shown. Quitting the view
// cancels a job that is still running.
func runWithTUI(ctx context.Context, bus *events.EventBus, g *graph.Graph, job func(context.Context) (*scheduler.JobResult, error)) (*scheduler.JobResult, error) {
	// Subscribe before the job can publish anything
	model := tui.New(bus, g)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	type outcome struct {
		result *scheduler.JobResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := job(jobCtx)
		done <- outcome{result, err}
	}()

	_, tuiErr := program.Run()

	// The user quit or a signal arrived; stop the job if it is still running.
	// Nobody reads the bus any more, so close it to release blocked deliveries.
	bus.Close()
	cancelJob()
	o := <-done

	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return o.result, errors.Join(o.err, fmt.Errorf("progress view: %w", tuiErr))
	}
	return o.result, o.err
}
