package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/executor"
	"github.com/aristath/distbuild/internal/transport"
	"github.com/aristath/distbuild/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		listen string
		name   string
		cores  int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve cores to remote build runs",
		Long: `Serve this machine's cores over websocket. Each connection to /core holds
one core for its lifetime and runs the tasks sent on it; /healthz reports
how many cores are free.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("listen") {
				a.cfg.Worker.Listen = listen
			}
			if flags.Changed("name") {
				a.cfg.Worker.Name = name
			}
			if flags.Changed("cores") {
				a.cfg.Worker.Cores = cores
			}
			return a.serveWorker(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from config, \":7420\")")
	cmd.Flags().StringVar(&name, "name", "", "worker name reported to clients (default is the hostname)")
	cmd.Flags().IntVar(&cores, "cores", 0, "number of cores to serve (0 means one per CPU)")
	return cmd
}

func (a *app) serveWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := a.cfg.Worker.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		name = hostname
	}

	pm := executor.NewProcessManager()
	dispatcher := executor.NewDispatcher(executor.Options{
		Manager:     pm,
		ToolRoot:    a.cfg.Executor.ToolRoot,
		TaskTimeout: a.cfg.Executor.TaskTimeout.Duration,
		Logger:      a.logger,
	})

	srv := transport.NewServer(worker.New(name, dispatcher, a.logger), a.cfg.Worker.CoreCount(), a.logger)
	err := srv.ListenAndServe(ctx, a.cfg.Worker.Listen)

	// Sessions are cancelled by now; make sure no process group outlives the worker
	if killErr := pm.KillAll(); killErr != nil {
		a.logger.Warn("failed to kill subprocesses", "error", killErr)
	}
	if err == nil {
		a.logger.Info("shutdown complete")
	}
	return err
}
