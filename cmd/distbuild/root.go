package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/config"
	"github.com/aristath/distbuild/internal/logging"
)

// app holds what every subcommand shares once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "distbuild",
		Short: "Distributed build graph executor",
		Long: `distbuild runs the tasks of a build graph on a pool of cores, local CPU
slots and remote workers, respecting task dependencies and streaming
progress as tasks run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default is ~/.distbuild/config.json merged with .distbuild/config.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(newRunCmd(a), newWorkerCmd(a), newValidateCmd(a), newHistoryCmd(a), newConfigCmd(a))
	return root
}

// init loads configuration, applies global flag overrides and builds the logger.
func (a *app) init(logOut io.Writer) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.Load("", a.configPath)
	} else {
		a.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		a.cfg.Log.Format = a.logFormat
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.logger, err = newLogger(a.cfg.Log, logOut)
	return err
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(level, cfg.Format, w), nil
}

// historyPath returns the job history database location.
func (a *app) historyPath() (string, error) {
	if a.cfg.History.Path != "" {
		return a.cfg.History.Path, nil
	}
	dir, err := config.GlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}
