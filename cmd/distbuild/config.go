package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/config"
	"github.com/aristath/distbuild/internal/tui"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var global, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the project or global config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectPath
			if global {
				var err error
				if path, err = config.GlobalPath(); err != nil {
					return err
				}
			}
			if a.configPath != "" {
				path = a.configPath
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&global, "global", false, "write ~/.distbuild/config.json instead of .distbuild/config.json")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	edit := &cobra.Command{
		Use:   "edit",
		Short: "Edit the configuration in an interactive form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.saveTargets()
			if err != nil {
				return err
			}
			final, err := tea.NewProgram(tui.NewSettingsModel(a.cfg, targets), tea.WithContext(cmd.Context())).Run()
			if err != nil {
				return fmt.Errorf("settings form: %w", err)
			}
			m := final.(tui.SettingsModel)
			switch {
			case m.Err() != nil:
				return m.Err()
			case m.SavedPath() != "":
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", m.SavedPath())
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "No changes saved.")
			}
			return nil
		},
	}

	cmd.AddCommand(show, initCmd, edit)
	return cmd
}

// saveTargets lists the files `config edit` may write, the --config file alone when given.
func (a *app) saveTargets() ([]tui.SaveTarget, error) {
	if a.configPath != "" {
		return []tui.SaveTarget{{Label: a.configPath, Path: a.configPath}}, nil
	}
	global, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return []tui.SaveTarget{
		{Label: "Project (" + config.ProjectPath + ")", Path: config.ProjectPath},
		{Label: "Global (" + global + ")", Path: global},
	}, nil
}
