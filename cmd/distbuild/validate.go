package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/distbuild/internal/graph"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Check a graph file and print its tasks in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := graph.LoadFile(args[0])
			if err != nil {
				return err
			}
			order, err := g.Validate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, name := range order {
				task, _ := g.Task(name)
				kind := "local"
				if task.IsRemote() {
					kind = "remote"
				}
				fmt.Fprintf(out, "%3d  %-6s %s\n", i+1, kind, task.DisplayName())
			}
			fmt.Fprintf(out, "%d tasks, %d ready at start\n", g.Len(), len(g.Roots()))
			return nil
		},
	}
}
