package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the stack's run history",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded passes, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			runs, err := rt.store.ListRuns(ctx, limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOutput {
				return printJSON(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n", "RUN", "PASS", "STATUS", "STARTED", "RESULT")
			for _, run := range runs {
				result := fmt.Sprintf("%d ok, %d failed", run.Succeeded, run.Failed)
				if run.Error != nil {
					result += " (" + *run.Error + ")"
				}
				fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n",
					run.ID, run.Direction, run.Status,
					run.StartedAt.Format(time.DateTime), result)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run's per-node results and event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID := args[0]

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			run, err := rt.store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			nodes, err := rt.store.ListRunNodes(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to load run nodes: %w", err)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"run": run, "nodes": nodes})
			}

			fmt.Printf("Run %s (%s): %s\n", run.ID, run.Direction, run.Status)
			fmt.Printf("  started:   %s\n", run.StartedAt.Format(time.DateTime))
			if run.CompletedAt != nil {
				fmt.Printf("  completed: %s\n", run.CompletedAt.Format(time.DateTime))
			}
			fmt.Printf("  result:    %d succeeded, %d failed\n", run.Succeeded, run.Failed)
			if run.Error != nil {
				fmt.Printf("  error:     %s\n", *run.Error)
			}

			fmt.Println("\nNodes:")
			for _, node := range nodes {
				line := fmt.Sprintf("  %-12s %s (%s)", node.Status, node.NodeID, node.Kind)
				if node.ErrorMessage != nil {
					kind := ""
					if node.ErrorKind != nil {
						kind = "[" + *node.ErrorKind + "] "
					}
					line += "  " + kind + *node.ErrorMessage
				}
				fmt.Println(line)
			}

			if withEvents {
				events, err := rt.store.GetEvents(ctx, &runID, nil, 200, 0)
				if err != nil {
					return fmt.Errorf("failed to load events: %w", err)
				}
				fmt.Println("\nEvents:")
				for _, ev := range events {
					node := ""
					if ev.NodeID != nil {
						node = " " + *ev.NodeID
					}
					fmt.Printf("  %s %-6s %s%s: %s\n",
						ev.Timestamp.Format(time.TimeOnly), ev.Level, ev.Type, node, ev.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", false, "include the run's event log")

	return cmd
}
