package commands

import (
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear the stack down in reverse dependency order",
		Long: `Plan and execute a destroy pass. The execution order is the exact
reverse of the apply order: dependents are deleted strictly before their
dependencies, so a workload never outlives its namespace or cluster.`,
		Example: `  # Destroy the stack in the current directory
  loom destroy

  # Destroy and drop fully deleted nodes from the registry
  loom destroy --prune`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, err := rt.orchestrator.Plan(ctx, engine.DirectionDestroy)
			if err != nil {
				return err
			}
			if err := printPlan(plan); err != nil {
				return err
			}

			if err := executePass(ctx, rt, plan); err != nil {
				return err
			}

			if prune {
				return rt.orchestrator.Prune()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "remove fully deleted nodes from the registry after the pass")

	return cmd
}
