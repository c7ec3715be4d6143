package commands

import (
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the stack toward its desired state",
		Long: `Plan and execute an apply pass. Nodes run level by level in dependency
order; independent branches run in parallel. A failed node fails its
dependents with upstream_failure while unrelated branches continue, so one
pass yields maximal useful progress.

Re-applying an already converged stack performs zero provider calls.`,
		Example: `  # Apply the stack in the current directory
  loom apply

  # Apply a specific manifest with policies evaluated for production
  loom apply -f stack.cue --env production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, err := rt.orchestrator.Plan(ctx, engine.DirectionApply)
			if err != nil {
				return err
			}
			if err := printPlan(plan); err != nil {
				return err
			}
			if plan.Converged() {
				return nil
			}

			return executePass(ctx, rt, plan)
		},
	}

	return cmd
}
