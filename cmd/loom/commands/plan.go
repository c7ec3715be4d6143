package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
		destroy bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the operations a pass would perform",
		Long: `Compute a side-effect-free plan: the dependency graph, execution levels,
and the intended operation for every node (create, update, replace, delete
or no-change). No provider is contacted.`,
		Example: `  # Preview an apply pass
  loom plan -f stack.cue

  # Preview a destroy pass
  loom plan -f stack.cue --destroy

  # Save the plan and its graph
  loom plan -f stack.cue --out plan.json --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			direction := engine.DirectionApply
			if destroy {
				direction = engine.DirectionDestroy
			}

			plan, err := rt.orchestrator.Plan(ctx, direction)
			if err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
			}
			if dotFile != "" {
				dot := plan.Graph().ToDOT(rt.registry)
				if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			return printPlan(plan)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph as DOT to this file")
	cmd.Flags().BoolVar(&destroy, "destroy", false, "plan a destroy pass instead of apply")

	return cmd
}

// printPlan renders the plan summary and the per-level steps.
func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(plan)
	}

	fmt.Printf("Plan %s (%s)\n", plan.ID, plan.Direction)
	fmt.Printf("  %d to create, %d to update, %d to replace, %d to delete, %d unchanged\n\n",
		plan.Summary.ToCreate, plan.Summary.ToUpdate, plan.Summary.ToReplace,
		plan.Summary.ToDelete, plan.Summary.NoChange)

	for i, level := range plan.Levels {
		ids := append([]string(nil), level...)
		sort.Strings(ids)
		fmt.Printf("Level %d:\n", i)
		for _, id := range ids {
			step, ok := plan.Steps[id]
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-10s %s (%s)", step.Op, id, step.Kind)
			if len(step.ReplacePaths) > 0 {
				line += fmt.Sprintf("  immutable: %v", step.ReplacePaths)
			}
			fmt.Println(line)
		}
	}

	if plan.Converged() {
		fmt.Println("\nStack is converged, nothing to do.")
	}
	return nil
}

// printJSON renders any value as indented JSON on stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
