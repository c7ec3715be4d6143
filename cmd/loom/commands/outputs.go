package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newOutputsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outputs [node]",
		Short: "Show the exported values of completed nodes",
		Long: `Print the outputs of every node that has published any, keyed by node
identifier, from the stack's durable state. With a node argument, only that
node's outputs are shown.`,
		Example: `  # All outputs
  loom outputs

  # A single node's outputs
  loom outputs cluster

  # Machine readable
  loom outputs --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			states, err := rt.store.ListNodeStates(ctx)
			if err != nil {
				return fmt.Errorf("failed to load node states: %w", err)
			}

			outputs := make(map[string]map[string]string)
			for _, state := range states {
				if state.Outputs == "" {
					continue
				}
				var values map[string]string
				if err := json.Unmarshal([]byte(state.Outputs), &values); err != nil {
					return fmt.Errorf("corrupt outputs for node %s: %w", state.NodeID, err)
				}
				if len(values) > 0 {
					outputs[state.NodeID] = values
				}
			}

			if len(args) == 1 {
				values, ok := outputs[args[0]]
				if !ok {
					return fmt.Errorf("node %q has no recorded outputs", args[0])
				}
				outputs = map[string]map[string]string{args[0]: values}
			}

			if jsonOutput {
				return printJSON(outputs)
			}

			nodeIDs := make([]string, 0, len(outputs))
			for id := range outputs {
				nodeIDs = append(nodeIDs, id)
			}
			sort.Strings(nodeIDs)

			for _, id := range nodeIDs {
				fmt.Printf("%s:\n", id)
				keys := make([]string, 0, len(outputs[id]))
				for k := range outputs[id] {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %s = %s\n", k, outputs[id][k])
				}
			}
			return nil
		},
	}

	return cmd
}
