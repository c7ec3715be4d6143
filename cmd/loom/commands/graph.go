package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the stack's dependency graph as DOT",
		Long: `Build the dependency graph from the manifest (explicit depends_on edges
plus implicit provider and namespace edges) and print it in Graphviz DOT
format. Cycles are reported as errors with the participating nodes.`,
		Example: `  # Print the graph
  loom graph -f stack.cue

  # Render it with Graphviz
  loom graph -f stack.cue | dot -Tsvg -o stack.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			graph, err := engine.NewGraphBuilder(rt.registry).Build()
			if err != nil {
				return err
			}

			dot := graph.ToDOT(rt.registry)
			if outFile != "" {
				return os.WriteFile(outFile, []byte(dot), 0o644)
			}
			fmt.Print(dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the DOT graph to this file")

	return cmd
}
