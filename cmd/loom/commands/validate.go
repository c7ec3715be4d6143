package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate manifest sources without touching any state",
		Long: `Parse the manifest sources, validate each resource against its kind
schema, and build the dependency graph. Duplicate identifiers and dependency
cycles are reported without opening the state database or contacting any
provider.`,
		Example: `  # Validate the stack in the current directory
  loom validate

  # Validate specific sources
  loom validate -f stack.cue -f extra.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parser := config.NewCUEParser()
			manifest, err := parser.Parse(ctx, manifestPaths)
			if err != nil {
				return err
			}

			failed := false
			for _, verr := range manifest.Errors {
				failed = true
				fmt.Printf("error: %s\n", verr.Error())
			}

			schemas := parser.GetSchemaRegistry()
			for _, rm := range manifest.Resources {
				var spec map[string]interface{}
				if err := json.Unmarshal(rm.Spec, &spec); err != nil {
					failed = true
					fmt.Printf("error: resource %s: spec is not a JSON object: %v\n", rm.ID, err)
					continue
				}
				if err := schemas.ValidateSpec(ctx, rm.Kind, spec); err != nil {
					failed = true
					fmt.Printf("error: resource %s: %v\n", rm.ID, err)
				}
			}

			if !failed {
				registry, err := manifest.ToRegistry()
				if err != nil {
					failed = true
					fmt.Printf("error: %v\n", err)
				} else if _, err := engine.NewGraphBuilder(registry).Build(); err != nil {
					failed = true
					fmt.Printf("error: %v\n", err)
				}
			}

			if failed {
				return fmt.Errorf("manifest validation failed")
			}

			fmt.Printf("Stack %q is valid: %d resource(s) from %d source file(s)\n",
				manifest.Stack.Name, len(manifest.Resources), len(manifest.SourceFiles))
			return nil
		},
	}

	return cmd
}
