package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	manifestPaths []string
	statePath     string
	environment   string
	verbose       bool
	jsonOutput    bool
	metricsAddr   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - Declarative Resource Graph Orchestrator",
		Long: `Loom converges a declared stack of resources (networks, clusters,
namespaces, workloads, chart releases, custom resources) toward its desired
state. Dependencies form a DAG; passes execute level by level with
independent nodes running in parallel.

Features:
  - Typed manifests via CUE, plus plain YAML
  - Light procedural scripting via Starlark
  - Dependency-ordered apply and reverse-ordered destroy
  - Idempotent re-apply: converged stacks make zero provider calls
  - Durable state, run history and event log in SQLite
  - Policy gate (OPA/Rego) on plans before execution`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringSliceVarP(&manifestPaths, "file", "f", []string{"."}, "manifest file or directory (repeatable)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (defaults to the manifest's stack.state.path, then .loom/state.db)")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "development", "deployment environment evaluated by policies")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newOutputsCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
