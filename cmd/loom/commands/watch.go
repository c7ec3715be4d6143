package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		debounce time.Duration
		apply    bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever the manifest changes",
		Long: `Watch the manifest sources and recompute the plan on every change.
With --apply, each recomputed plan that is not converged is executed,
turning the watcher into a small convergence loop.`,
		Example: `  # Live plan preview while editing
  loom watch -f stack.cue

  # Converge on every save
  loom watch -f stack.cue --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			for _, path := range manifestPaths {
				if err := watcher.Add(path); err != nil {
					return fmt.Errorf("failed to watch %s: %w", path, err)
				}
			}

			// Initial plan so the watcher starts from a known state.
			if err := replan(ctx, apply); err != nil {
				fmt.Printf("plan failed: %v\n", err)
			}

			fmt.Printf("Watching %s for changes...\n", strings.Join(manifestPaths, ", "))

			var timer *time.Timer
			fire := make(chan struct{}, 1)

			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					if !isManifestFile(event.Name) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})

				case <-fire:
					fmt.Printf("\nManifest changed at %s\n", time.Now().Format(time.TimeOnly))
					if err := replan(ctx, apply); err != nil {
						fmt.Printf("pass failed: %v\n", err)
					}

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Printf("watch error: %v\n", err)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay after the last change before re-planning")
	cmd.Flags().BoolVar(&apply, "apply", false, "execute each non-converged plan")

	return cmd
}

// replan rebuilds the runtime from the current manifest and computes (and
// optionally executes) a fresh apply plan.
func replan(ctx context.Context, apply bool) error {
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

	if !apply || plan.Converged() {
		return nil
	}
	return executePass(ctx, rt, plan)
}

// isManifestFile reports whether a changed path is a manifest source.
func isManifestFile(path string) bool {
	return strings.HasSuffix(path, ".cue") ||
		strings.HasSuffix(path, ".yaml") ||
		strings.HasSuffix(path, ".yml") ||
		strings.HasSuffix(path, ".star")
}
