package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/engine"
	"github.com/loomctl/loom/pkg/policy"
	"github.com/loomctl/loom/pkg/providers/sim"
	"github.com/loomctl/loom/pkg/stores"
	"github.com/loomctl/loom/pkg/telemetry"
)

const defaultStatePath = ".loom/state.db"

// runtime bundles everything a pass needs: the parsed manifest, the node
// registry, the state store, the orchestrator and the policy gate.
type runtime struct {
	tel          *telemetry.Telemetry
	manifest     *config.ParsedManifest
	registry     *engine.Registry
	store        *stores.SQLiteStore
	providers    *engine.ProviderSet
	orchestrator *engine.Orchestrator
	policies     *policy.Engine
	sim          *sim.Provider
}

// newRuntime parses the manifest sources and wires the orchestrator stack.
func newRuntime(ctx context.Context) (*runtime, error) {
	tel, err := newTelemetry()
	if err != nil {
		return nil, err
	}

	parser := config.NewCUEParser()
	registry, manifest, err := parser.Evaluate(ctx, manifestPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	store, err := openStore(ctx, manifest.Stack)
	if err != nil {
		return nil, err
	}

	providers := engine.NewProviderSet()
	simProvider, err := sim.RegisterAll(providers,
		sim.WithLogger(tel.Logger.Zerolog()))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var waiterOpts []engine.WaiterOption
	if manifest.Stack.Settings != nil {
		overrides, err := manifest.Stack.Settings.ReadinessOverrides()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		for kind, d := range overrides {
			waiterOpts = append(waiterOpts, engine.WithTimeoutOverride(kind, d))
		}
	}
	waiter := engine.NewWaiter(waiterOpts...)

	execOpts := []engine.ExecutorOption{
		engine.WithObserver(tel.Metrics),
		engine.WithLogger(tel.Logger.NewComponentLogger("executor").Zerolog()),
	}
	if manifest.Stack.Settings != nil && manifest.Stack.Settings.Concurrency > 0 {
		execOpts = append(execOpts, engine.WithMaxParallel(manifest.Stack.Settings.Concurrency))
	}
	executor := engine.NewExecutor(registry, providers, waiter, execOpts...)

	orchestrator := engine.NewOrchestrator(registry, providers, waiter, executor,
		engine.WithStateStore(store),
		engine.WithEventSink(store),
		engine.WithOrchestratorLogger(tel.Logger.NewComponentLogger("orchestrator").Zerolog()))

	rt := &runtime{
		tel:          tel,
		manifest:     manifest,
		registry:     registry,
		store:        store,
		providers:    providers,
		orchestrator: orchestrator,
		sim:          simProvider,
	}

	if manifest.Stack.Policy != nil && manifest.Stack.Policy.Enabled {
		pe, err := policy.NewEngine(tel.Logger.Zerolog())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		pe.Environment = environment
		if len(manifest.Stack.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, manifest.Stack.Policy.Paths); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		rt.policies = pe
	}

	return rt, nil
}

// Close releases the runtime's resources.
func (rt *runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			firstErr = err
		}
	}
	if rt.tel != nil {
		if err := rt.tel.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// gatePlan runs the policy engine over a plan. In enforcing mode a blocked
// plan is an error; in advisory mode violations are printed and the pass
// proceeds.
func (rt *runtime) gatePlan(ctx context.Context, plan *engine.Plan) error {
	if rt.policies == nil {
		return nil
	}

	result, err := rt.policies.EvaluatePlan(ctx, plan, rt.registry)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "policy warning [%s]: %s\n", w.Policy, w.Message)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(os.Stderr, "policy violation [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}

	if result.Allowed {
		return nil
	}

	mode := "enforcing"
	if rt.manifest.Stack.Policy != nil && rt.manifest.Stack.Policy.Mode != "" {
		mode = rt.manifest.Stack.Policy.Mode
	}
	if mode == "advisory" {
		fmt.Fprintln(os.Stderr, "policy mode is advisory, proceeding despite violations")
		return nil
	}
	return fmt.Errorf("plan blocked by %d policy violation(s)", len(result.Violations))
}

// newTelemetry builds the telemetry stack from the global flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg = telemetry.DevelopmentConfig()
	}
	cfg.Environment = environment
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, err
		}
	}
	return tel, nil
}

// openStore opens (and migrates) the stack's SQLite state database. Flag
// beats manifest, manifest beats default.
func openStore(ctx context.Context, stack config.StackConfig) (*stores.SQLiteStore, error) {
	path := statePath
	if path == "" && stack.State != nil && stack.State.Path != "" {
		path = stack.State.Path
	}
	if path == "" {
		path = defaultStatePath
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return store, nil
}
