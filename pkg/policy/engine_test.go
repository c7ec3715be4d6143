package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	e, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	return e
}

// planFixture builds a single-level plan plus a registry holding the
// referenced nodes. Each entry becomes one step.
type planStep struct {
	id           string
	kind         engine.ResourceKind
	op           engine.DiffOp
	spec         string
	labels       map[string]string
	replacePaths []string
}

func planFixture(t *testing.T, direction engine.Direction, steps []planStep) (*engine.Plan, *engine.Registry) {
	t.Helper()

	registry := engine.NewRegistry()
	plan := &engine.Plan{
		ID:        "test-plan",
		Direction: direction,
		CreatedAt: time.Now(),
		Steps:     make(map[string]*engine.Step),
	}

	var level []string
	for _, s := range steps {
		spec := s.spec
		if spec == "" {
			spec = `{"name":"x"}`
		}
		node := &engine.ResourceNode{
			ID:     s.id,
			Kind:   s.kind,
			Spec:   json.RawMessage(spec),
			Labels: s.labels,
		}
		if err := registry.Register(node); err != nil {
			t.Fatalf("Failed to register node %s: %v", s.id, err)
		}

		plan.Steps[s.id] = &engine.Step{
			NodeID:       s.id,
			Kind:         s.kind,
			Op:           s.op,
			ReplacePaths: s.replacePaths,
		}
		level = append(level, s.id)

		plan.Summary.Total++
		switch s.op {
		case engine.OpDelete:
			plan.Summary.ToDelete++
		case engine.OpReplace:
			plan.Summary.ToReplace++
		case engine.OpCreate:
			plan.Summary.ToCreate++
		case engine.OpUpdate:
			plan.Summary.ToUpdate++
		case engine.OpNoChange:
			plan.Summary.NoChange++
		}
	}
	plan.Levels = [][]string{level}

	return plan, registry
}

func TestBuiltinPoliciesLoaded(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) < 5 {
		t.Errorf("Expected at least 5 built-in policies, got %d", len(policies))
	}

	for _, name := range []string{"protected-nodes", "production-destroy", "network-replace", "workload-image-tags", "bulk-delete"} {
		if _, err := e.GetPolicy(name); err != nil {
			t.Errorf("Expected built-in policy %q to be loaded: %v", name, err)
		}
	}
}

func TestProtectedNodeDeleteBlocked(t *testing.T) {
	e := newTestEngine(t)

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "db", kind: engine.KindWorkload, op: engine.OpDelete,
			spec:   `{"name":"db","image":"postgres:16"}`,
			labels: map[string]string{"protect": "true"}},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected plan deleting a protected node to be blocked")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "protected-nodes" && v.NodeID == "db" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a protected-nodes violation for node db, got %+v", result.Violations)
	}
}

func TestProtectedNodeUpdateAllowed(t *testing.T) {
	e := newTestEngine(t)

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "db", kind: engine.KindWorkload, op: engine.OpUpdate,
			spec:   `{"name":"db","image":"postgres:16"}`,
			labels: map[string]string{"protect": "true"}},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected in-place update of a protected node to pass, got violations: %+v", result.Violations)
	}
}

func TestWorkloadFloatingTagBlocked(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name    string
		image   string
		blocked bool
	}{
		{"latest tag", "nginx:latest", true},
		{"no tag", "nginx", true},
		{"pinned tag", "nginx:1.27.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, registry := planFixture(t, engine.DirectionApply, []planStep{
				{id: "web", kind: engine.KindWorkload, op: engine.OpCreate,
					spec: `{"name":"web","image":"` + tt.image + `"}`},
			})

			result, err := e.EvaluatePlan(context.Background(), plan, registry)
			if err != nil {
				t.Fatalf("EvaluatePlan failed: %v", err)
			}

			if tt.blocked && result.Allowed {
				t.Errorf("Expected image %q to be blocked", tt.image)
			}
			if !tt.blocked && !result.Allowed {
				t.Errorf("Expected image %q to pass, got violations: %+v", tt.image, result.Violations)
			}
		})
	}
}

func TestNetworkReplaceWarnsOutsideProduction(t *testing.T) {
	e := newTestEngine(t)

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "vpc", kind: engine.KindNetwork, op: engine.OpReplace,
			spec:         `{"name":"vpc","cidrBlock":"10.1.0.0/16"}`,
			replacePaths: []string{"cidrBlock"}},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected network replace outside production to be allowed, got violations: %+v", result.Violations)
	}
	if len(result.Warnings) == 0 {
		t.Error("Expected a warning for the network replacement")
	}
}

func TestNetworkReplaceBlockedInProduction(t *testing.T) {
	e := newTestEngine(t)
	e.Environment = "production"

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "vpc", kind: engine.KindNetwork, op: engine.OpReplace,
			spec:         `{"name":"vpc","cidrBlock":"10.1.0.0/16"}`,
			replacePaths: []string{"cidrBlock"}},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected network replace in production to be blocked")
	}
}

func TestProductionDestroyBlocked(t *testing.T) {
	e := newTestEngine(t)
	e.Environment = "production"

	plan, registry := planFixture(t, engine.DirectionDestroy, []planStep{
		{id: "web", kind: engine.KindWorkload, op: engine.OpDelete,
			spec: `{"name":"web","image":"nginx:1.27.1"}`},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected destroy in production to be blocked")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "production-destroy" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a production-destroy violation, got %+v", result.Violations)
	}
}

func TestDestroyAllowedOutsideProduction(t *testing.T) {
	e := newTestEngine(t)
	e.Environment = "staging"

	plan, registry := planFixture(t, engine.DirectionDestroy, []planStep{
		{id: "web", kind: engine.KindWorkload, op: engine.OpDelete,
			spec: `{"name":"web","image":"nginx:1.27.1"}`},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected destroy in staging to be allowed, got violations: %+v", result.Violations)
	}
}

func TestBulkDeleteWarns(t *testing.T) {
	e := newTestEngine(t)

	ids := []string{"a", "b", "c", "d", "f", "g"}
	steps := make([]planStep, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, planStep{
			id: id, kind: engine.KindCustom, op: engine.OpDelete,
			spec: `{"name":"` + id + `"}`,
		})
	}

	plan, registry := planFixture(t, engine.DirectionApply, steps)

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected bulk delete to be allowed with a warning, got violations: %+v", result.Violations)
	}

	found := false
	for _, w := range result.Warnings {
		if w.Policy == "bulk-delete" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a bulk-delete warning, got %+v", result.Warnings)
	}
}

func TestDisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DisablePolicy("protected-nodes"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "db", kind: engine.KindWorkload, op: engine.OpDelete,
			spec:   `{"name":"db","image":"postgres:16"}`,
			labels: map[string]string{"protect": "true"}},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected plan to pass with protected-nodes disabled, got violations: %+v", result.Violations)
	}

	for _, name := range result.EvaluatedPolicies {
		if name == "protected-nodes" {
			t.Error("Disabled policy should not appear in evaluated policies")
		}
	}

	if err := e.EnablePolicy("protected-nodes"); err != nil {
		t.Fatalf("Failed to re-enable policy: %v", err)
	}
}

func TestCleanPlanAllowed(t *testing.T) {
	e := newTestEngine(t)

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "vpc", kind: engine.KindNetwork, op: engine.OpCreate,
			spec: `{"name":"vpc","cidrBlock":"10.0.0.0/16"}`},
		{id: "web", kind: engine.KindWorkload, op: engine.OpCreate,
			spec: `{"name":"web","image":"nginx:1.27.1"}`},
		{id: "logs", kind: engine.KindCustom, op: engine.OpNoChange,
			spec: `{"name":"logs"}`},
	})

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if !result.Allowed {
		t.Errorf("Expected clean plan to be allowed, got violations: %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %+v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) < 5 {
		t.Errorf("Expected all built-in policies evaluated, got %v", result.EvaluatedPolicies)
	}
}

func TestLoadCustomPolicy(t *testing.T) {
	e := newTestEngine(t)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-default-namespace.rego")
	regoContent := `# Workloads may not run in the default namespace
package loom.policies.namespaces

import rego.v1

deny contains violation if {
	input.step
	step := input.step

	step.kind == "workload"
	step.op != "delete"
	step.namespace == "default"

	violation := {
		"message": sprintf("workload %s may not run in the default namespace", [step.node_id]),
		"severity": "error",
		"node": step.node_id,
	}
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := e.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load custom policy: %v", err)
	}

	registry := engine.NewRegistry()
	node := &engine.ResourceNode{
		ID:        "web",
		Kind:      engine.KindWorkload,
		Spec:      json.RawMessage(`{"name":"web","image":"nginx:1.27.1"}`),
		Namespace: "default",
	}
	if err := registry.Register(node); err != nil {
		t.Fatalf("Failed to register node: %v", err)
	}

	plan := &engine.Plan{
		ID:        "test-plan",
		Direction: engine.DirectionApply,
		CreatedAt: time.Now(),
		Levels:    [][]string{{"web"}},
		Steps: map[string]*engine.Step{
			"web": {NodeID: "web", Kind: engine.KindWorkload, Op: engine.OpCreate},
		},
		Summary: engine.PlanSummary{Total: 1, ToCreate: 1},
	}

	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}

	if result.Allowed {
		t.Error("Expected custom policy to block workload in default namespace")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "no-default-namespace" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a no-default-namespace violation, got %+v", result.Violations)
	}
}

func TestReloadPoliciesRestoresBuiltins(t *testing.T) {
	e := newTestEngine(t)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "extra.rego")
	err := os.WriteFile(policyFile, []byte("package extra\nimport rego.v1\ndeny contains msg if { input.step.op == \"delete\"; msg := \"no deletes\" }"), 0644)
	if err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := e.LoadPolicies(context.Background(), []string{policyFile}); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if _, err := e.GetPolicy("extra"); err != nil {
		t.Fatalf("Expected extra policy to be loaded: %v", err)
	}

	if err := e.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if _, err := e.GetPolicy("extra"); err == nil {
		t.Error("Expected extra policy to be dropped after reload")
	}
	if _, err := e.GetPolicy("protected-nodes"); err != nil {
		t.Errorf("Expected built-in policy after reload: %v", err)
	}
}

func TestInvalidRegoRejected(t *testing.T) {
	e := newTestEngine(t)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "broken.rego")
	err := os.WriteFile(policyFile, []byte("package broken\ndeny contains if {{{"), 0644)
	if err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := e.LoadPolicies(context.Background(), []string{policyFile}); err == nil {
		t.Error("Expected error loading syntactically invalid policy")
	}
}

func TestEnvironmentScopedPolicy(t *testing.T) {
	e := newTestEngine(t)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "prod-image-pins.rego")
	rego := `# environments: production
# severity: error
package loom.policies.prodpins

import rego.v1

deny contains violation if {
	input.step.op == "create"
	violation := {
		"message": "creates are frozen in this environment",
		"severity": "error",
	}
}`
	if err := os.WriteFile(policyFile, []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	if err := e.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	plan, registry := planFixture(t, engine.DirectionApply, []planStep{
		{id: "web", kind: engine.KindWorkload, op: engine.OpCreate,
			spec: `{"name":"web","image":"nginx:1.27.1"}`},
	})

	// Outside its environment the policy is skipped entirely.
	e.Environment = "staging"
	result, err := e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected plan allowed in staging, got violations: %v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "prod-image-pins" {
			t.Error("Environment-scoped policy should not be evaluated in staging")
		}
	}

	e.Environment = "production"
	result, err = e.EvaluatePlan(context.Background(), plan, registry)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected plan blocked in production")
	}
}
