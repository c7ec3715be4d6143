package stores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomctl/loom/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"node_state", "runs", "run_nodes", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestNodeStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := engine.NodeReport{
		ID:       "vpc",
		Kind:     engine.KindNetwork,
		Status:   engine.StatusReady,
		Observed: json.RawMessage(`{"name":"main","cidrBlock":"10.0.0.0/16"}`),
		Outputs:  map[string]string{"vpcId": "vpc-123"},
	}
	if err := store.SaveNodeState(ctx, report); err != nil {
		t.Fatalf("failed to save node state: %v", err)
	}

	observed, outputs, err := store.LoadNodeState(ctx, "vpc")
	if err != nil {
		t.Fatalf("failed to load node state: %v", err)
	}
	if string(observed) != string(report.Observed) {
		t.Errorf("observed state mismatch: %s", observed)
	}
	if outputs["vpcId"] != "vpc-123" {
		t.Errorf("outputs mismatch: %v", outputs)
	}

	// Upsert replaces the prior row.
	report.Observed = json.RawMessage(`{"name":"main","cidrBlock":"10.1.0.0/16"}`)
	if err := store.SaveNodeState(ctx, report); err != nil {
		t.Fatalf("failed to upsert node state: %v", err)
	}
	observed, _, err = store.LoadNodeState(ctx, "vpc")
	if err != nil {
		t.Fatalf("failed to reload node state: %v", err)
	}
	if string(observed) != string(report.Observed) {
		t.Errorf("upsert did not replace observed state: %s", observed)
	}

	states, err := store.ListNodeStates(ctx)
	if err != nil {
		t.Fatalf("failed to list node states: %v", err)
	}
	if len(states) != 1 || states[0].NodeID != "vpc" {
		t.Errorf("expected one node state, got %+v", states)
	}
}

func TestNodeStateAbsentIsNotAnError(t *testing.T) {
	store := setupTestStore(t)

	observed, outputs, err := store.LoadNodeState(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("absent state must not error: %v", err)
	}
	if observed != nil || outputs != nil {
		t.Errorf("absent state should be nil, got %s / %v", observed, outputs)
	}
}

func TestNodeStateDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := engine.NodeReport{
		ID:       "apps",
		Kind:     engine.KindNamespace,
		Status:   engine.StatusReady,
		Observed: json.RawMessage(`{"name":"apps"}`),
	}
	if err := store.SaveNodeState(ctx, report); err != nil {
		t.Fatalf("failed to save node state: %v", err)
	}
	if err := store.DeleteNodeState(ctx, "apps"); err != nil {
		t.Fatalf("failed to delete node state: %v", err)
	}

	observed, _, err := store.LoadNodeState(ctx, "apps")
	if err != nil || observed != nil {
		t.Errorf("state should be gone after delete, got %s (err=%v)", observed, err)
	}

	// Double delete is a no-op.
	if err := store.DeleteNodeState(ctx, "apps"); err != nil {
		t.Errorf("deleting absent state should not error: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &Run{
		ID:        "run-001",
		PlanID:    "plan-001",
		Direction: engine.DirectionApply,
		Status:    RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Direction != engine.DirectionApply || retrieved.Status != RunStatusRunning {
		t.Errorf("run round trip mismatch: %+v", retrieved)
	}

	if err := store.CompleteRun(ctx, run.ID, RunStatusCompleted, 4, 0, nil); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	completed, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get completed run: %v", err)
	}
	if completed.Status != RunStatusCompleted || completed.Succeeded != 4 {
		t.Errorf("completion not recorded: %+v", completed)
	}
	if completed.CompletedAt == nil {
		t.Error("completion timestamp not recorded")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected one run, got %d", len(runs))
	}
}

func TestCompleteUnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.CompleteRun(context.Background(), "ghost", RunStatusCompleted, 0, 0, nil)
	if err == nil {
		t.Error("completing an unknown run should error")
	}
}

func TestRecordRunNodes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &Run{
		ID:        "run-002",
		PlanID:    "plan-002",
		Direction: engine.DirectionApply,
		Status:    RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	reports := []engine.NodeReport{
		{ID: "vpc", Kind: engine.KindNetwork, Status: engine.StatusReady},
		{ID: "cluster", Kind: engine.KindCluster, Status: engine.StatusFailed,
			ErrorKind: engine.ErrReadinessTimeout, ErrorMessage: "not ready within 0s"},
	}
	if err := store.RecordRunNodes(ctx, run.ID, reports); err != nil {
		t.Fatalf("failed to record run nodes: %v", err)
	}

	nodes, err := store.ListRunNodes(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list run nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected two run nodes, got %d", len(nodes))
	}
	// Sorted by node ID: cluster first.
	if nodes[0].NodeID != "cluster" || nodes[0].ErrorKind == nil || *nodes[0].ErrorKind != "readiness_timeout" {
		t.Errorf("failed node not recorded correctly: %+v", nodes[0])
	}
	if nodes[1].NodeID != "vpc" || nodes[1].ErrorKind != nil {
		t.Errorf("ready node not recorded correctly: %+v", nodes[1])
	}
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []engine.Event{
		{Time: time.Now().UTC(), RunID: "run-003", Type: "run_started", Message: "apply pass started", Level: "info"},
		{Time: time.Now().UTC(), RunID: "run-003", NodeID: "cluster", Type: "node_failed", Message: "boom", Level: "error"},
		{Time: time.Now().UTC(), RunID: "run-004", Type: "run_started", Message: "destroy pass started", Level: "info"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	runID := "run-003"
	got, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two events for run-003, got %d", len(got))
	}

	nodeID := "cluster"
	got, err = store.GetEvents(ctx, &runID, &nodeID, 10, 0)
	if err != nil {
		t.Fatalf("failed to get node events: %v", err)
	}
	if len(got) != 1 || got[0].Type != "node_failed" {
		t.Errorf("expected the cluster failure event, got %+v", got)
	}
}
