package sim

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomctl/loom/pkg/engine"
)

func networkReq(nodeID string) engine.OpRequest {
	return engine.OpRequest{
		NodeID: nodeID,
		Kind:   engine.KindNetwork,
		Spec:   json.RawMessage(`{"name":"main","cidrBlock":"10.0.0.0/16","region":"us-east-1"}`),
	}
}

func TestCreateStoresStateAndOutputs(t *testing.T) {
	p := New()

	result, err := p.Create(context.Background(), networkReq("vpc"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !result.Exists {
		t.Error("created resource should report existing")
	}
	if result.Outputs["vpcId"] != "vpc-vpc" {
		t.Errorf("expected network output vpcId, got %v", result.Outputs)
	}
	if !p.Exists("vpc") {
		t.Error("provider should hold the created resource")
	}

	read, err := p.Read(context.Background(), networkReq("vpc"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !read.Exists {
		t.Error("Read should report the resource existing")
	}
	if string(read.State) != string(result.State) {
		t.Errorf("observed state mismatch: %s vs %s", read.State, result.State)
	}
}

func TestCreateExistingConflicts(t *testing.T) {
	p := New()

	if _, err := p.Create(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	_, err := p.Create(context.Background(), networkReq("vpc"))
	if !engine.IsKind(err, engine.ErrReplaceConflict) {
		t.Fatalf("expected replace_conflict on duplicate create, got %v", err)
	}
}

func TestUpdateAbsentResourceFails(t *testing.T) {
	p := New()

	_, err := p.Update(context.Background(), networkReq("vpc"))
	if !engine.IsKind(err, engine.ErrProviderOperation) {
		t.Fatalf("expected provider_operation error, got %v", err)
	}
	if engine.IsRetryable(err) {
		t.Error("updating an absent resource is a permanent failure")
	}
}

func TestDeleteAbsentResourceIsNoop(t *testing.T) {
	p := New()

	if err := p.Delete(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("deleting an absent resource must not fail: %v", err)
	}
}

func TestDeleteRemovesResource(t *testing.T) {
	p := New()

	if _, err := p.Create(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := p.Delete(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	read, err := p.Read(context.Background(), networkReq("vpc"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if read.Exists {
		t.Error("deleted resource should not exist")
	}
}

func TestClusterPublishesHandle(t *testing.T) {
	p := New()

	req := engine.OpRequest{
		NodeID: "cluster",
		Kind:   engine.KindCluster,
		Spec:   json.RawMessage(`{"name":"primary","vpcId":"vpc-123","version":{"major":"1","minor":"29"}}`),
	}

	result, err := p.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if result.Handle == nil {
		t.Fatal("cluster create should publish a handle")
	}
	if result.Handle.Name != "cluster" {
		t.Errorf("handle name should match the node, got %q", result.Handle.Name)
	}
	if result.Handle.Descriptor["kubeconfig"] == "" {
		t.Errorf("handle should carry a kubeconfig, got %v", result.Handle.Descriptor)
	}
}

func TestScriptedReadiness(t *testing.T) {
	p := New(WithReadyAfter("web", 3))

	req := engine.OpRequest{
		NodeID: "web",
		Kind:   engine.KindWorkload,
		Spec:   json.RawMessage(`{"name":"web","image":"nginx:1.27","selector":"app=web"}`),
	}

	for i := 0; i < 3; i++ {
		r, err := p.CheckReady(context.Background(), req)
		if err != nil {
			t.Fatalf("CheckReady failed: %v", err)
		}
		if r.Ready {
			t.Fatalf("probe %d should report not ready", i+1)
		}
		if r.Condition != "still provisioning" {
			t.Errorf("expected provisioning condition, got %q", r.Condition)
		}
	}

	r, err := p.CheckReady(context.Background(), req)
	if err != nil {
		t.Fatalf("CheckReady failed: %v", err)
	}
	if !r.Ready {
		t.Error("fourth probe should report ready")
	}
	if p.Probes("web") != 4 {
		t.Errorf("expected 4 recorded probes, got %d", p.Probes("web"))
	}
}

func TestInjectedFailureIsClassified(t *testing.T) {
	p := New(WithFailure("create", "vpc", errors.New("simulated outage")))

	_, err := p.Create(context.Background(), networkReq("vpc"))
	if !engine.IsKind(err, engine.ErrProviderOperation) {
		t.Fatalf("expected provider_operation error, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Error("injected failures default to transient")
	}
	if p.Exists("vpc") {
		t.Error("failed create must not leave state behind")
	}
}

func TestLatencyHonorsCancellation(t *testing.T) {
	p := New(WithLatency(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Create(ctx, networkReq("vpc"))
	if !engine.IsKind(err, engine.ErrCancelled) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}

func TestRegisterAllDrivesFullStack(t *testing.T) {
	r := engine.NewRegistry()

	mustRegister := func(node *engine.ResourceNode) {
		t.Helper()
		if err := r.Register(node); err != nil {
			t.Fatalf("failed to register %s: %v", node.ID, err)
		}
	}

	mustRegister(engine.NewResourceNode("vpc", engine.KindNetwork,
		json.RawMessage(`{"name":"main","cidrBlock":"10.0.0.0/16","region":"us-east-1"}`)))

	mustRegister(engine.NewResourceNode("cluster", engine.KindCluster,
		json.RawMessage(`{"name":"primary","vpcId":"${vpc.vpcId}","version":{"major":"1","minor":"29"}}`)))

	apps := engine.NewResourceNode("apps", engine.KindNamespace, json.RawMessage(`{"name":"apps"}`))
	apps.Provider = "cluster"
	mustRegister(apps)

	web := engine.NewResourceNode("web", engine.KindWorkload,
		json.RawMessage(`{"name":"web","image":"nginx:1.27","replicas":2,"selector":"app=web"}`))
	web.Provider = "cluster"
	web.Namespace = "apps"
	mustRegister(web)

	providers := engine.NewProviderSet()
	sim, err := RegisterAll(providers)
	if err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	waiter := engine.NewWaiter(engine.WithPollInterval(time.Millisecond, 5*time.Millisecond))
	executor := engine.NewExecutor(r, providers, waiter)
	o := engine.NewOrchestrator(r, providers, waiter, executor)

	plan, err := o.Plan(context.Background(), engine.DirectionApply)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	outcome, err := o.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome.Failed != 0 {
		t.Fatalf("expected clean apply, got %d failures: %+v", outcome.Failed, outcome.Nodes)
	}

	for _, id := range []string{"vpc", "cluster", "apps", "web"} {
		if !sim.Exists(id) {
			t.Errorf("node %s should exist after apply", id)
		}
	}

	outputs := o.Outputs()
	if outputs["vpc"]["vpcId"] != "vpc-vpc" {
		t.Errorf("expected vpc outputs, got %v", outputs["vpc"])
	}
	if outputs["cluster"]["kubeconfig"] == "" {
		t.Errorf("expected cluster kubeconfig output, got %v", outputs["cluster"])
	}

	// Destroy tears the stack back down through the same provider.
	destroyPlan, err := o.Plan(context.Background(), engine.DirectionDestroy)
	if err != nil {
		t.Fatalf("destroy Plan failed: %v", err)
	}
	outcome, err = o.Destroy(context.Background(), destroyPlan)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if outcome.Failed != 0 {
		t.Fatalf("expected clean destroy, got %d failures: %+v", outcome.Failed, outcome.Nodes)
	}
	for _, id := range []string{"vpc", "cluster", "apps", "web"} {
		if sim.Exists(id) {
			t.Errorf("node %s should be gone after destroy", id)
		}
	}
}

func TestResetDropsState(t *testing.T) {
	p := New(WithReadyAfter("vpc", 1))

	if _, err := p.Create(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := p.CheckReady(context.Background(), networkReq("vpc")); err != nil {
		t.Fatalf("CheckReady failed: %v", err)
	}

	p.Reset()

	if p.Exists("vpc") {
		t.Error("Reset should drop simulated resources")
	}
	if p.Probes("vpc") != 0 {
		t.Error("Reset should drop probe counts")
	}
}
