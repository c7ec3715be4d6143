package engine

import (
	"encoding/json"
	"testing"
)

func TestResourceNode_ApplyLifecycle(t *testing.T) {
	node := NewResourceNode("vpc", KindNetwork, json.RawMessage(`{"name":"main"}`))
	if node.Status() != StatusPending {
		t.Fatalf("new node should be pending, got %s", node.Status())
	}

	for _, status := range []NodeStatus{StatusPlanning, StatusProvisioning, StatusWaiting, StatusReady} {
		if err := node.Transition(status); err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
	}
	if !node.Status().IsTerminal() {
		t.Errorf("ready should be terminal")
	}
}

func TestResourceNode_IllegalTransition(t *testing.T) {
	node := NewResourceNode("vpc", KindNetwork, json.RawMessage(`{"name":"main"}`))
	if err := node.Transition(StatusWaiting); err == nil {
		t.Fatal("pending -> waiting should be rejected")
	}
	if node.Status() != StatusPending {
		t.Errorf("failed transition must not change status, got %s", node.Status())
	}
}

func TestResourceNode_DeletedIsFinal(t *testing.T) {
	node := NewResourceNode("vpc", KindNetwork, json.RawMessage(`{"name":"main"}`))
	if err := node.Transition(StatusDeleting); err != nil {
		t.Fatalf("pending -> deleting failed: %v", err)
	}
	if err := node.Transition(StatusDeleted); err != nil {
		t.Fatalf("deleting -> deleted failed: %v", err)
	}
	if err := node.Transition(StatusPlanning); err == nil {
		t.Error("deleted nodes must not transition without a reset")
	}
}

func TestResourceNode_ResetKeepsObservedState(t *testing.T) {
	node := NewResourceNode("vpc", KindNetwork, json.RawMessage(`{"name":"main"}`))
	node.Fail(NewError(ErrProviderOperation, "boom", nil))
	node.SetObserved(json.RawMessage(`{"name":"main"}`))
	node.SetOutputs(map[string]string{"vpcId": "vpc-123"})

	node.Reset()

	if node.Status() != StatusPending {
		t.Errorf("reset should return to pending, got %s", node.Status())
	}
	if node.Err != nil {
		t.Error("reset should clear the recorded error")
	}
	if node.ObservedState() == nil {
		t.Error("reset must keep observed state for the next reconciliation")
	}
	if v, ok := node.Output("vpcId"); !ok || v != "vpc-123" {
		t.Error("reset must keep outputs")
	}
}

func TestResourceNode_FailRecordsCause(t *testing.T) {
	node := NewResourceNode("vpc", KindNetwork, json.RawMessage(`{"name":"main"}`))
	node.Fail(NewError(ErrReadinessTimeout, "not ready", nil).WithLastCondition("creating"))

	report := node.snapshot()
	if report.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	if report.ErrorKind != ErrReadinessTimeout {
		t.Errorf("expected readiness_timeout, got %s", report.ErrorKind)
	}
}

func TestNodeStatus_Validate(t *testing.T) {
	if err := StatusReady.Validate(); err != nil {
		t.Errorf("ready should validate: %v", err)
	}
	if err := NodeStatus("melting").Validate(); err == nil {
		t.Error("unknown status should not validate")
	}
}
