package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// NodeStatus is the lifecycle status of a resource node within one pass.
type NodeStatus string

const (
	// StatusPending indicates the node is declared but not yet planned.
	StatusPending NodeStatus = "pending"

	// StatusPlanning indicates the node's diff is being computed.
	StatusPlanning NodeStatus = "planning"

	// StatusProvisioning indicates a provider operation is in flight.
	StatusProvisioning NodeStatus = "provisioning"

	// StatusWaiting indicates the operation succeeded and the node is
	// waiting for its readiness condition.
	StatusWaiting NodeStatus = "waiting"

	// StatusReady indicates the resource exists and is serving. Terminal
	// for an apply pass.
	StatusReady NodeStatus = "ready"

	// StatusFailed indicates the node failed. Terminal unless the caller
	// re-invokes apply.
	StatusFailed NodeStatus = "failed"

	// StatusDeleting indicates a delete operation is in flight.
	StatusDeleting NodeStatus = "deleting"

	// StatusDeleted indicates the resource no longer exists. Terminal for a
	// destroy pass.
	StatusDeleted NodeStatus = "deleted"
)

// IsTerminal returns true if the status is final for the current pass.
func (s NodeStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusDeleted
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case StatusPending, StatusPlanning, StatusProvisioning, StatusWaiting,
		StatusReady, StatusFailed, StatusDeleting, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// validTransitions encodes the node state machine. A node may only advance
// along these edges; anything else is an orchestrator bug.
var validTransitions = map[NodeStatus][]NodeStatus{
	StatusPending:      {StatusPlanning, StatusFailed, StatusDeleting},
	StatusPlanning:     {StatusProvisioning, StatusReady, StatusDeleted, StatusFailed},
	StatusProvisioning: {StatusWaiting, StatusReady, StatusFailed},
	StatusWaiting:      {StatusReady, StatusFailed},
	StatusDeleting:     {StatusDeleted, StatusFailed},
	// Terminal statuses only leave via a fresh pass (Reset).
	StatusReady:   {StatusPlanning, StatusDeleting},
	StatusFailed:  {StatusPlanning, StatusDeleting},
	StatusDeleted: {},
}

// ResourceNode is a single declared resource tracked by the orchestrator.
// Status transitions are serialized per node: the executor and the waiter
// never race on the same node's status.
type ResourceNode struct {
	mu sync.Mutex

	// ID is the node identifier, unique within a plan.
	ID string `json:"id"`

	// Kind is the resource kind variant.
	Kind ResourceKind `json:"kind"`

	// Spec is the desired specification document.
	Spec json.RawMessage `json:"spec"`

	// Provider names the provider context this node targets. Empty means
	// the default provider for the kind.
	Provider string `json:"provider,omitempty"`

	// Namespace scopes the node to a namespace, when the kind is
	// namespace-scoped.
	Namespace string `json:"namespace,omitempty"`

	// DependsOn lists explicitly declared dependency identifiers.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting nodes.
	Labels map[string]string `json:"labels,omitempty"`

	status NodeStatus

	// Observed is the last-observed external state, nil before first apply.
	Observed json.RawMessage `json:"observed,omitempty"`

	// Outputs are exported values produced by the node's provider operation,
	// consumable by downstream node specifications and the caller.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Err is the failure recorded on the node, if any.
	Err *OrchestrationError `json:"error,omitempty"`

	// UpdatedAt is when the node's status last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewResourceNode builds a Pending node from a declaration.
func NewResourceNode(id string, kind ResourceKind, spec json.RawMessage) *ResourceNode {
	return &ResourceNode{
		ID:     id,
		Kind:   kind,
		Spec:   spec,
		status: StatusPending,
	}
}

// Status returns the node's current status.
func (n *ResourceNode) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Transition advances the node's status, enforcing the state machine.
func (n *ResourceNode) Transition(to NodeStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, allowed := range validTransitions[n.status] {
		if allowed == to {
			n.status = to
			n.UpdatedAt = time.Now()
			return nil
		}
	}
	return NewError(ErrInternal,
		fmt.Sprintf("illegal status transition %s -> %s", n.status, to), nil).
		WithNode(n.ID)
}

// Fail moves the node to Failed and records the error. The transition is
// atomic with the error write so a concurrent reader never sees a Failed
// node without its cause.
func (n *ResourceNode) Fail(err *OrchestrationError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = StatusFailed
	n.Err = err
	n.UpdatedAt = time.Now()
}

// SetObserved records the observed external state after an operation.
func (n *ResourceNode) SetObserved(state json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Observed = state
}

// ObservedState returns the last-observed state, nil if never applied.
func (n *ResourceNode) ObservedState() json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Observed
}

// SetOutputs publishes the node's exported values. Outputs are written once
// per pass and read-only afterwards.
func (n *ResourceNode) SetOutputs(outputs map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Outputs = outputs
}

// Output returns a single exported value.
func (n *ResourceNode) Output(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.Outputs[key]
	return v, ok
}

// Reset prepares a node for a fresh lifecycle pass. Terminal statuses from a
// prior pass become Pending again; recorded errors are cleared.
func (n *ResourceNode) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = StatusPending
	n.Err = nil
	n.UpdatedAt = time.Now()
}

// snapshot returns a copy of the mutable fields for reporting.
func (n *ResourceNode) snapshot() NodeReport {
	n.mu.Lock()
	defer n.mu.Unlock()

	report := NodeReport{
		ID:       n.ID,
		Kind:     n.Kind,
		Status:   n.status,
		Outputs:  make(map[string]string, len(n.Outputs)),
		Observed: n.Observed,
	}
	for k, v := range n.Outputs {
		report.Outputs[k] = v
	}
	if n.Err != nil {
		report.ErrorKind = n.Err.Kind
		report.ErrorMessage = n.Err.Error()
	}
	return report
}

// NodeReport is the per-node entry of an outcome report.
type NodeReport struct {
	// ID is the node identifier.
	ID string `json:"id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Status is the node's terminal (or last recorded) status.
	Status NodeStatus `json:"status"`

	// ErrorKind is the originating error kind for failed nodes.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// ErrorMessage is the recorded failure message for failed nodes.
	ErrorMessage string `json:"error_message,omitempty"`

	// Outputs are the node's exported values.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Observed is the last-observed external state.
	Observed json.RawMessage `json:"observed,omitempty"`
}
