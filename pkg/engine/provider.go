package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handle is a provider connection context produced by an upstream node's
// output, e.g. a cluster's connection descriptor. Handles are immutable
// read-only shares once published; their lifetime spans the pass that
// created them.
type Handle struct {
	// Name identifies the handle; downstream nodes reference it through
	// their provider field.
	Name string `json:"name"`

	// Descriptor carries the connection material (endpoint, credential
	// reference, kubeconfig location).
	Descriptor map[string]string `json:"descriptor"`
}

// OpRequest is the uniform request passed to every provider operation.
type OpRequest struct {
	// NodeID is the node the operation acts on.
	NodeID string `json:"node_id"`

	// Kind is the resource kind variant.
	Kind ResourceKind `json:"kind"`

	// Spec is the desired specification, with output references resolved.
	Spec json.RawMessage `json:"spec"`

	// Observed is the last-observed state, nil on first create.
	Observed json.RawMessage `json:"observed,omitempty"`

	// Namespace scopes the operation for namespace-scoped kinds.
	Namespace string `json:"namespace,omitempty"`

	// Handle is the provider connection context, nil for the default
	// provider.
	Handle *Handle `json:"handle,omitempty"`
}

// OpResult is the uniform response of a mutating or read operation.
type OpResult struct {
	// State is the observed external state after the operation.
	State json.RawMessage `json:"state"`

	// Outputs are values exported to downstream nodes and the caller.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Handle is the connection descriptor published by handle-producing
	// kinds, nil otherwise.
	Handle *Handle `json:"handle,omitempty"`

	// Exists reports, for Read, whether the resource exists externally.
	Exists bool `json:"exists"`
}

// Readiness is the result of a readiness probe.
type Readiness struct {
	// Ready is true once the resource is usable by dependents.
	Ready bool `json:"ready"`

	// Condition is the provider's last observed condition, kept for
	// diagnostics on timeout.
	Condition string `json:"condition,omitempty"`
}

// Provider is the uniform contract every resource-kind provider implements.
// The orchestrator selects the provider by kind tag; providers never see
// nodes of a kind they were not registered for.
type Provider interface {
	// Create provisions the resource described by the request spec.
	Create(ctx context.Context, req OpRequest) (*OpResult, error)

	// Update mutates the existing resource in place.
	Update(ctx context.Context, req OpRequest) (*OpResult, error)

	// Delete removes the resource. Deleting an absent resource is not an
	// error.
	Delete(ctx context.Context, req OpRequest) error

	// Read retrieves the current external state without side effects.
	Read(ctx context.Context, req OpRequest) (*OpResult, error)

	// CheckReady probes the resource's readiness condition.
	CheckReady(ctx context.Context, req OpRequest) (*Readiness, error)
}

// NewProviderFailure classifies an external provider error for outcome
// reporting and caller-level retry decisions.
func NewProviderFailure(class ErrorClass, message string, err error) *OrchestrationError {
	return NewError(ErrProviderOperation, message, err).WithClass(class)
}

// ProviderSet holds the providers for the closed set of resource kinds and
// the handles published during a pass.
type ProviderSet struct {
	mu        sync.RWMutex
	providers map[ResourceKind]Provider
	handles   map[string]*Handle
}

// NewProviderSet creates an empty provider set.
func NewProviderSet() *ProviderSet {
	return &ProviderSet{
		providers: make(map[ResourceKind]Provider),
		handles:   make(map[string]*Handle),
	}
}

// RegisterKind binds a provider to a resource kind.
func (ps *ProviderSet) RegisterKind(kind ResourceKind, provider Provider) error {
	if err := kind.Validate(); err != nil {
		return NewError(ErrValidation, "cannot register provider", err)
	}
	if provider == nil {
		return NewError(ErrValidation, fmt.Sprintf("nil provider for kind %s", kind), nil)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.providers[kind] = provider
	return nil
}

// Resolve returns the provider bound to a kind.
func (ps *ProviderSet) Resolve(kind ResourceKind) (Provider, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	provider, ok := ps.providers[kind]
	if !ok {
		return nil, NewError(ErrValidation,
			fmt.Sprintf("no provider registered for kind %s", kind), nil)
	}
	return provider, nil
}

// Publish records a handle produced by a completed node. Republishing an
// existing handle is rejected: handles are immutable once shared.
func (ps *ProviderSet) Publish(handle *Handle) error {
	if handle == nil || handle.Name == "" {
		return NewError(ErrValidation, "cannot publish unnamed handle", nil)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.handles[handle.Name]; exists {
		return NewError(ErrValidation,
			fmt.Sprintf("handle %q already published", handle.Name), nil)
	}
	ps.handles[handle.Name] = handle
	return nil
}

// Lookup returns a published handle by name.
func (ps *ProviderSet) Lookup(name string) (*Handle, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	h, ok := ps.handles[name]
	return h, ok
}

// ClearHandles drops all published handles at the end of a pass.
func (ps *ProviderSet) ClearHandles() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handles = make(map[string]*Handle)
}
