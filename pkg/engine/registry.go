package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the explicit, passed-in store of resource nodes addressed by
// identifier. It holds the declared desired state of every resource in a
// stack; nothing in the engine reaches for ambient global state.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*ResourceNode

	// externalIDs maps a kind-scoped external identifier (e.g. a namespace
	// name) to the node that claims it, to reject duplicate declarations.
	externalIDs map[string]string
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:       make(map[string]*ResourceNode),
		externalIDs: make(map[string]string),
	}
}

// Register adds a declared node. Registering an identifier twice, or two
// nodes claiming the same external identifier, fails with DuplicateResource.
func (r *Registry) Register(node *ResourceNode) error {
	if node == nil || node.ID == "" {
		return NewError(ErrValidation, "node has empty identifier", nil)
	}
	if err := node.Kind.Validate(); err != nil {
		return NewError(ErrValidation, "invalid node declaration", err).WithNode(node.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return NewError(ErrDuplicateResource,
			fmt.Sprintf("node %q declared twice", node.ID), nil).WithNode(node.ID)
	}

	extID := externalIdentifier(node)
	if extID != "" {
		if claimedBy, exists := r.externalIDs[extID]; exists {
			return NewError(ErrDuplicateResource,
				fmt.Sprintf("nodes %q and %q both target external identifier %q",
					claimedBy, node.ID, extID), nil).WithNode(node.ID)
		}
		r.externalIDs[extID] = node.ID
	}

	r.nodes[node.ID] = node
	return nil
}

// Get retrieves a node by identifier.
func (r *Registry) Get(id string) (*ResourceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

// List returns all nodes sorted by identifier for deterministic iteration.
func (r *Registry) List() []*ResourceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*ResourceNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Remove deletes a node from the registry. Only Deleted nodes whose
// dependents are already Deleted may be removed; the graph is consulted by
// the caller, the registry just enforces the status.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return NewError(ErrValidation, fmt.Sprintf("node %q not registered", id), nil)
	}
	if node.Status() != StatusDeleted {
		return NewError(ErrValidation,
			fmt.Sprintf("node %q is %s, only deleted nodes can be removed", id, node.Status()), nil)
	}

	delete(r.nodes, id)
	if extID := externalIdentifier(node); extID != "" {
		delete(r.externalIDs, extID)
	}
	return nil
}

// NamespaceOwner returns the node that declares the given namespace name,
// if one is registered in this stack.
func (r *Registry) NamespaceOwner(namespace string) (*ResourceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.externalIDs[string(KindNamespace)+"/"+namespace]
	if !ok {
		return nil, false
	}
	node, ok := r.nodes[id]
	return node, ok
}

// HandleProducer returns the node that publishes the named provider handle.
func (r *Registry) HandleProducer(provider string) (*ResourceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		desc, err := DescriptorFor(node.Kind)
		if err != nil || !desc.PublishesHandle {
			continue
		}
		if node.ID == provider {
			return node, true
		}
	}
	return nil, false
}

// Outputs returns the exported values of every node that has published any,
// keyed by node identifier.
func (r *Registry) Outputs() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]string)
	for id, node := range r.nodes {
		report := node.snapshot()
		if len(report.Outputs) > 0 {
			out[id] = report.Outputs
		}
	}
	return out
}

// Reports returns a per-node snapshot for outcome reporting, sorted by ID.
func (r *Registry) Reports() []NodeReport {
	nodes := r.List()
	reports := make([]NodeReport, 0, len(nodes))
	for _, node := range nodes {
		reports = append(reports, node.snapshot())
	}
	return reports
}

// externalIdentifier derives the kind-scoped external identity a node claims.
// Namespaces claim their name; other kinds claim their node ID, which doubles
// as their external name in this model.
func externalIdentifier(node *ResourceNode) string {
	if node.Kind == KindNamespace {
		if name := specName(node.Spec); name != "" {
			return string(KindNamespace) + "/" + name
		}
	}
	return ""
}
