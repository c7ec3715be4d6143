package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes an apply pass from a destroy pass.
type Direction string

const (
	// DirectionApply converges nodes toward their desired specification.
	DirectionApply Direction = "apply"

	// DirectionDestroy tears nodes down in reverse dependency order.
	DirectionDestroy Direction = "destroy"
)

// Step is the planned operation for one node.
type Step struct {
	// NodeID is the node the step operates on.
	NodeID string `json:"node_id"`

	// Kind is the node's resource kind.
	Kind ResourceKind `json:"kind"`

	// Op is the decided operation.
	Op DiffOp `json:"op"`

	// Changes lists the field-level differences driving the decision.
	Changes []Change `json:"changes,omitempty"`

	// ReplacePaths are the immutable paths that forced a replace.
	ReplacePaths []string `json:"replace_paths,omitempty"`
}

// Plan is an ordered sequence of levels over a stack's nodes. Nodes within a
// level have no dependency on each other; the contract guarantees only that
// all same-level nodes are dependency-satisfied, not a sub-order.
type Plan struct {
	// ID is the plan identifier.
	ID string `json:"id"`

	// Direction is apply or destroy.
	Direction Direction `json:"direction"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Levels is the ordered sequence of node-ID sets.
	Levels [][]string `json:"levels"`

	// Steps maps node identifiers to their planned operations.
	Steps map[string]*Step `json:"steps"`

	// Summary counts steps by operation.
	Summary PlanSummary `json:"summary"`

	graph *Graph
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the number of nodes in the plan.
	Total int `json:"total"`

	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update in place.
	ToUpdate int `json:"to_update"`

	// ToReplace is the number of resources to delete and recreate.
	ToReplace int `json:"to_replace"`

	// ToDelete is the number of resources to delete.
	ToDelete int `json:"to_delete"`

	// NoChange is the number of already-converged resources.
	NoChange int `json:"no_change"`
}

// Converged reports whether the plan is entirely no-ops.
func (p *Plan) Converged() bool {
	return p.Summary.Total == p.Summary.NoChange
}

// Graph returns the dependency graph the plan was computed over.
func (p *Plan) Graph() *Graph {
	return p.graph
}

// newPlan assembles a plan from a graph and per-node diffs.
func newPlan(direction Direction, graph *Graph, diffs map[string]*Diff, registry *Registry) (*Plan, error) {
	plan := &Plan{
		ID:        uuid.New().String(),
		Direction: direction,
		CreatedAt: time.Now(),
		Levels:    graph.Levels,
		Steps:     make(map[string]*Step, len(diffs)),
		graph:     graph,
	}

	for nodeID, diff := range diffs {
		node, ok := registry.Get(nodeID)
		if !ok {
			return nil, NewError(ErrInternal,
				fmt.Sprintf("diff references unregistered node %q", nodeID), nil)
		}
		plan.Steps[nodeID] = &Step{
			NodeID:       nodeID,
			Kind:         node.Kind,
			Op:           diff.Op,
			Changes:      diff.Changes,
			ReplacePaths: diff.ReplacePaths,
		}

		plan.Summary.Total++
		switch diff.Op {
		case OpCreate:
			plan.Summary.ToCreate++
		case OpUpdate:
			plan.Summary.ToUpdate++
		case OpReplace:
			plan.Summary.ToReplace++
		case OpDelete:
			plan.Summary.ToDelete++
		case OpNoChange:
			plan.Summary.NoChange++
		}
	}

	return plan, nil
}
