package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StateStore persists per-node observed state and outputs between passes.
// Implementations must treat an unknown node as absent, not as an error.
type StateStore interface {
	// LoadNodeState returns the last-observed state and outputs for a node,
	// both nil when the node was never applied.
	LoadNodeState(ctx context.Context, nodeID string) (json.RawMessage, map[string]string, error)

	// SaveNodeState records a node's state after a pass.
	SaveNodeState(ctx context.Context, report NodeReport) error

	// DeleteNodeState removes a node's state after a confirmed delete.
	DeleteNodeState(ctx context.Context, nodeID string) error
}

// Event is one entry in the orchestration event log.
type Event struct {
	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// RunID is the pass the event belongs to.
	RunID string `json:"run_id"`

	// NodeID is the affected node, empty for run-level events.
	NodeID string `json:"node_id,omitempty"`

	// Type names the event (run_started, node_failed, ...).
	Type string `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`
}

// EventSink receives orchestration events. A nil sink disables the log.
type EventSink interface {
	AppendEvent(ctx context.Context, event Event) error
}

// Outcome is the final report of one apply or destroy pass: every node's
// terminal status and, for failures, the originating error kind and message.
type Outcome struct {
	// RunID identifies the pass.
	RunID string `json:"run_id"`

	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`

	// Direction is apply or destroy.
	Direction Direction `json:"direction"`

	// StartedAt and CompletedAt bound the pass.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Nodes lists the per-node reports sorted by identifier.
	Nodes []NodeReport `json:"nodes"`

	// Succeeded counts nodes that reached Ready or Deleted.
	Succeeded int `json:"succeeded"`

	// Failed counts nodes that ended Failed.
	Failed int `json:"failed"`

	// Unscheduled counts nodes left non-terminal by cancellation.
	Unscheduled int `json:"unscheduled"`
}

// Orchestrator is the caller-facing façade: plan preview, apply, destroy and
// the outputs query. It owns no global state; registry, providers and store
// are passed in.
type Orchestrator struct {
	registry  *Registry
	providers *ProviderSet
	differ    *Differ
	waiter    *Waiter
	executor  *Executor
	store     StateStore
	events    EventSink
	logger    zerolog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStateStore attaches durable node state persistence.
func WithStateStore(store StateStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

// WithEventSink attaches the orchestration event log.
func WithEventSink(sink EventSink) OrchestratorOption {
	return func(o *Orchestrator) { o.events = sink }
}

// WithOrchestratorLogger sets the orchestrator's logger.
func WithOrchestratorLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator assembles an orchestrator from its collaborators.
func NewOrchestrator(registry *Registry, providers *ProviderSet, waiter *Waiter, executor *Executor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		providers: providers,
		differ:    NewDiffer(registry),
		waiter:    waiter,
		executor:  executor,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan computes a side-effect-free preview: the dependency graph, execution
// levels, and the intended operation for every node. No provider is
// contacted.
func (o *Orchestrator) Plan(ctx context.Context, direction Direction) (*Plan, error) {
	if err := o.restoreState(ctx); err != nil {
		return nil, err
	}

	graph, err := NewGraphBuilder(o.registry).Build()
	if err != nil {
		return nil, err
	}
	if direction == DirectionDestroy {
		graph = graph.Reverse()
	}

	diffs := make(map[string]*Diff, o.registry.Len())
	for _, node := range o.registry.List() {
		var diff *Diff
		switch direction {
		case DirectionApply:
			diff, err = o.differ.Reconcile(node)
			if err != nil {
				return nil, err
			}
		case DirectionDestroy:
			diff = o.differ.ReconcileDelete(node)
		default:
			return nil, NewError(ErrValidation, fmt.Sprintf("unknown direction %q", direction), nil)
		}
		diffs[node.ID] = diff
	}

	plan, err := newPlan(direction, graph, diffs, o.registry)
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("plan", plan.ID).
		Str("direction", string(direction)).
		Int("levels", len(plan.Levels)).
		Int("create", plan.Summary.ToCreate).
		Int("update", plan.Summary.ToUpdate).
		Int("replace", plan.Summary.ToReplace).
		Int("delete", plan.Summary.ToDelete).
		Int("no_change", plan.Summary.NoChange).
		Msg("plan computed")

	return plan, nil
}

// Apply executes an apply-direction plan and reports the outcome per node.
// Failed nodes do not abort the pass; their dependents fail with
// UpstreamFailure while independent branches run to completion. Re-invoking
// Apply with the same desired state retries Failed nodes and no-ops Ready
// ones.
func (o *Orchestrator) Apply(ctx context.Context, plan *Plan) (*Outcome, error) {
	if plan == nil {
		return nil, NewError(ErrValidation, "plan is nil", nil)
	}
	if plan.Direction != DirectionApply {
		return nil, NewError(ErrValidation,
			fmt.Sprintf("cannot apply a %s plan", plan.Direction), nil)
	}
	return o.run(ctx, plan)
}

// Destroy executes a destroy-direction plan: dependents are deleted strictly
// before their dependencies.
func (o *Orchestrator) Destroy(ctx context.Context, plan *Plan) (*Outcome, error) {
	if plan == nil {
		return nil, NewError(ErrValidation, "plan is nil", nil)
	}
	if plan.Direction != DirectionDestroy {
		return nil, NewError(ErrValidation,
			fmt.Sprintf("cannot destroy with a %s plan", plan.Direction), nil)
	}
	return o.run(ctx, plan)
}

// Outputs returns the exported values of completed nodes, keyed by node
// identifier.
func (o *Orchestrator) Outputs() map[string]map[string]string {
	return o.registry.Outputs()
}

// run drives one pass and assembles the outcome.
func (o *Orchestrator) run(ctx context.Context, plan *Plan) (*Outcome, error) {
	runID := uuid.New().String()
	started := time.Now()

	for _, node := range o.registry.List() {
		node.Reset()
	}
	o.providers.ClearHandles()

	o.emit(ctx, Event{
		Time: started, RunID: runID, Type: "run_started",
		Message: fmt.Sprintf("%s pass started", plan.Direction), Level: "info",
	})

	execErr := o.executor.Execute(ctx, plan)

	outcome := &Outcome{
		RunID:       runID,
		PlanID:      plan.ID,
		Direction:   plan.Direction,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Nodes:       o.registry.Reports(),
	}
	for _, report := range outcome.Nodes {
		switch report.Status {
		case StatusReady, StatusDeleted:
			outcome.Succeeded++
		case StatusFailed:
			outcome.Failed++
			o.emit(ctx, Event{
				Time: time.Now(), RunID: runID, NodeID: report.ID, Type: "node_failed",
				Message: report.ErrorMessage, Level: "error",
			})
		default:
			outcome.Unscheduled++
		}
	}

	if err := o.persistState(ctx, outcome); err != nil {
		return outcome, err
	}

	level := "info"
	msg := fmt.Sprintf("%s pass completed: %d succeeded, %d failed", plan.Direction, outcome.Succeeded, outcome.Failed)
	if outcome.Failed > 0 || execErr != nil {
		level = "error"
	}
	o.emit(ctx, Event{Time: time.Now(), RunID: runID, Type: "run_completed", Message: msg, Level: level})

	if execErr != nil {
		return outcome, execErr
	}
	return outcome, nil
}

// Prune removes Deleted nodes from the registry. A node is only removed
// once every one of its dependents is Deleted too, so a partially destroyed
// stack keeps the nodes a re-apply would still need to order against.
func (o *Orchestrator) Prune() error {
	graph, err := NewGraphBuilder(o.registry).Build()
	if err != nil {
		return err
	}

	for _, node := range o.registry.List() {
		if node.Status() != StatusDeleted {
			continue
		}
		removable := true
		for _, dep := range graph.Dependents(node.ID) {
			dependent, ok := o.registry.Get(dep)
			if ok && dependent.Status() != StatusDeleted {
				removable = false
				break
			}
		}
		if removable {
			if err := o.registry.Remove(node.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreState loads last-observed state from the store for nodes that have
// none in memory, so a fresh process still plans against prior reality.
func (o *Orchestrator) restoreState(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	for _, node := range o.registry.List() {
		if node.ObservedState() != nil {
			continue
		}
		observed, outputs, err := o.store.LoadNodeState(ctx, node.ID)
		if err != nil {
			return NewError(ErrInternal, "failed to load node state", err).WithNode(node.ID)
		}
		if observed != nil {
			node.SetObserved(observed)
			node.SetOutputs(outputs)
		}
	}
	return nil
}

// persistState writes each node's post-pass state to the store. Deleted
// nodes have their stored state removed.
func (o *Orchestrator) persistState(ctx context.Context, outcome *Outcome) error {
	if o.store == nil {
		return nil
	}
	for _, report := range outcome.Nodes {
		var err error
		if report.Status == StatusDeleted {
			err = o.store.DeleteNodeState(ctx, report.ID)
		} else if report.Status == StatusReady {
			err = o.store.SaveNodeState(ctx, report)
		}
		if err != nil {
			return NewError(ErrInternal, "failed to persist node state", err).WithNode(report.ID)
		}
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, event Event) {
	if o.events == nil {
		return
	}
	if err := o.events.AppendEvent(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to append event")
	}
}
