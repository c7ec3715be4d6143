package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultMaxParallel bounds a level's worker pool when no explicit limit is
// configured. Kept deliberately low so a wide level does not hammer external
// provider rate limits.
const defaultMaxParallel = 4

// Observer receives execution telemetry. Implementations must be safe for
// concurrent use; a nil observer disables instrumentation.
type Observer interface {
	// NodeExecuted records one node's terminal status for a pass.
	NodeExecuted(kind ResourceKind, op DiffOp, status NodeStatus, elapsed time.Duration)

	// ProviderCall records one external provider invocation.
	ProviderCall(kind ResourceKind, operation string, elapsed time.Duration, err error)

	// ReadinessWait records time spent waiting on a readiness condition.
	ReadinessWait(kind ResourceKind, elapsed time.Duration, timedOut bool)
}

// Executor runs a plan level by level, executing same-level nodes in
// parallel under a bounded worker pool. Strict ordering is guaranteed only
// across dependency edges; same-level nodes run in no defined order.
type Executor struct {
	registry  *Registry
	providers *ProviderSet
	waiter    *Waiter
	observer  Observer
	logger    zerolog.Logger

	// maxParallel bounds concurrent provider operations within one level so
	// a wide level cannot overwhelm external provider rate limits.
	maxParallel int

	// confirmInterval paces the delete-confirmation probes during replace.
	confirmInterval time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxParallel bounds the per-level worker pool.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithObserver attaches execution telemetry.
func WithObserver(obs Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = obs
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor over a registry and provider set.
func NewExecutor(registry *Registry, providers *ProviderSet, waiter *Waiter, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:        registry,
		providers:       providers,
		waiter:          waiter,
		maxParallel:     defaultMaxParallel,
		confirmInterval: 200 * time.Millisecond,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan to completion or cancellation. Node-level failures
// are recorded on the nodes and propagated to their dependents; independent
// branches continue so one apply pass yields maximal useful progress. The
// returned error is non-nil only for pass-level conditions (cancellation).
func (e *Executor) Execute(ctx context.Context, plan *Plan) error {
	for levelIdx, level := range plan.Levels {
		select {
		case <-ctx.Done():
			return NewError(ErrCancelled, "execution cancelled before level", ctx.Err()).
				WithOperation(fmt.Sprintf("level-%d", levelIdx))
		default:
		}

		e.executeLevel(ctx, plan, level)
	}

	if err := ctx.Err(); err != nil {
		return NewError(ErrCancelled, "execution cancelled", err)
	}
	return nil
}

// executeLevel runs all nodes of one level under the worker pool and blocks
// until every one of them finished.
func (e *Executor) executeLevel(ctx context.Context, plan *Plan, level []string) {
	workers := e.maxParallel
	if len(level) < workers {
		workers = len(level)
	}

	queue := make(chan string, len(level))
	for _, id := range level {
		queue <- id
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for nodeID := range queue {
				e.executeNode(ctx, plan, nodeID)
			}
		}()
	}
	wg.Wait()
}

// executeNode drives one node through its operation for the pass. The node's
// own status transition is exclusive; the registry stays consistent under
// cancellation.
func (e *Executor) executeNode(ctx context.Context, plan *Plan, nodeID string) {
	node, ok := e.registry.Get(nodeID)
	if !ok {
		e.logger.Error().Str("node", nodeID).Msg("plan references unregistered node")
		return
	}
	step, ok := plan.Steps[nodeID]
	if !ok {
		e.logger.Error().Str("node", nodeID).Msg("plan has no step for node")
		return
	}

	started := time.Now()
	log := e.logger.With().Str("node", nodeID).Str("kind", string(node.Kind)).
		Str("op", string(step.Op)).Logger()

	// Fail-fast propagation: a node whose dependency failed is never
	// attempted. This is an explicit failure, not a silent skip.
	if failedDep := e.failedDependency(plan, nodeID); failedDep != "" {
		node.Fail(NewError(ErrUpstreamFailure,
			fmt.Sprintf("dependency %q failed", failedDep), nil).WithNode(nodeID))
		log.Warn().Str("failed_dependency", failedDep).Msg("node not attempted")
		e.observe(node.Kind, step.Op, StatusFailed, started)
		return
	}

	select {
	case <-ctx.Done():
		// Not-yet-started nodes keep their Pending status on cancellation.
		return
	default:
	}

	var err error
	switch plan.Direction {
	case DirectionApply:
		err = e.applyNode(ctx, node, step)
	case DirectionDestroy:
		err = e.destroyNode(ctx, node, step)
	default:
		err = NewError(ErrInternal, fmt.Sprintf("unknown plan direction %q", plan.Direction), nil)
	}

	if err != nil {
		node.Fail(asOrchestrationError(err, nodeID, string(step.Op)))
		log.Error().Err(err).Msg("node failed")
	} else {
		log.Info().Dur("elapsed", time.Since(started)).Msg("node complete")
	}
	e.observe(node.Kind, step.Op, node.Status(), started)
}

// applyNode converges one node toward its desired specification.
func (e *Executor) applyNode(ctx context.Context, node *ResourceNode, step *Step) error {
	if err := node.Transition(StatusPlanning); err != nil {
		return err
	}

	// Idempotent short circuit: a converged node completes without any
	// provider call, but still shares its handle with this pass.
	if step.Op == OpNoChange {
		if err := e.republishHandle(node); err != nil {
			return err
		}
		return node.Transition(StatusReady)
	}

	provider, err := e.providers.Resolve(node.Kind)
	if err != nil {
		return err
	}
	req, err := e.buildRequest(node)
	if err != nil {
		return err
	}

	if err := node.Transition(StatusProvisioning); err != nil {
		return err
	}

	var result *OpResult
	switch step.Op {
	case OpCreate:
		result, err = e.timedCreate(ctx, provider, node, req)
	case OpUpdate:
		result, err = e.timedUpdate(ctx, provider, node, req)
	case OpReplace:
		result, err = e.replaceNode(ctx, provider, node, req, step)
	default:
		return NewError(ErrInternal,
			fmt.Sprintf("operation %q is not valid on an apply pass", step.Op), nil)
	}
	if err != nil {
		return err
	}

	if err := node.Transition(StatusWaiting); err != nil {
		return err
	}

	waitStarted := time.Now()
	req.Observed = result.State
	err = e.waiter.Wait(ctx, provider, node, req)
	if e.observer != nil {
		e.observer.ReadinessWait(node.Kind, time.Since(waitStarted), IsKind(err, ErrReadinessTimeout))
	}
	if err != nil {
		return err
	}

	node.SetObserved(result.State)
	node.SetOutputs(result.Outputs)
	if result.Handle != nil {
		if err := e.providers.Publish(result.Handle); err != nil {
			return err
		}
	}

	return node.Transition(StatusReady)
}

// destroyNode removes one node's external resource.
func (e *Executor) destroyNode(ctx context.Context, node *ResourceNode, step *Step) error {
	// Nothing observed means nothing to delete.
	if step.Op == OpNoChange {
		if err := node.Transition(StatusPlanning); err != nil {
			return err
		}
		return node.Transition(StatusDeleted)
	}

	provider, err := e.providers.Resolve(node.Kind)
	if err != nil {
		return err
	}
	req, err := e.buildRequest(node)
	if err != nil {
		return err
	}

	if err := node.Transition(StatusDeleting); err != nil {
		return err
	}

	if err := e.timedDelete(ctx, provider, node, req); err != nil {
		return err
	}
	if err := e.confirmDeleted(ctx, provider, node, req); err != nil {
		return err
	}

	node.SetObserved(nil)
	node.SetOutputs(nil)
	return node.Transition(StatusDeleted)
}

// replaceNode deletes the old instance and creates the new one. Default
// policy is delete-before-create; both instances must never exist under the
// same identifier simultaneously. Kinds supporting blue/green identifiers
// create first and delete the old instance after.
func (e *Executor) replaceNode(ctx context.Context, provider Provider, node *ResourceNode, req OpRequest, step *Step) (*OpResult, error) {
	desc, err := DescriptorFor(node.Kind)
	if err != nil {
		return nil, err
	}

	if desc.BlueGreen {
		result, err := e.timedCreate(ctx, provider, node, req)
		if err != nil {
			return nil, err
		}
		oldReq := req
		oldReq.Spec = node.ObservedState()
		if err := e.timedDelete(ctx, provider, node, oldReq); err != nil {
			return nil, NewError(ErrReplaceConflict,
				"blue/green replace left the old instance behind", err).
				WithNode(node.ID).WithOperation("replace")
		}
		return result, nil
	}

	if err := e.timedDelete(ctx, provider, node, req); err != nil {
		return nil, err
	}
	if err := e.confirmDeleted(ctx, provider, node, req); err != nil {
		return nil, NewError(ErrReplaceConflict,
			"old instance still exists, refusing to create replacement", err).
			WithNode(node.ID).WithOperation("replace")
	}
	return e.timedCreate(ctx, provider, node, req)
}

// confirmDeleted polls Read until the provider no longer reports the
// resource, bounding the wait by the kind's readiness budget.
func (e *Executor) confirmDeleted(ctx context.Context, provider Provider, node *ResourceNode, req OpRequest) error {
	budget := ReadinessTimeoutFor(node.Kind, nil)
	deadline := time.Now().Add(budget)

	for {
		result, err := e.timedRead(ctx, provider, node, req)
		if err == nil && !result.Exists {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("resource still present after %s", budget)
		}
		select {
		case <-time.After(e.confirmInterval):
		case <-ctx.Done():
			return NewError(ErrCancelled, "delete confirmation cancelled", ctx.Err()).WithNode(node.ID)
		}
	}
}

// buildRequest assembles the provider request for a node: the spec with
// output references resolved, the last-observed state, and the provider
// handle the node's cluster dependency published. References are resolvable
// by construction, the graph ordered the producing nodes first.
func (e *Executor) buildRequest(node *ResourceNode) (OpRequest, error) {
	spec, err := resolveSpec(e.registry, node, true)
	if err != nil {
		return OpRequest{}, err
	}

	req := OpRequest{
		NodeID:    node.ID,
		Kind:      node.Kind,
		Spec:      spec,
		Observed:  node.ObservedState(),
		Namespace: node.Namespace,
	}

	if node.Provider != "" {
		handle, ok := e.providers.Lookup(node.Provider)
		if !ok {
			// On a destroy pass the producer has not run (it is deleted
			// last), so the handle is rebuilt from its stored outputs.
			handle, ok = e.handleFromState(node.Provider)
		}
		if !ok {
			return OpRequest{}, NewError(ErrValidation,
				fmt.Sprintf("provider handle %q not published", node.Provider), nil).
				WithNode(node.ID)
		}
		req.Handle = handle
	}

	return req, nil
}

// handleFromState reconstructs a producer's handle from its persisted
// outputs.
func (e *Executor) handleFromState(provider string) (*Handle, bool) {
	producer, ok := e.registry.Get(provider)
	if !ok {
		return nil, false
	}
	desc, err := DescriptorFor(producer.Kind)
	if err != nil || !desc.PublishesHandle {
		return nil, false
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.Outputs) == 0 {
		return nil, false
	}
	descriptor := make(map[string]string, len(producer.Outputs))
	for k, v := range producer.Outputs {
		descriptor[k] = v
	}
	return &Handle{Name: producer.ID, Descriptor: descriptor}, true
}

// republishHandle shares a handle-producing node's descriptor with the
// current pass when the node itself was a no-op.
func (e *Executor) republishHandle(node *ResourceNode) error {
	desc, err := DescriptorFor(node.Kind)
	if err != nil || !desc.PublishesHandle {
		return err
	}
	if _, published := e.providers.Lookup(node.ID); published {
		return nil
	}

	descriptor := make(map[string]string)
	node.mu.Lock()
	for k, v := range node.Outputs {
		descriptor[k] = v
	}
	node.mu.Unlock()

	return e.providers.Publish(&Handle{Name: node.ID, Descriptor: descriptor})
}

// failedDependency returns the identifier of a direct dependency that ended
// in Failed, empty when all dependencies reached terminal success.
func (e *Executor) failedDependency(plan *Plan, nodeID string) string {
	for _, dep := range plan.graph.Dependencies(nodeID) {
		node, ok := e.registry.Get(dep)
		if !ok {
			continue
		}
		if node.Status() == StatusFailed {
			return dep
		}
	}
	return ""
}

func (e *Executor) observe(kind ResourceKind, op DiffOp, status NodeStatus, started time.Time) {
	if e.observer != nil {
		e.observer.NodeExecuted(kind, op, status, time.Since(started))
	}
}

// timedCreate, timedUpdate, timedDelete and timedRead wrap provider calls
// with telemetry.
func (e *Executor) timedCreate(ctx context.Context, p Provider, node *ResourceNode, req OpRequest) (*OpResult, error) {
	started := time.Now()
	result, err := p.Create(ctx, req)
	e.observeProvider(node.Kind, "create", started, err)
	return result, wrapProviderError(err, node.ID, "create")
}

func (e *Executor) timedUpdate(ctx context.Context, p Provider, node *ResourceNode, req OpRequest) (*OpResult, error) {
	started := time.Now()
	result, err := p.Update(ctx, req)
	e.observeProvider(node.Kind, "update", started, err)
	return result, wrapProviderError(err, node.ID, "update")
}

func (e *Executor) timedDelete(ctx context.Context, p Provider, node *ResourceNode, req OpRequest) error {
	started := time.Now()
	err := p.Delete(ctx, req)
	e.observeProvider(node.Kind, "delete", started, err)
	return wrapProviderError(err, node.ID, "delete")
}

func (e *Executor) timedRead(ctx context.Context, p Provider, node *ResourceNode, req OpRequest) (*OpResult, error) {
	started := time.Now()
	result, err := p.Read(ctx, req)
	e.observeProvider(node.Kind, "read", started, err)
	return result, wrapProviderError(err, node.ID, "read")
}

func (e *Executor) observeProvider(kind ResourceKind, op string, started time.Time, err error) {
	if e.observer != nil {
		e.observer.ProviderCall(kind, op, time.Since(started), err)
	}
}

// wrapProviderError classifies a provider failure, defaulting to permanent
// when the provider did not classify it.
func wrapProviderError(err error, nodeID, operation string) error {
	if err == nil {
		return nil
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		if oe.Node == "" {
			oe.Node = nodeID
		}
		if oe.Operation == "" {
			oe.Operation = operation
		}
		return oe
	}
	return NewProviderFailure(ClassPermanent, "provider operation failed", err).
		WithNode(nodeID).WithOperation(operation)
}

// asOrchestrationError normalizes any error into a classified one for
// recording on a node.
func asOrchestrationError(err error, nodeID, operation string) *OrchestrationError {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	return NewError(ErrInternal, "unclassified execution failure", err).
		WithNode(nodeID).WithOperation(operation)
}
