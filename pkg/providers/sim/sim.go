package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/engine"
)

// Provider is an in-memory simulated provider covering every resource kind.
// It keeps the external state of each node in a map, synthesizes plausible
// outputs per kind, and supports scripted readiness latency and failure
// injection so passes behave deterministically in tests and dev mode.
//
// A single Provider instance may be registered for all kinds; it is safe for
// concurrent use.
type Provider struct {
	mu      sync.Mutex
	objects map[string]*object
	probes  map[string]int

	// readyAfter maps a node ID to the number of readiness probes that
	// report not-ready before the node turns healthy. Zero means ready on
	// the first probe.
	readyAfter map[string]int

	// failures maps "op:nodeID" to an injected error returned by that
	// operation.
	failures map[string]error

	// latency delays every operation, simulating provider round trips.
	latency time.Duration

	logger zerolog.Logger
}

// object is the simulated external state of one resource.
type object struct {
	state   json.RawMessage
	outputs map[string]string
}

// Option configures a simulated provider.
type Option func(*Provider)

// WithLatency delays every provider operation by d. The delay honors
// context cancellation.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) {
		p.latency = d
	}
}

// WithReadyAfter makes a node report not-ready for the first n probes.
func WithReadyAfter(nodeID string, n int) Option {
	return func(p *Provider) {
		p.readyAfter[nodeID] = n
	}
}

// WithFailure injects an error for one operation on one node. The op is one
// of create, update, delete, read.
func WithFailure(op, nodeID string, err error) Option {
	return func(p *Provider) {
		p.failures[op+":"+nodeID] = err
	}
}

// WithLogger sets the provider's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger.With().Str("component", "sim-provider").Logger()
	}
}

// New creates a simulated provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		objects:    make(map[string]*object),
		probes:     make(map[string]int),
		readyAfter: make(map[string]int),
		failures:   make(map[string]error),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterAll binds one simulated provider to every resource kind in the set
// and returns it for scripting.
func RegisterAll(ps *engine.ProviderSet, opts ...Option) (*Provider, error) {
	p := New(opts...)
	kinds := []engine.ResourceKind{
		engine.KindNetwork, engine.KindCluster, engine.KindNamespace,
		engine.KindWorkload, engine.KindRelease, engine.KindCustom,
	}
	for _, kind := range kinds {
		if err := ps.RegisterKind(kind, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Create provisions the simulated resource and records its state.
func (p *Provider) Create(ctx context.Context, req engine.OpRequest) (*engine.OpResult, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}
	if err := p.injected("create", req.NodeID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.objects[req.NodeID]; exists {
		p.mu.Unlock()
		return nil, engine.NewError(engine.ErrReplaceConflict,
			fmt.Sprintf("resource %q already exists", req.NodeID), nil).WithNode(req.NodeID)
	}
	result := p.materialize(req)
	p.objects[req.NodeID] = &object{state: result.State, outputs: result.Outputs}
	p.mu.Unlock()

	p.logger.Debug().Str("node", req.NodeID).Str("kind", string(req.Kind)).Msg("resource created")
	return result, nil
}

// Update mutates the simulated resource in place.
func (p *Provider) Update(ctx context.Context, req engine.OpRequest) (*engine.OpResult, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}
	if err := p.injected("update", req.NodeID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	obj, exists := p.objects[req.NodeID]
	if !exists {
		p.mu.Unlock()
		return nil, engine.NewProviderFailure(engine.ClassPermanent,
			fmt.Sprintf("resource %q does not exist", req.NodeID), nil).WithNode(req.NodeID)
	}
	result := p.materialize(req)
	obj.state = result.State
	obj.outputs = result.Outputs
	p.mu.Unlock()

	p.logger.Debug().Str("node", req.NodeID).Str("kind", string(req.Kind)).Msg("resource updated")
	return result, nil
}

// Delete removes the simulated resource. Deleting an absent resource is not
// an error.
func (p *Provider) Delete(ctx context.Context, req engine.OpRequest) error {
	if err := p.sleep(ctx); err != nil {
		return err
	}
	if err := p.injected("delete", req.NodeID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.objects, req.NodeID)
	delete(p.probes, req.NodeID)
	p.mu.Unlock()

	p.logger.Debug().Str("node", req.NodeID).Str("kind", string(req.Kind)).Msg("resource deleted")
	return nil
}

// Read retrieves the simulated external state without side effects.
func (p *Provider) Read(ctx context.Context, req engine.OpRequest) (*engine.OpResult, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}
	if err := p.injected("read", req.NodeID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, exists := p.objects[req.NodeID]
	if !exists {
		return &engine.OpResult{Exists: false}, nil
	}
	return &engine.OpResult{State: obj.state, Outputs: obj.outputs, Exists: true}, nil
}

// CheckReady probes the simulated readiness condition. Nodes turn healthy
// after their scripted probe count.
func (p *Provider) CheckReady(ctx context.Context, req engine.OpRequest) (*engine.Readiness, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.probes[req.NodeID]++
	ready := p.probes[req.NodeID] > p.readyAfter[req.NodeID]
	p.mu.Unlock()

	if !ready {
		return &engine.Readiness{Ready: false, Condition: "still provisioning"}, nil
	}
	return &engine.Readiness{Ready: true, Condition: "healthy"}, nil
}

// Exists reports whether the simulated resource is present.
func (p *Provider) Exists(nodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[nodeID]
	return ok
}

// Probes returns the number of readiness probes a node has received.
func (p *Provider) Probes(nodeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[nodeID]
}

// Reset drops all simulated state.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects = make(map[string]*object)
	p.probes = make(map[string]int)
}

// materialize builds the operation result for a request: the resolved spec
// becomes the observed state, and per-kind outputs mimic what a real
// provider would export. Clusters publish a connection handle.
func (p *Provider) materialize(req engine.OpRequest) *engine.OpResult {
	outputs := map[string]string{"name": req.NodeID}

	switch req.Kind {
	case engine.KindNetwork:
		outputs = map[string]string{
			"vpcId":     "vpc-" + req.NodeID,
			"subnetIds": "subnet-" + req.NodeID + "-a,subnet-" + req.NodeID + "-b",
		}
	case engine.KindCluster:
		outputs = map[string]string{
			"endpoint":   "https://" + req.NodeID + ".sim.internal",
			"kubeconfig": "/var/run/loom/" + req.NodeID + "/kubeconfig",
		}
	case engine.KindNamespace:
		outputs = map[string]string{"name": specField(req.Spec, "name", req.NodeID)}
	case engine.KindWorkload:
		outputs = map[string]string{
			"name":     req.NodeID,
			"selector": specField(req.Spec, "selector", "app="+req.NodeID),
		}
	case engine.KindRelease:
		outputs = map[string]string{
			"name":     req.NodeID,
			"revision": "1",
		}
	}

	result := &engine.OpResult{State: req.Spec, Outputs: outputs, Exists: true}
	if req.Kind == engine.KindCluster {
		result.Handle = &engine.Handle{Name: req.NodeID, Descriptor: outputs}
	}
	return result
}

// injected returns the scripted failure for an operation, if any. Injected
// errors already carrying a classification pass through unchanged.
func (p *Provider) injected(op, nodeID string) error {
	p.mu.Lock()
	err := p.failures[op+":"+nodeID]
	p.mu.Unlock()
	if err == nil {
		return nil
	}
	if _, ok := err.(*engine.OrchestrationError); ok {
		return err
	}
	return engine.NewProviderFailure(engine.ClassTransient, "injected failure", err).
		WithNode(nodeID).WithOperation(op)
}

// sleep simulates provider round-trip latency.
func (p *Provider) sleep(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return engine.NewError(engine.ErrCancelled, "provider call cancelled", ctx.Err())
	}
}

// specField extracts a top-level string field from a spec document, falling
// back to a default when absent.
func specField(spec json.RawMessage, field, fallback string) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(spec, &doc); err != nil {
		return fallback
	}
	if v, ok := doc[field].(string); ok && v != "" {
		return v
	}
	return fallback
}
