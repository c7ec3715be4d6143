package engine

import (
	"context"
	"fmt"
	"time"
)

// Waiter blocks a node's completion until its readiness condition is
// satisfied. Polling backs off exponentially between probes; a resource that
// never reports healthy within its budget fails with ReadinessTimeout.
type Waiter struct {
	// overrides replaces the per-kind default readiness budgets.
	overrides map[ResourceKind]time.Duration

	// initialInterval is the first poll interval.
	initialInterval time.Duration

	// maxInterval caps the backoff.
	maxInterval time.Duration
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithTimeoutOverride replaces the readiness budget for one kind.
func WithTimeoutOverride(kind ResourceKind, timeout time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.overrides[kind] = timeout
	}
}

// WithPollInterval sets the initial and maximum poll intervals.
func WithPollInterval(initial, max time.Duration) WaiterOption {
	return func(w *Waiter) {
		if initial > 0 {
			w.initialInterval = initial
		}
		if max > 0 {
			w.maxInterval = max
		}
	}
}

// NewWaiter creates a readiness waiter.
func NewWaiter(opts ...WaiterOption) *Waiter {
	w := &Waiter{
		overrides:       make(map[ResourceKind]time.Duration),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait polls the provider until the resource reports ready, the kind's
// budget elapses, or the context is cancelled. The returned error is nil on
// readiness, ReadinessTimeout with the last observed condition on budget
// exhaustion, and Cancelled on context cancellation.
func (w *Waiter) Wait(ctx context.Context, provider Provider, node *ResourceNode, req OpRequest) error {
	desc, err := DescriptorFor(node.Kind)
	if err != nil {
		return err
	}
	if !desc.WaitsForReadiness {
		return nil
	}

	budget := ReadinessTimeoutFor(node.Kind, w.overrides)
	deadline := time.Now().Add(budget)

	waitCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	lastCondition := "no condition observed"
	interval := w.initialInterval

	for {
		if budget <= 0 || time.Now().After(deadline) {
			return NewError(ErrReadinessTimeout,
				fmt.Sprintf("resource not ready within %s", budget), nil).
				WithNode(node.ID).
				WithLastCondition(lastCondition)
		}

		readiness, err := provider.CheckReady(waitCtx, req)
		switch {
		case waitCtx.Err() != nil:
			// Distinguish budget exhaustion from caller cancellation.
			if ctx.Err() != nil {
				return NewError(ErrCancelled, "readiness wait cancelled", ctx.Err()).WithNode(node.ID)
			}
			return NewError(ErrReadinessTimeout,
				fmt.Sprintf("resource not ready within %s", budget), nil).
				WithNode(node.ID).
				WithLastCondition(lastCondition)
		case err != nil:
			// Probe errors are not terminal: the resource may be mid
			// provisioning. The budget bounds how long we tolerate them.
			lastCondition = fmt.Sprintf("probe error: %v", err)
		case readiness.Ready:
			return nil
		default:
			if readiness.Condition != "" {
				lastCondition = readiness.Condition
			}
		}

		select {
		case <-time.After(interval):
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return NewError(ErrCancelled, "readiness wait cancelled", ctx.Err()).WithNode(node.ID)
			}
			return NewError(ErrReadinessTimeout,
				fmt.Sprintf("resource not ready within %s", budget), nil).
				WithNode(node.ID).
				WithLastCondition(lastCondition)
		}

		interval *= 2
		if interval > w.maxInterval {
			interval = w.maxInterval
		}
	}
}
