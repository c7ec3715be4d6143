// Package engine implements the Loom resource-graph orchestrator: a registry
// of declared resource nodes, a dependency graph builder, a level-parallel
// scheduler, provider execution with idempotency checks, readiness waiting,
// and desired/observed state reconciliation.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the orchestration failure category reported to the
// caller in the per-node outcome.
type ErrorKind string

const (
	// ErrCycleDetected indicates the declared dependencies do not form a DAG.
	// Planning fails before any node is scheduled.
	ErrCycleDetected ErrorKind = "cycle_detected"

	// ErrDuplicateResource indicates two nodes declare the same identifier.
	// This is a build-time error, never a silent merge.
	ErrDuplicateResource ErrorKind = "duplicate_resource"

	// ErrUpstreamFailure indicates a dependency ended in Failed; the node was
	// never attempted.
	ErrUpstreamFailure ErrorKind = "upstream_failure"

	// ErrProviderOperation indicates a provider create/update/delete/read
	// call failed. The provider's error classification is carried in Class.
	ErrProviderOperation ErrorKind = "provider_operation"

	// ErrReadinessTimeout indicates the operation succeeded but the resource
	// never reported healthy within its readiness budget.
	ErrReadinessTimeout ErrorKind = "readiness_timeout"

	// ErrReplaceConflict indicates delete-before-create ordering was violated
	// or the old and new instances collided.
	ErrReplaceConflict ErrorKind = "replace_conflict"

	// ErrValidation indicates invalid input to the orchestrator.
	ErrValidation ErrorKind = "validation"

	// ErrCancelled indicates the caller cancelled the pass.
	ErrCancelled ErrorKind = "cancelled"

	// ErrInternal indicates an orchestrator invariant was violated.
	ErrInternal ErrorKind = "internal"
)

// ErrorClass is the provider-supplied classification of an external failure,
// used by callers to decide whether a re-apply is worth attempting.
type ErrorClass string

const (
	// ClassTransient indicates a temporary failure (network timeout,
	// momentary unavailability) that may succeed on a later apply.
	ClassTransient ErrorClass = "transient"

	// ClassThrottled indicates provider rate limiting or quota exhaustion.
	ClassThrottled ErrorClass = "throttled"

	// ClassConflict indicates a state conflict with a concurrent actor.
	ClassConflict ErrorClass = "conflict"

	// ClassPermanent indicates a non-recoverable failure (invalid spec,
	// permission denied).
	ClassPermanent ErrorClass = "permanent"
)

// OrchestrationError is the classified error recorded on a node and surfaced
// in outcome reports.
type OrchestrationError struct {
	// Kind is the orchestration failure category.
	Kind ErrorKind `json:"kind"`

	// Class is the provider error classification, set for provider failures.
	Class ErrorClass `json:"class,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Node is the node identifier the error is recorded on.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Cycle lists the participating node identifiers for cycle errors.
	Cycle []string `json:"cycle,omitempty"`

	// LastCondition is the last observed readiness condition for timeouts.
	LastCondition string `json:"last_condition,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Node != "" {
		msg += fmt.Sprintf(" (node=%s", e.Node)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against sentinel values.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified orchestration error.
func NewError(kind ErrorKind, message string, err error) *OrchestrationError {
	return &OrchestrationError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WithNode adds node context to an error.
func (e *OrchestrationError) WithNode(nodeID string) *OrchestrationError {
	e.Node = nodeID
	return e
}

// WithOperation adds operation context to an error.
func (e *OrchestrationError) WithOperation(op string) *OrchestrationError {
	e.Operation = op
	return e
}

// WithClass adds the provider error classification.
func (e *OrchestrationError) WithClass(class ErrorClass) *OrchestrationError {
	e.Class = class
	return e
}

// WithCycle records the node identifiers participating in a cycle.
func (e *OrchestrationError) WithCycle(cycle []string) *OrchestrationError {
	e.Cycle = cycle
	return e
}

// WithLastCondition records the last observed readiness condition.
func (e *OrchestrationError) WithLastCondition(cond string) *OrchestrationError {
	e.LastCondition = cond
	return e
}

// KindOf extracts the error kind from an error chain.
// Returns ErrInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given orchestration error kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether a provider failure is worth a caller-level
// re-apply. Permanent failures are not.
func IsRetryable(err error) bool {
	var e *OrchestrationError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Class {
	case ClassTransient, ClassThrottled, ClassConflict:
		return true
	default:
		return false
	}
}
