package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block a pass.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Environments restricts the policy to the named deployment
	// environments. Empty means the policy applies everywhere.
	Environments []string `json:"environments,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// NodeID is the resource node that violated the policy.
	NodeID string `json:"node_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of evaluating policies against a plan.
type Result struct {
	// Allowed indicates if the pass may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// StepInput is the per-node slice of a plan handed to policy rules.
type StepInput struct {
	// NodeID is the node the step operates on.
	NodeID string `json:"node_id"`

	// Kind is the node's resource kind.
	Kind string `json:"kind"`

	// Op is the planned operation (create, update, replace, delete, noop).
	Op string `json:"op"`

	// Spec is the node's desired specification.
	Spec json.RawMessage `json:"spec,omitempty"`

	// Namespace is the node's namespace, for namespace-scoped kinds.
	Namespace string `json:"namespace,omitempty"`

	// Labels are the node's labels.
	Labels map[string]string `json:"labels,omitempty"`

	// ReplacePaths are the immutable paths forcing a replace, if any.
	ReplacePaths []string `json:"replace_paths,omitempty"`
}

// PlanInput summarizes a plan for policy rules evaluating the whole pass.
type PlanInput struct {
	// ID is the plan identifier.
	ID string `json:"id"`

	// Direction is apply or destroy.
	Direction string `json:"direction"`

	// Steps lists the planned per-node operations.
	Steps []StepInput `json:"steps"`

	// ToDelete is the number of nodes scheduled for deletion.
	ToDelete int `json:"to_delete"`

	// ToReplace is the number of nodes scheduled for replacement.
	ToReplace int `json:"to_replace"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Step is the node-level step being evaluated, when evaluating per node.
	Step *StepInput `json:"step,omitempty"`

	// Plan is the plan summary, when evaluating the whole pass.
	Plan *PlanInput `json:"plan,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	// Direction is the pass direction being evaluated.
	Direction string `json:"direction,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates a plan-only evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// Environments is the bundle-wide environment restriction, applied to
	// member policies that do not carry their own.
	Environments []string `json:"environments,omitempty"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}

// AppliesTo reports whether the policy is active for an environment.
func (p *Policy) AppliesTo(environment string) bool {
	if len(p.Environments) == 0 {
		return true
	}
	for _, env := range p.Environments {
		if env == environment {
			return true
		}
	}
	return false
}
