package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/engine"
)

// ResourceManifest represents a single resource declaration from a manifest.
type ResourceManifest struct {
	// ID is the unique identifier for this resource node (e.g., "vpc").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Kind is the resource kind (network, cluster, namespace, workload,
	// release, custom).
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=network cluster namespace workload release custom"`

	// Spec is the kind-specific desired specification.
	Spec json.RawMessage `json:"spec" yaml:"spec" validate:"required"`

	// Provider names the provider context this node targets.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Namespace scopes the node to a namespace for namespace-scoped kinds.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// DependsOn lists explicitly declared dependency identifiers.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting nodes.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// StackConfig represents the stack-level configuration of a manifest.
type StackConfig struct {
	// Name is the stack name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the manifest format version.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Variables are stack-level variables available to manifests.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// State configures where node state is persisted.
	State *StateConfig `json:"state,omitempty" yaml:"state,omitempty"`

	// Policy configures policy enforcement for this stack.
	Policy *PolicyConfig `json:"policy,omitempty" yaml:"policy,omitempty"`

	// Settings tunes pass execution.
	Settings *SettingsConfig `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// StateConfig configures the state store backing a stack.
type StateConfig struct {
	// Path is the SQLite database path.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists policy file paths.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// SettingsConfig tunes how passes execute.
type SettingsConfig struct {
	// Concurrency caps how many nodes of one level run in parallel.
	// Zero means unbounded.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0"`

	// ReadinessTimeouts overrides the per-kind readiness budgets. Values
	// are Go duration strings ("30s", "5m").
	ReadinessTimeouts map[string]string `json:"readiness_timeouts,omitempty" yaml:"readiness_timeouts,omitempty"`
}

// ReadinessOverrides converts the configured timeout strings into the
// engine's override map.
func (sc *SettingsConfig) ReadinessOverrides() (map[engine.ResourceKind]time.Duration, error) {
	if sc == nil || len(sc.ReadinessTimeouts) == 0 {
		return nil, nil
	}
	overrides := make(map[engine.ResourceKind]time.Duration, len(sc.ReadinessTimeouts))
	for kind, raw := range sc.ReadinessTimeouts {
		k := engine.ResourceKind(kind)
		if err := k.Validate(); err != nil {
			return nil, fmt.Errorf("readiness timeout for unknown kind %q", kind)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid readiness timeout for kind %q: %w", kind, err)
		}
		overrides[k] = d
	}
	return overrides, nil
}

// ParsedManifest represents the fully parsed manifest from CUE or YAML.
type ParsedManifest struct {
	// Stack is the stack-level configuration.
	Stack StackConfig `json:"stack"`

	// Resources are all resource nodes declared in the manifest.
	Resources []ResourceManifest `json:"resources"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the manifest was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the manifest path to the error (e.g., "resources.web.spec").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// EvaluateOptions controls manifest evaluation behavior.
type EvaluateOptions struct {
	// Tags are CUE build tags (e.g., "env=prod").
	Tags []string `json:"tags,omitempty"`

	// ValidateSchemas enables schema validation during evaluation.
	ValidateSchemas bool `json:"validate_schemas"`

	// AllowStarlark enables Starlark function execution.
	AllowStarlark bool `json:"allow_starlark"`

	// StarlarkTimeout is the timeout for Starlark execution.
	StarlarkTimeout time.Duration `json:"starlark_timeout,omitempty"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// ToNode converts a resource manifest into an engine node.
func (rm ResourceManifest) ToNode() (*engine.ResourceNode, error) {
	kind := engine.ResourceKind(rm.Kind)
	if err := kind.Validate(); err != nil {
		return nil, fmt.Errorf("resource %s: %w", rm.ID, err)
	}
	return &engine.ResourceNode{
		ID:        rm.ID,
		Kind:      kind,
		Spec:      rm.Spec,
		Provider:  rm.Provider,
		Namespace: rm.Namespace,
		DependsOn: rm.DependsOn,
		Labels:    rm.Labels,
	}, nil
}

// ToRegistry converts the parsed manifest into a populated node registry.
// Duplicate identifiers and duplicate namespace declarations surface as
// registration errors.
func (pm *ParsedManifest) ToRegistry() (*engine.Registry, error) {
	if len(pm.Errors) > 0 {
		return nil, fmt.Errorf("manifest has %d validation errors: %v", len(pm.Errors), pm.Errors[0])
	}

	registry := engine.NewRegistry()
	for _, rm := range pm.Resources {
		node, err := rm.ToNode()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(node); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
