package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for manifest validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("resource", builtinResourceSchema)
	sr.RegisterSchema("stack", builtinStackSchema)
	sr.RegisterSchema("network", builtinNetworkSchema)
	sr.RegisterSchema("cluster", builtinClusterSchema)
	sr.RegisterSchema("namespace", builtinNamespaceSchema)
	sr.RegisterSchema("workload", builtinWorkloadSchema)
	sr.RegisterSchema("release", builtinReleaseSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinResourceSchema = `
// Resource schema for Loom resource declarations
id:   string & =~"^[a-zA-Z0-9_-]+$"
kind: "network" | "cluster" | "namespace" | "workload" | "release" | "custom"
spec: {...}
provider?:  string
namespace?: string
depends_on?: [...string]
labels?: {[string]: string}
`

const builtinStackSchema = `
// Stack schema for Loom stack configuration
name:     string & =~"^[a-zA-Z0-9_-]+$"
version?: string
variables?: {[string]: _}
state?: {
	path?: string
}
policy?: {
	enabled: bool
	paths?: [...string]
	mode?: "advisory" | "enforcing"
}
settings?: {
	concurrency?: int & >=0
	readiness_timeouts?: {[string]: string}
}
`

const builtinNetworkSchema = `
// Specification schema for network resources
name:      string
cidrBlock: string & =~"^[0-9]+\\.[0-9]+\\.[0-9]+\\.[0-9]+/[0-9]+$"
region:    string
`

const builtinClusterSchema = `
// Specification schema for cluster resources
name:  string
vpcId: string
version?: {
	major: string
	minor?: string
}
`

const builtinNamespaceSchema = `
// Specification schema for namespace resources
name: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"
`

const builtinWorkloadSchema = `
// Specification schema for workload resources
name:     string
image:    string
replicas: int & >=0
selector?: string
`

const builtinReleaseSchema = `
// Specification schema for chart release resources
chart: {
	name:     string
	version?: string
	repo?:    string
}
values?: {...}
`

// ValidateResource validates a resource manifest against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceManifest) error {
	return sr.ValidateAgainstSchema(ctx, "resource", resource)
}

// ValidateStack validates a stack configuration against the stack schema.
func (sr *SchemaRegistry) ValidateStack(ctx context.Context, stack StackConfig) error {
	return sr.ValidateAgainstSchema(ctx, "stack", stack)
}

// ValidateSpec validates a resource specification against its kind schema,
// when one is registered. Kinds without a schema pass.
func (sr *SchemaRegistry) ValidateSpec(ctx context.Context, kind string, spec interface{}) error {
	if _, ok := sr.GetSchema(kind); !ok {
		return nil
	}
	return sr.ValidateAgainstSchema(ctx, kind, spec)
}
