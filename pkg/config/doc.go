// Package config provides stack manifest parsing for Loom.
//
// # Overview
//
// The config package implements the manifest evaluation phase of Loom,
// responsible for parsing CUE and YAML manifests, validating schemas, and
// executing Starlark scripts for procedural manifest generation. Parsed
// manifests convert directly into a populated engine node registry.
//
// # Components
//
// CUEParser: Main parser for manifest sources. Files ending in .yaml or .yml
// are routed to the YAML loader, .star files are executed as manifest
// scripts after the declarative sources, everything else is treated as CUE,
// and multiple sources unify into one manifest.
//
// SchemaRegistry: Manages CUE schemas for validation. Provides built-in
// schemas for the resource envelope, the stack section, and per-kind
// specifications, and supports custom schema registration.
//
// StarlarkEvaluator: Safe Starlark script execution with timeout enforcement
// and sandboxing. Manifest scripts receive the stack variables as `vars` and
// declare nodes by calling resource(...) or by leaving a `resources` global:
//
//	for i in range(int(vars["web_count"])):
//	    resource(
//	        id = "web-" + str(i),
//	        kind = "workload",
//	        namespace = "apps",
//	        spec = {"name": "web-" + str(i), "image": vars["image"]},
//	    )
//
// # Usage Example
//
//	parser := config.NewCUEParser()
//
//	registry, manifest, err := parser.Evaluate(ctx, []string{"stack.cue"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	overrides, err := manifest.Stack.Settings.ReadinessOverrides()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Manifest Structure
//
// A typical CUE manifest declares a stack and its resource nodes:
//
//	stack: {
//	    name: "production"
//	    settings: {
//	        concurrency: 4
//	        readiness_timeouts: {cluster: "25m"}
//	    }
//	}
//
//	resources: {
//	    vpc: {
//	        kind: "network"
//	        spec: {name: "main", cidrBlock: "10.0.0.0/16", region: "us-east-1"}
//	    }
//	    cluster: {
//	        kind: "cluster"
//	        spec: {name: "primary", vpcId: "${vpc.vpcId}"}
//	    }
//	    web: {
//	        kind: "workload"
//	        provider: "cluster"
//	        namespace: "apps"
//	        spec: {name: "web", image: "nginx:1.27", replicas: 2}
//	    }
//	}
//
// Spec fields may reference another node's outputs with "${node.output}"
// placeholders; each reference becomes a dependency edge in the graph.
//
// # Error Handling
//
// Parsing and validation errors carry location information:
//
//	ValidationError{
//	    File: "stack.cue",
//	    Line: 42,
//	    Column: 5,
//	    Path: "resources.web.spec",
//	    Message: "field 'image' is required",
//	    Severity: "error",
//	}
//
// # Security
//
// Starlark execution is sandboxed: no filesystem access, no network access,
// timeout enforcement (default 30 seconds), print statements suppressed.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package config
