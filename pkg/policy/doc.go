// Package policy provides Open Policy Agent (OPA) integration for Loom.
//
// This package gates plans before a pass executes. Every enabled policy is
// evaluated once against the whole plan and once per step, using the Rego
// policy language. It includes built-in policies for common guardrails and
// supports custom policy loading with hot reload.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles and evaluates Rego policies against plans
//  2. Loader - Loads policies from files, directories, and bundles
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined guardrails loaded at startup
//
// # Usage
//
// Creating a policy engine and checking a plan:
//
//	logger := zerolog.New(os.Stdout)
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pe.Environment = "production"
//
//	result, err := pe.EvaluatePlan(ctx, plan, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/loom/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = pe.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Input Document
//
// Node-level rules receive input.step with node_id, kind, op, spec,
// namespace, labels, and replace_paths. Plan-level rules receive input.plan
// with direction, steps, to_delete, and to_replace. Both see input.context
// carrying the environment, pass direction, and dry-run flag.
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. protected-nodes - Blocks delete and replace of nodes labeled protect=true
//  2. production-destroy - Blocks destroy passes in production
//  3. network-replace - Flags network replacements, blocks them in production
//  4. workload-image-tags - Requires workload images to carry a pinned tag
//  5. bulk-delete - Warns when a plan deletes more than five nodes
//
// # Custom Policies
//
// Custom policies can be written in Rego and loaded from files:
//
//	package loom.policies.namespaces
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.step
//	    step := input.step
//
//	    step.kind == "workload"
//	    step.namespace == "default"
//
//	    violation := {
//	        "message": "workloads may not run in the default namespace",
//	        "severity": "error",
//	        "node": step.node_id,
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block the pass
//   - error: Issues that block the pass
//   - critical: Severe issues requiring immediate attention
//
// Error and critical violations set Result.Allowed to false; info and
// warning violations land in Result.Warnings and the pass proceeds.
//
// # File Directives
//
// Rego policy files set their metadata through header comment directives;
// plain header comments become the description:
//
//	# Blocks floating image tags.
//	# severity: error
//	# tags: safety, images
//	# environments: production, staging
//	package loom.policies.images
//
// A policy restricted to environments is only evaluated when the engine's
// Environment matches; an unrestricted policy applies everywhere.
//
// # Hot Reload
//
// The loader supports watching policy files for changes and reloading
// automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return pe.LoadPolicies(ctx, paths)
//	})
//
// # Performance
//
// Policies are compiled once and reused across evaluations. The engine uses
// OPA's PreparedEvalQuery and the loader caches parsed files by path and
// modification time.
package policy
