package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedNodesPolicy(),
		productionDestroyPolicy(),
		networkReplacePolicy(),
		workloadImagePolicy(),
		bulkDeletePolicy(),
	}
}

// protectedNodesPolicy blocks deletion or replacement of protected nodes.
func protectedNodesPolicy() Policy {
	return Policy{
		Name:        "protected-nodes",
		Description: "Blocks delete and replace of nodes labeled protect=true",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "lifecycle"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loom.policies.protected

import rego.v1

destructive_ops := ["delete", "replace"]

deny contains violation if {
	input.step
	step := input.step

	some op in destructive_ops
	step.op == op

	step.labels.protect == "true"

	violation := {
		"message": sprintf("node %s is protected and cannot be %sd", [step.node_id, op]),
		"severity": "critical",
		"node": step.node_id,
	}
}`,
	}
}

// productionDestroyPolicy blocks full destroy passes in production.
func productionDestroyPolicy() Policy {
	return Policy{
		Name:        "production-destroy",
		Description: "Blocks destroy passes in the production environment",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loom.policies.destroy

import rego.v1

deny contains violation if {
	input.plan
	input.context

	input.plan.direction == "destroy"
	input.context.environment == "production"
	not input.context.dry_run

	violation := {
		"message": "destroy passes are not allowed in production",
		"severity": "critical",
	}
}`,
	}
}

// networkReplacePolicy surfaces network replacements, which tear down
// everything built on top of them.
func networkReplacePolicy() Policy {
	return Policy{
		Name:        "network-replace",
		Description: "Flags replacement of network nodes, which cascades to dependents",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety", "network"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loom.policies.network

import rego.v1

deny contains violation if {
	input.step
	step := input.step

	step.kind == "network"
	step.op == "replace"

	violation := {
		"message": sprintf("replacing network %s changes %v and will recreate everything built on it", [step.node_id, step.replace_paths]),
		"severity": "warning",
		"node": step.node_id,
	}
}

# In production a network replace blocks the pass outright.
deny contains violation if {
	input.step
	input.context
	step := input.step

	step.kind == "network"
	step.op == "replace"
	input.context.environment == "production"

	violation := {
		"message": sprintf("network %s cannot be replaced in production", [step.node_id]),
		"severity": "critical",
		"node": step.node_id,
	}
}`,
	}
}

// workloadImagePolicy enforces pinned image tags on workloads.
func workloadImagePolicy() Policy {
	return Policy{
		Name:        "workload-image-tags",
		Description: "Requires workload images to carry a pinned tag",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"workloads", "images"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loom.policies.images

import rego.v1

deny contains violation if {
	input.step
	step := input.step

	step.kind == "workload"
	step.op != "delete"
	image := step.spec.image

	endswith(image, ":latest")

	violation := {
		"message": sprintf("workload %s uses floating tag 'latest' for image %s", [step.node_id, image]),
		"severity": "error",
		"node": step.node_id,
	}
}

deny contains violation if {
	input.step
	step := input.step

	step.kind == "workload"
	step.op != "delete"
	image := step.spec.image

	not contains(image, ":")

	violation := {
		"message": sprintf("workload %s image %s has no tag", [step.node_id, image]),
		"severity": "error",
		"node": step.node_id,
	}
}`,
	}
}

// bulkDeletePolicy warns when a pass deletes many nodes at once.
func bulkDeletePolicy() Policy {
	return Policy{
		Name:        "bulk-delete",
		Description: "Warns when a plan deletes more than five nodes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety", "review"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loom.policies.bulk

import rego.v1

deny contains violation if {
	input.plan
	plan := input.plan

	plan.to_delete > 5

	violation := {
		"message": sprintf("plan deletes %d nodes - please review carefully", [plan.to_delete]),
		"severity": "warning",
	}
}`,
	}
}
