package engine

import (
	"fmt"
	"time"
)

// ResourceKind is the closed set of resource variants the orchestrator
// manages. Provider dispatch and readiness budgets are selected by kind tag.
type ResourceKind string

const (
	// KindNetwork is a cloud network resource (VPC, subnets).
	KindNetwork ResourceKind = "network"

	// KindCluster is a managed cluster resource. Cluster nodes publish a
	// provider handle (connection descriptor) on completion.
	KindCluster ResourceKind = "cluster"

	// KindNamespace is an in-cluster namespace resource.
	KindNamespace ResourceKind = "namespace"

	// KindWorkload is a namespace-scoped workload resource.
	KindWorkload ResourceKind = "workload"

	// KindRelease is a chart release: a packaged multi-resource bundle
	// installed through a release engine.
	KindRelease ResourceKind = "release"

	// KindCustom is a CRD-backed custom resource.
	KindCustom ResourceKind = "custom"
)

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	switch k {
	case KindNetwork, KindCluster, KindNamespace, KindWorkload, KindRelease, KindCustom:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// NamespaceScoped reports whether resources of this kind live inside a
// namespace, creating an implicit dependency on the node declaring it.
func (k ResourceKind) NamespaceScoped() bool {
	return k == KindWorkload || k == KindRelease || k == KindCustom
}

// KindDescriptor captures the per-kind behavior the orchestrator needs:
// readiness budgets, which specification fields are immutable (forcing a
// replace on change), which fields are output references to other nodes, and
// whether the kind supports blue/green identifiers during replace.
type KindDescriptor struct {
	// Kind is the resource kind this descriptor applies to.
	Kind ResourceKind

	// ReadinessTimeout is the default budget for the resource to report
	// healthy after a successful operation.
	ReadinessTimeout time.Duration

	// WaitsForReadiness is false for kinds that are usable as soon as the
	// provider call returns.
	WaitsForReadiness bool

	// ImmutablePaths are specification paths whose change cannot be applied
	// in place. A diff touching one of these forces a Replace.
	ImmutablePaths []string

	// OutputRefFields are specification fields whose value is interpreted as
	// a reference to another node's output ("<node>.<output>"). Each
	// reference becomes an explicit dependency edge.
	OutputRefFields []string

	// PublishesHandle is true for kinds whose completion publishes a
	// provider handle consumed by downstream nodes.
	PublishesHandle bool

	// BlueGreen is true when the kind supports distinct old/new identifiers
	// during replace, allowing create-before-delete.
	BlueGreen bool
}

// kindTable is the per-kind descriptor table. Readiness defaults reflect the
// provisioning latency of each kind: minutes for managed clusters, seconds
// for namespaces.
var kindTable = map[ResourceKind]KindDescriptor{
	KindNetwork: {
		Kind:              KindNetwork,
		ReadinessTimeout:  5 * time.Minute,
		WaitsForReadiness: true,
		ImmutablePaths:    []string{"cidrBlock", "region"},
		OutputRefFields:   nil,
	},
	KindCluster: {
		Kind:              KindCluster,
		ReadinessTimeout:  20 * time.Minute,
		WaitsForReadiness: true,
		ImmutablePaths:    []string{"vpcId", "version.major"},
		OutputRefFields:   []string{"vpcId", "subnetIds"},
		PublishesHandle:   true,
	},
	KindNamespace: {
		Kind:              KindNamespace,
		ReadinessTimeout:  30 * time.Second,
		WaitsForReadiness: false,
		ImmutablePaths:    []string{"name"},
	},
	KindWorkload: {
		Kind:              KindWorkload,
		ReadinessTimeout:  2 * time.Minute,
		WaitsForReadiness: true,
		ImmutablePaths:    []string{"name", "selector"},
		OutputRefFields:   []string{"image", "configFrom"},
		BlueGreen:         false,
	},
	KindRelease: {
		Kind:              KindRelease,
		ReadinessTimeout:  5 * time.Minute,
		WaitsForReadiness: true,
		ImmutablePaths:    []string{"chart.name"},
		OutputRefFields:   []string{"values.clusterRef"},
	},
	KindCustom: {
		Kind:              KindCustom,
		ReadinessTimeout:  2 * time.Minute,
		WaitsForReadiness: true,
		ImmutablePaths:    []string{"apiVersion", "name"},
		OutputRefFields:   []string{"issuerRef"},
	},
}

// DescriptorFor returns the descriptor for a resource kind.
func DescriptorFor(kind ResourceKind) (KindDescriptor, error) {
	d, ok := kindTable[kind]
	if !ok {
		return KindDescriptor{}, NewError(ErrValidation,
			fmt.Sprintf("no descriptor for resource kind %q", kind), nil)
	}
	return d, nil
}

// ReadinessTimeoutFor returns the readiness budget for a kind, preferring a
// caller override when one is configured.
func ReadinessTimeoutFor(kind ResourceKind, overrides map[ResourceKind]time.Duration) time.Duration {
	if overrides != nil {
		if d, ok := overrides[kind]; ok {
			return d
		}
	}
	if d, ok := kindTable[kind]; ok {
		return d.ReadinessTimeout
	}
	return time.Minute
}
