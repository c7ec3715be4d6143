// Package sim provides an in-memory simulated provider for every resource
// kind the engine manages.
//
// The simulated provider backs `loom` dev mode and the test suites: it keeps
// each resource's external state in a map, synthesizes per-kind outputs
// (vpcId and subnetIds for networks, endpoint and kubeconfig for clusters),
// and publishes a connection handle when a cluster completes, so a full
// network -> cluster -> namespace -> workload stack converges without any
// real cloud behind it.
//
// Behavior is scriptable for deterministic tests:
//
//	p, err := sim.RegisterAll(providers,
//	    sim.WithLatency(10*time.Millisecond),
//	    sim.WithReadyAfter("cluster", 5),
//	    sim.WithFailure("create", "vpc", errors.New("quota exceeded")),
//	)
//
// Injected failures are classified as transient provider failures unless the
// injected error already carries a classification.
package sim
