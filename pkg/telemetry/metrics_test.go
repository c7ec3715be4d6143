package telemetry

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/loomctl/loom/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "loom",
	})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

// gather returns the metric family with the given name, or nil.
func gather(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNodeExecutionRecorded(t *testing.T) {
	m := newTestMetrics(t)

	m.NodeExecuted(engine.KindNetwork, engine.OpCreate, engine.StatusReady, 50*time.Millisecond)
	m.NodeExecuted(engine.KindCluster, engine.OpCreate, engine.StatusFailed, 10*time.Millisecond)

	f := gather(t, m, "loom_nodes_executed_total")
	if f == nil {
		t.Fatal("nodes_executed_total not registered")
	}
	if len(f.GetMetric()) != 2 {
		t.Errorf("expected two label combinations, got %d", len(f.GetMetric()))
	}
}

func TestProviderCallsAndErrors(t *testing.T) {
	m := newTestMetrics(t)

	m.ProviderCall(engine.KindNetwork, "create", 5*time.Millisecond, nil)
	m.ProviderCall(engine.KindNetwork, "create", 5*time.Millisecond, errors.New("boom"))

	calls := gather(t, m, "loom_provider_calls_total")
	if calls == nil || calls.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("expected two provider calls: %v", calls)
	}
	errs := gather(t, m, "loom_provider_errors_total")
	if errs == nil || errs.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("expected one provider error: %v", errs)
	}
}

func TestReadinessTimeoutCounted(t *testing.T) {
	m := newTestMetrics(t)

	m.ReadinessWait(engine.KindCluster, time.Second, false)
	m.ReadinessWait(engine.KindCluster, time.Second, true)

	timeouts := gather(t, m, "loom_readiness_timeouts_total")
	if timeouts == nil || timeouts.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("expected one readiness timeout: %v", timeouts)
	}
}

func TestRunLifecycleMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunStarted(engine.DirectionApply)
	active := gather(t, m, "loom_active_runs")
	if active == nil || active.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("expected one active run: %v", active)
	}

	m.RecordRunCompleted(engine.DirectionApply, "completed", 2*time.Second)
	active = gather(t, m, "loom_active_runs")
	if active.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Errorf("active runs should drop back to zero: %v", active)
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create disabled metrics: %v", err)
	}

	// None of these should panic.
	m.NodeExecuted(engine.KindNetwork, engine.OpCreate, engine.StatusReady, time.Second)
	m.ProviderCall(engine.KindNetwork, "create", time.Second, nil)
	m.ReadinessWait(engine.KindCluster, time.Second, true)
	m.RecordRunStarted(engine.DirectionApply)
	m.RecordRunCompleted(engine.DirectionApply, "completed", time.Second)
	m.SetResourceCount(engine.KindNetwork, engine.StatusReady, 3)
}

func TestMetricsSatisfiesObserver(t *testing.T) {
	var _ engine.Observer = newTestMetrics(t)
}
