package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomctl/loom/pkg/engine"
)

// Metrics provides Prometheus metrics for Loom. It satisfies the engine's
// Observer contract so the executor can record node and provider activity
// without importing this package.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Readiness metrics
	readinessWait     *prometheus.HistogramVec
	readinessTimeouts *prometheus.CounterVec

	// Resource metrics
	resourcesManaged *prometheus.GaugeVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of orchestration passes started",
			},
			[]string{"direction"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of orchestration passes completed",
			},
			[]string{"direction", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of orchestration passes in seconds",
				Buckets:   buckets,
			},
			[]string{"direction", "status"},
		),

		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of resource nodes executed",
			},
			[]string{"kind", "op", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "op"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider operations",
			},
			[]string{"kind", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider operations",
			},
			[]string{"kind", "operation"},
		),

		readinessWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting on readiness conditions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		readinessTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_timeouts_total",
				Help:      "Total number of readiness budget exhaustions",
			},
			[]string{"kind"},
		),

		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of managed resource nodes",
			},
			[]string{"kind", "status"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of in-flight passes",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.readinessWait,
		m.readinessTimeouts,
		m.resourcesManaged,
		m.activeRuns,
	)

	return m, nil
}

// NodeExecuted records one node's terminal status for a pass.
func (m *Metrics) NodeExecuted(kind engine.ResourceKind, op engine.DiffOp, status engine.NodeStatus, elapsed time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(string(kind), string(op), string(status)).Inc()
	m.nodeDuration.WithLabelValues(string(kind), string(op)).Observe(elapsed.Seconds())
}

// ProviderCall records one external provider invocation.
func (m *Metrics) ProviderCall(kind engine.ResourceKind, operation string, elapsed time.Duration, err error) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(string(kind), operation).Inc()
	m.providerDuration.WithLabelValues(string(kind), operation).Observe(elapsed.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(string(kind), operation).Inc()
	}
}

// ReadinessWait records time spent waiting on a readiness condition.
func (m *Metrics) ReadinessWait(kind engine.ResourceKind, elapsed time.Duration, timedOut bool) {
	if m.readinessWait == nil {
		return
	}
	m.readinessWait.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	if timedOut {
		m.readinessTimeouts.WithLabelValues(string(kind)).Inc()
	}
}

// RecordRunStarted increments the counter for started passes.
func (m *Metrics) RecordRunStarted(direction engine.Direction) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(string(direction)).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed pass with its status and duration.
func (m *Metrics) RecordRunCompleted(direction engine.Direction, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(direction), status).Inc()
	m.runDuration.WithLabelValues(string(direction), status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// SetResourceCount sets the current count of managed resource nodes.
func (m *Metrics) SetResourceCount(kind engine.ResourceKind, status engine.NodeStatus, count float64) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(string(kind), string(status)).Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
