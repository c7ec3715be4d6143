// Package telemetry provides observability instrumentation for Loom.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring orchestration passes.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithNodeID("vpc")
//	logger.Info("provisioning resource")
//	logger.WithError(err).Error("provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Metrics
//
// The Metrics type satisfies the engine's Observer contract, so wiring it
// into the orchestrator records node execution, provider calls, and
// readiness waits without the engine importing this package:
//
//	orch, err := engine.NewOrchestrator(reg, providers,
//	    engine.WithObserver(tel.Metrics))
//
// Key metrics exposed:
//
//	loom_runs_started_total{direction}
//	loom_runs_completed_total{direction,status}
//	loom_nodes_executed_total{kind,op,status}
//	loom_node_duration_seconds{kind,op}
//	loom_provider_calls_total{kind,operation}
//	loom_provider_errors_total{kind,operation}
//	loom_readiness_wait_seconds{kind}
//	loom_readiness_timeouts_total{kind}
//	loom_resources_managed{kind,status}
//
// Metrics are exposed via HTTP at /metrics (default :9090/metrics).
//
// # Distributed Tracing
//
// Tracing provides visibility into pass execution:
//
//	ctx, span := tel.Tracer.StartPassSpan(ctx, runID, "apply")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: otlp (production), stdout (development), none
// (testing). Configure via TracingConfig.Exporter and TracingConfig.Endpoint.
//
// # Configuration
//
// Pre-configured setups exist for common environments:
//
//	cfg := telemetry.DevelopmentConfig() // verbose console logs, caller info
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, sampling
//
// Always shut down gracefully so pending spans are flushed:
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
package telemetry
