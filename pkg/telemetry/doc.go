// Package telemetry provides observability instrumentation for strata.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring and debugging schema change operations.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with OTLP and stdout exporters
//  3. Metrics Collection - Prometheus metrics pushed to a push gateway
//
// strata runs as a short-lived command rather than a long-running service,
// so metrics are accumulated in a private registry for the duration of the
// run and pushed to a Prometheus push gateway on shutdown. Tracing follows
// the same lifecycle: spans are batched in process and flushed when the
// command exits.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//	cfg.Metrics.PushGateway = "http://pushgateway:9091"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID(runID).WithChange("users")
//	logger.Info("deploying change")
//	logger.WithError(err).Error("deploy failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Each deploy, revert, or verify run produces a root span with child spans
// per change script and per driver call:
//
//	ctx, span := tel.Tracer.StartOperationSpan(ctx, "deploy", target, runID)
//	defer span.End()
//
// # Metrics
//
// Counters and histograms cover changes deployed and reverted, script
// failures, verify failures, operation durations, and registry lock
// contention. All metrics carry the configured namespace prefix and are
// grouped by job name and instance when pushed.
package telemetry
