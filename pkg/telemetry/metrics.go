package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics provides Prometheus metrics for strata.
//
// Because strata runs as a short-lived command, metrics are collected in a
// private registry and pushed to a Prometheus push gateway when the command
// finishes. With no gateway configured the collectors still work but Push
// is a no-op, which keeps call sites unconditional.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsRun     *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Change metrics
	changesDeployed *prometheus.CounterVec
	changesReverted *prometheus.CounterVec
	changesFailed   *prometheus.CounterVec
	scriptDuration  *prometheus.HistogramVec

	// Verification metrics
	verifyFailures *prometheus.CounterVec

	// Registry metrics
	lockContention *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

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

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Operation metrics
		operationsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of deploy, revert, and verify operations",
			},
			[]string{"operation", "target", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),

		// Change metrics
		changesDeployed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_deployed_total",
				Help:      "Total number of changes deployed",
			},
			[]string{"project", "target"},
		),
		changesReverted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_reverted_total",
				Help:      "Total number of changes reverted",
			},
			[]string{"project", "target"},
		),
		changesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_failed_total",
				Help:      "Total number of change scripts that failed",
			},
			[]string{"project", "target", "operation"},
		),
		scriptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "script_duration_seconds",
				Help:      "Duration of change script execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "engine"},
		),

		// Verification metrics
		verifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_failures_total",
				Help:      "Total number of verify script failures",
			},
			[]string{"project", "target"},
		),

		// Registry metrics
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_lock_contention_total",
				Help:      "Total number of registry lock acquisitions refused",
			},
			[]string{"target"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.operationsRun,
		m.operationDuration,
		m.changesDeployed,
		m.changesReverted,
		m.changesFailed,
		m.scriptDuration,
		m.verifyFailures,
		m.lockContention,
		m.errorsByClass,
	)

	return m, nil
}

// Operation Metrics

// RecordOperation records a completed operation with its status and duration.
func (m *Metrics) RecordOperation(operation, target, status string, duration time.Duration) {
	if m.operationsRun == nil {
		return
	}
	m.operationsRun.WithLabelValues(operation, target, status).Inc()
	m.operationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// Change Metrics

// RecordChangeDeployed increments the deployed changes counter.
func (m *Metrics) RecordChangeDeployed(project, target string) {
	if m.changesDeployed == nil {
		return
	}
	m.changesDeployed.WithLabelValues(project, target).Inc()
}

// RecordChangeReverted increments the reverted changes counter.
func (m *Metrics) RecordChangeReverted(project, target string) {
	if m.changesReverted == nil {
		return
	}
	m.changesReverted.WithLabelValues(project, target).Inc()
}

// RecordChangeFailed records a change script failure.
func (m *Metrics) RecordChangeFailed(project, target, operation string) {
	if m.changesFailed == nil {
		return
	}
	m.changesFailed.WithLabelValues(project, target, operation).Inc()
}

// RecordScriptExecution records the duration of a change script.
func (m *Metrics) RecordScriptExecution(operation, engine string, duration time.Duration) {
	if m.scriptDuration == nil {
		return
	}
	m.scriptDuration.WithLabelValues(operation, engine).Observe(duration.Seconds())
}

// Verification Metrics

// RecordVerifyFailure records a failed verify script.
func (m *Metrics) RecordVerifyFailure(project, target string) {
	if m.verifyFailures == nil {
		return
	}
	m.verifyFailures.WithLabelValues(project, target).Inc()
}

// Registry Metrics

// RecordLockContention records a refused registry lock acquisition.
func (m *Metrics) RecordLockContention(target string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(target).Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Gatherer exposes the underlying registry for testing and custom sinks.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Push sends the collected metrics to the configured push gateway.
// Metrics are grouped by instance so concurrent deploys from different
// hosts do not overwrite each other.
func (m *Metrics) Push(ctx context.Context) error {
	if m.registry == nil || m.config.PushGateway == "" {
		return nil
	}

	if m.config.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.PushTimeout)
		defer cancel()
	}

	instance, err := os.Hostname()
	if err != nil {
		instance = "unknown"
	}

	pusher := push.New(m.config.PushGateway, m.config.JobName).
		Gatherer(m.registry).
		Grouping("instance", instance)

	return pusher.AddContext(ctx)
}
