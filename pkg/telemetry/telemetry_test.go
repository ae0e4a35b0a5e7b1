package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "exporter"},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling rate"},
		{"push without job", func(c *Config) { c.Metrics.PushGateway = "http://pg:9091"; c.Metrics.JobName = "" }, "job name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerFieldChaining(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	// Chained builders must not panic and must return distinct loggers.
	child := logger.NewComponentLogger("engine").
		WithRunID("run-1").
		WithChange("users").
		WithTarget("prod", "sqlite")
	if child == logger {
		t.Error("expected a child logger, got the same instance")
	}
	child.Debug("chained fields")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these may panic on the no-op instance.
	m.RecordOperation("deploy", "prod", "success", time.Second)
	m.RecordChangeDeployed("flipr", "prod")
	m.RecordChangeReverted("flipr", "prod")
	m.RecordChangeFailed("flipr", "prod", "deploy")
	m.RecordScriptExecution("deploy", "sqlite", time.Millisecond)
	m.RecordVerifyFailure("flipr", "prod")
	m.RecordLockContention("prod")
	m.RecordError("script_execution")

	if err := m.Push(context.Background()); err != nil {
		t.Errorf("Push on disabled metrics should be a no-op, got %v", err)
	}
}

func TestMetricsCollectAndGather(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "strata"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordChangeDeployed("flipr", "prod")
	m.RecordChangeDeployed("flipr", "prod")
	m.RecordOperation("deploy", "prod", "success", 2*time.Second)

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	byName := make(map[string]bool)
	for _, fam := range families {
		byName[fam.GetName()] = true
	}
	if !byName["strata_changes_deployed_total"] {
		t.Error("expected strata_changes_deployed_total to be collected")
	}
	if !byName["strata_operation_duration_seconds"] {
		t.Error("expected strata_operation_duration_seconds to be collected")
	}

	// Push with no gateway configured stays local.
	if err := m.Push(context.Background()); err != nil {
		t.Errorf("Push without gateway should be a no-op, got %v", err)
	}
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	if d := timer.Duration(); d < 5*time.Millisecond {
		t.Errorf("Duration() = %v, want at least 5ms", d)
	}
}
