package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(nil)
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.PlanPath() != DefaultPlanFile {
		t.Errorf("plan path = %q, want %q", cfg.PlanPath(), DefaultPlanFile)
	}
	if cfg.Deploy.Mode != "all" {
		t.Errorf("deploy mode = %q, want all", cfg.Deploy.Mode)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("log = %+v, want info/console", cfg.Log)
	}
	if cfg.ScriptsDir() != "." {
		t.Errorf("scripts dir = %q, want .", cfg.ScriptsDir())
	}
}

func TestLoadLocalFile(t *testing.T) {
	path := writeConfig(t, "strata.yaml", `
project: flipr
uri: https://flipr.example.com/
plan_file: db/strata.plan
script_dir: db
variables:
  schema: app
targets:
  dev:
    engine: sqlite
    uri: ./dev.db
    registry: ./dev.registry.db
  prod:
    engine: shell
    uri: db:pg://prod
    client: psql
    options:
      args: -q
target: dev
committer:
  name: Ada Li
  email: ada@example.com
`)

	cfg, err := loadFrom([]string{path})
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.Project != "flipr" {
		t.Errorf("project = %q", cfg.Project)
	}
	if cfg.PlanPath() != "db/strata.plan" || cfg.ScriptsDir() != "db" {
		t.Errorf("plan = %q, scripts = %q", cfg.PlanPath(), cfg.ScriptsDir())
	}
	if cfg.Variables["schema"] != "app" {
		t.Errorf("variables = %v", cfg.Variables)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("targets = %v", cfg.Targets)
	}

	dev, err := cfg.TargetNamed("")
	if err != nil {
		t.Fatalf("default target: %v", err)
	}
	if dev.Engine != "sqlite" || dev.RegistryPath() != "./dev.registry.db" {
		t.Errorf("dev = %+v", dev)
	}

	prod, err := cfg.TargetNamed("prod")
	if err != nil {
		t.Fatalf("prod target: %v", err)
	}
	if prod.Client != "psql" || prod.Options["args"] != "-q" {
		t.Errorf("prod = %+v", prod)
	}
	if prod.RegistryPath() != DefaultRegistryFile {
		t.Errorf("prod registry = %q", prod.RegistryPath())
	}

	if _, err := cfg.TargetNamed("staging"); err == nil || !strings.Contains(err.Error(), `unknown target "staging"`) {
		t.Errorf("err = %v", err)
	}
}

func TestLayeredMerge(t *testing.T) {
	system := writeConfig(t, "system.yaml", `
project: fromsystem
log:
  level: debug
`)
	local := writeConfig(t, "strata.yaml", `
project: fromlocal
`)

	cfg, err := loadFrom([]string{system, local})
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.Project != "fromlocal" {
		t.Errorf("project = %q, want the local layer to win", cfg.Project)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want the system layer to persist", cfg.Log.Level)
	}
}

func TestMissingLayersSkipped(t *testing.T) {
	local := writeConfig(t, "strata.yaml", "project: flipr\n")

	cfg, err := loadFrom([]string{"/no/such/system.yaml", local})
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.Project != "flipr" {
		t.Errorf("project = %q", cfg.Project)
	}
}

func TestEnvOverride(t *testing.T) {
	local := writeConfig(t, "strata.yaml", `
project: fromfile
deploy:
  mode: tag
`)
	t.Setenv("STRATA_PROJECT", "fromenv")
	t.Setenv("STRATA_DEPLOY_MODE", "change")

	cfg, err := loadFrom([]string{local})
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}
	if cfg.Project != "fromenv" {
		t.Errorf("project = %q, want env to win", cfg.Project)
	}
	if cfg.Deploy.Mode != "change" {
		t.Errorf("deploy mode = %q, want env to win", cfg.Deploy.Mode)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad engine", "targets:\n  dev:\n    engine: oracle\n    uri: x\n"},
		{"missing uri", "targets:\n  dev:\n    engine: sqlite\n"},
		{"bad deploy mode", "deploy:\n  mode: sometimes\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad email", "committer:\n  email: not-an-email\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "strata.yaml", tt.yaml)
			_, err := loadFrom([]string{path})
			if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
				t.Errorf("err = %v, want invalid configuration", err)
			}
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	path := writeConfig(t, "strata.yaml", "project: [\n")
	if _, err := loadFrom([]string{path}); err == nil || !strings.Contains(err.Error(), "failed to load") {
		t.Errorf("err = %v, want load failure", err)
	}
}

func TestTargetNamedWithoutDefault(t *testing.T) {
	path := writeConfig(t, "strata.yaml", `
targets:
  dev:
    engine: sqlite
    uri: ./dev.db
`)
	cfg, err := loadFrom([]string{path})
	if err != nil {
		t.Fatalf("loadFrom failed: %v", err)
	}

	// A single target is chosen even without a default.
	tgt, err := cfg.TargetNamed("")
	if err != nil {
		t.Fatalf("TargetNamed failed: %v", err)
	}
	if tgt.URI != "./dev.db" {
		t.Errorf("target = %+v", tgt)
	}

	cfg.Targets["prod"] = Target{Engine: "sqlite", URI: "./prod.db"}
	if _, err := cfg.TargetNamed(""); err == nil || !strings.Contains(err.Error(), "no target specified") {
		t.Errorf("err = %v, want no target specified", err)
	}
}
