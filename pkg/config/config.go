// Package config loads strata configuration. Settings merge from the
// system file, the user file, and the local strata.yaml, in that order,
// with STRATA_* environment variables on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultPlanFile is the plan file name used when none is configured.
const DefaultPlanFile = "strata.plan"

// DefaultRegistryFile is the registry database used when a target does
// not name one.
const DefaultRegistryFile = "strata.registry.db"

// Config is the decoded configuration tree.
type Config struct {
	// Project is the project name, matching the plan's pragma.
	Project string `mapstructure:"project"`

	// URI is the project identity URI written into new plans.
	URI string `mapstructure:"uri"`

	// PlanFile is the plan location, default strata.plan.
	PlanFile string `mapstructure:"plan_file"`

	// ScriptDir holds deploy/, revert/, and verify/. Defaults to the
	// plan file's directory.
	ScriptDir string `mapstructure:"script_dir"`

	// Target names the default entry in Targets.
	Target string `mapstructure:"target"`

	// Targets maps target names to connection settings.
	Targets map[string]Target `mapstructure:"targets" validate:"dive"`

	// Projects maps foreign project names to their plan files, for
	// cross-project requires.
	Projects map[string]string `mapstructure:"projects"`

	// Variables are script variables applied to every operation.
	Variables map[string]string `mapstructure:"variables"`

	Committer Committer `mapstructure:"committer"`
	Deploy    Deploy    `mapstructure:"deploy"`
	Log       Log       `mapstructure:"log"`
	Policy    Policy    `mapstructure:"policy"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Target is one deployment target.
type Target struct {
	// Engine selects the driver.
	Engine string `mapstructure:"engine" validate:"required,oneof=sqlite shell remote"`

	// URI locates the target database. Its form is engine-specific: a
	// file path for sqlite, a client connection string otherwise.
	URI string `mapstructure:"uri" validate:"required"`

	// Registry is the local registry database path.
	Registry string `mapstructure:"registry"`

	// Client is the client command for shell and remote targets.
	Client string `mapstructure:"client"`

	// Options carry engine-specific settings (host, port, key, args).
	Options map[string]string `mapstructure:"options"`
}

// Committer identifies who runs operations, recorded in the registry.
type Committer struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email" validate:"omitempty,email"`
}

// Deploy holds deploy defaults.
type Deploy struct {
	// Mode is the checkpoint mode: change, tag, or all.
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=change tag all"`

	// Verify runs verify scripts after each change.
	Verify bool `mapstructure:"verify"`
}

// Log holds logging settings.
type Log struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=console json"`
}

// Policy holds deploy gate settings.
type Policy struct {
	// Dir is the directory of .rego policies. Empty disables the gate.
	Dir string `mapstructure:"dir"`

	// Watch reloads policies when files under Dir change.
	Watch bool `mapstructure:"watch"`
}

// Telemetry holds tracing and metrics settings.
type Telemetry struct {
	// OTLPEndpoint is the OTLP gRPC collector address. Empty selects
	// the stdout exporter when tracing is on.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// Tracing enables span export.
	Tracing bool `mapstructure:"tracing"`

	// PushGateway is the Prometheus push gateway URL. Empty disables
	// metric pushes.
	PushGateway string `mapstructure:"push_gateway"`
}

var validate = validator.New()

// Load reads the layered configuration. localPath overrides the local
// layer's location; empty means ./strata.yaml. Missing layers are
// skipped.
func Load(localPath string) (*Config, error) {
	return loadFrom(layers(localPath))
}

func loadFrom(paths []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// layers lists the merge order: system, then user, then local.
func layers(localPath string) []string {
	paths := []string{"/etc/strata/config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "strata", "config.yaml"))
	}
	if localPath == "" {
		localPath = "strata.yaml"
	}
	return append(paths, localPath)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project", "")
	v.SetDefault("uri", "")
	v.SetDefault("plan_file", DefaultPlanFile)
	v.SetDefault("script_dir", "")
	v.SetDefault("target", "")
	v.SetDefault("committer.name", "")
	v.SetDefault("committer.email", "")
	v.SetDefault("deploy.mode", "all")
	v.SetDefault("deploy.verify", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("policy.dir", "")
	v.SetDefault("policy.watch", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.push_gateway", "")
}

// TargetNamed resolves a target by name. An empty name falls back to
// the configured default, or to the only target when exactly one is
// defined.
func (c *Config) TargetNamed(name string) (*Target, error) {
	if name == "" {
		name = c.Target
	}
	if name == "" {
		if len(c.Targets) == 1 {
			for n := range c.Targets {
				name = n
			}
		} else {
			return nil, fmt.Errorf("no target specified and no default configured")
		}
	}
	t, ok := c.Targets[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return &t, nil
}

// RegistryPath returns the target's registry database location.
func (t *Target) RegistryPath() string {
	if t.Registry != "" {
		return t.Registry
	}
	return DefaultRegistryFile
}

// PlanPath returns the configured plan file location.
func (c *Config) PlanPath() string {
	if c.PlanFile != "" {
		return c.PlanFile
	}
	return DefaultPlanFile
}

// ScriptsDir returns the script root, defaulting to the plan file's
// directory.
func (c *Config) ScriptsDir() string {
	if c.ScriptDir != "" {
		return c.ScriptDir
	}
	return filepath.Dir(c.PlanPath())
}
