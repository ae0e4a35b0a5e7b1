package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/strata-db/strata/pkg/config"
	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/graph"
	"github.com/strata-db/strata/pkg/plan"
	"github.com/strata-db/strata/pkg/policy"
	"github.com/strata-db/strata/pkg/registry"
)

// session wires the plan, registry, driver, policy gate, and engine for
// one target operation. Close releases everything in reverse order.
type session struct {
	plan     *plan.Plan
	name     string
	target   *config.Target
	registry *registry.Registry
	driver   engine.Driver
	gate     *policy.Engine
	engine   *engine.Engine
}

func newSession(ctx context.Context, args []string) (*session, error) {
	p, err := plan.ParseFile(cfg.PlanPath())
	if err != nil {
		return nil, err
	}

	name, target, reg, err := openTarget(ctx, args)
	if err != nil {
		return nil, err
	}

	drv, err := drivers.New(drivers.Config{
		Engine:   target.Engine,
		URI:      target.URI,
		Registry: reg,
		Client:   target.Client,
		Options:  target.Options,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	committerName, committerEmail := committer()
	opts := []engine.Option{
		engine.WithCommitter(committerName, committerEmail),
		engine.WithScriptDir(cfg.ScriptsDir()),
		engine.WithTarget(name),
		engine.WithConfirm(terminalConfirm),
		engine.WithLogger(log),
		engine.WithMetrics(tel.Metrics),
	}
	if len(cfg.Projects) > 0 {
		opts = append(opts, engine.WithLookup(projectLookup()))
	}

	var gate *policy.Engine
	if cfg.Policy.Dir != "" {
		gate, err = policy.NewEngine(log)
		if err == nil {
			err = gate.LoadDir(ctx, cfg.Policy.Dir)
		}
		if err != nil {
			drv.Close()
			reg.Close()
			return nil, err
		}
		opts = append(opts, engine.WithGate(gate))
	}

	return &session{
		plan:     p,
		name:     name,
		target:   target,
		registry: reg,
		driver:   drv,
		gate:     gate,
		engine:   engine.New(p, reg, drv, opts...),
	}, nil
}

func (s *session) Close() {
	if err := s.driver.Close(); err != nil {
		log.WithError(err).Debug("Failed to close driver")
	}
	if s.gate != nil {
		if err := s.gate.Close(); err != nil {
			log.WithError(err).Debug("Failed to close policy gate")
		}
	}
	if err := s.registry.Close(); err != nil {
		log.WithError(err).Debug("Failed to close registry")
	}
}

// openTarget resolves the target and opens its registry, for commands
// that inspect state without a driver.
func openTarget(ctx context.Context, args []string) (string, *config.Target, *registry.Registry, error) {
	name, target, err := resolveTarget(args)
	if err != nil {
		return "", nil, nil, err
	}

	reg, err := registry.New(registry.Config{Path: target.RegistryPath()})
	if err != nil {
		return "", nil, nil, err
	}
	if err := reg.Init(ctx); err != nil {
		return "", nil, nil, err
	}
	if err := reg.Migrate(ctx); err != nil {
		reg.Close()
		return "", nil, nil, err
	}
	return name, target, reg, nil
}

// resolveTarget picks the target: positional argument, then --target,
// then the configured default, then the only one defined.
func resolveTarget(args []string) (string, *config.Target, error) {
	name := targetName
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		name = cfg.Target
	}
	if name == "" && len(cfg.Targets) == 1 {
		for n := range cfg.Targets {
			name = n
		}
	}
	t, err := cfg.TargetNamed(name)
	if err != nil {
		return "", nil, err
	}
	return name, t, nil
}

// committer resolves the identity recorded with deploys and reverts,
// falling back to the OS user and hostname when unconfigured.
func committer() (string, string) {
	name, email := cfg.Committer.Name, cfg.Committer.Email
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "unknown"
	}
	if email == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		email = name + "@" + host
	}
	return name, email
}

// projectLookup resolves foreign project plans through the configured
// projects map, caching parses across changes.
func projectLookup() graph.ProjectLookup {
	cache := make(map[string]*plan.Plan)
	return func(project string) (*plan.Plan, error) {
		if p, ok := cache[project]; ok {
			return p, nil
		}
		path, ok := cfg.Projects[project]
		if !ok {
			return nil, fmt.Errorf("project %q has no plan file configured", project)
		}
		p, err := plan.ParseFile(path)
		if err != nil {
			return nil, err
		}
		cache[project] = p
		return p, nil
	}
}

// terminalConfirm asks on stdout and reads one line from stdin. Only an
// explicit yes proceeds; EOF counts as no.
func terminalConfirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// parseVars decodes repeated key=value flags.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q (expected key=value)", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

// mergedVars layers command-line variables over the configured ones.
func mergedVars(extra map[string]string) map[string]string {
	vars := make(map[string]string, len(cfg.Variables)+len(extra))
	for k, v := range cfg.Variables {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
