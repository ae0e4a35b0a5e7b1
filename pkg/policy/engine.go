package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/telemetry"
)

// Engine compiles and evaluates policies. It implements engine.Gate,
// so an Engine can be handed straight to engine.WithGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   *telemetry.Logger
	loader   *Loader
	dirs     []string
}

var _ engine.Gate = (*Engine)(nil)

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.NewComponentLogger("policy"),
		loader:   NewLoader(logger),
	}

	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// LoadDir compiles every .rego and .json policy under dir and remembers
// the directory for reloads.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	policies, err := e.loader.LoadFromPaths(ctx, []string{dir})
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.dirs = append(e.dirs, dir)
	e.logger.WithField("dir", dir).WithField("count", len(policies)).Info("policies loaded")

	return nil
}

// Check evaluates all enabled policies against the operation. Advisory
// violations are logged; blocking ones come back as a *DeniedError.
func (e *Engine) Check(ctx context.Context, op *engine.OperationSummary) error {
	result, err := e.Evaluate(ctx, op)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.
			WithField("policy", w.Policy).
			WithField("severity", string(w.Severity)).
			Warn(w.Message)
	}

	if !result.Allowed {
		return &DeniedError{Violations: result.Violations}
	}

	return nil
}

// Evaluate runs every enabled policy against the operation and splits
// the violations into blocking and advisory.
func (e *Engine) Evaluate(ctx context.Context, op *engine.OperationSummary) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	input := &Input{
		Operation: op,
		Context:   &EvalContext{Timestamp: start},
	}

	result := &Result{EvaluatedAt: start}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			// A policy that fails at evaluation time must not brick
			// deploys. Compile already rejected unparseable ones.
			e.logger.WithError(err).WithField("policy", name).Error("policy evaluation failed")
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Allowed = len(result.Violations) == 0
	result.Duration = time.Since(start)

	e.logger.
		WithField("operation", op.Operation).
		WithField("violations", len(result.Violations)).
		WithField("warnings", len(result.Warnings)).
		Debug("policy evaluation completed")

	return result, nil
}

// evaluatePolicy runs a single prepared deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, raw := range denySet {
				violations = append(violations, violationFrom(cp.policy, raw, input.Context.Timestamp))
			}
		}
	}

	return violations, nil
}

// violationFrom converts a deny set element into a Violation.
func violationFrom(p *Policy, raw interface{}, detectedAt time.Time) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: detectedAt,
	}

	switch val := raw.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if change, ok := val["change"].(string); ok {
			v.Change = change
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}

	return v
}

// compile parses the policy, prepares its deny query, and stores it.
// Callers hold e.mu.
func (e *Engine) compile(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", p.Name).Debug("policy compiled")

	return nil
}

// loadBuiltins compiles the built-in policies. Callers hold e.mu or own
// the engine exclusively.
func (e *Engine) loadBuiltins(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compile(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// sortedNames returns policy names in evaluation order. Callers hold
// e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReloadPolicies drops everything and recompiles the built-ins plus
// every directory loaded so far, bypassing the loader cache.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loader.ClearCache()
	e.policies = make(map[string]*compiledPolicy)

	if err := e.loadBuiltins(ctx); err != nil {
		return err
	}

	for _, dir := range e.dirs {
		policies, err := e.loader.LoadFromPaths(ctx, []string{dir})
		if err != nil {
			return fmt.Errorf("failed to reload %s: %w", dir, err)
		}
		for i := range policies {
			if err := e.compile(ctx, &policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
	}

	return nil
}

// Watch reloads the loaded directories whenever a policy file changes.
// It returns once watching is set up; reloads happen in the background
// until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	dirs := make([]string, len(e.dirs))
	copy(dirs, e.dirs)

	return e.loader.Watch(ctx, dirs, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

// replaceLoaded swaps the directory-loaded policies for a fresh set. A
// policy that no longer compiles is skipped so one typo does not take
// the gate down mid-watch.
func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)

	if err := e.loadBuiltins(ctx); err != nil {
		return err
	}

	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			e.logger.WithError(err).WithField("policy", policies[i].Name).Error("skipping policy that failed to compile")
			continue
		}
	}

	return nil
}

// Close stops any file watching started by Watch.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
