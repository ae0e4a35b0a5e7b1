package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-db/strata/pkg/graph"
	"github.com/strata-db/strata/pkg/plan"
	"github.com/strata-db/strata/pkg/registry"
	"github.com/strata-db/strata/pkg/telemetry"
)

// scriptExt is the file extension of change scripts.
const scriptExt = ".sql"

// Engine applies and unapplies plan entries against one registry
// through one driver. Construct one per operation; instances are not
// shared between targets.
type Engine struct {
	plan     *plan.Plan
	registry *registry.Registry
	driver   Driver
	lookup   graph.ProjectLookup

	// mu serializes mutating operations; verify takes the read side.
	mu sync.RWMutex

	stateMu sync.Mutex
	state   State

	target         string
	scriptDir      string
	committerName  string
	committerEmail string

	deployVars map[string]string
	revertVars map[string]string

	verify   bool
	noPrompt bool
	confirm  ConfirmFunc
	gate     Gate

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCommitter sets the identity recorded on registry rows and events.
func WithCommitter(name, email string) Option {
	return func(e *Engine) {
		e.committerName = name
		e.committerEmail = email
	}
}

// WithScriptDir sets the directory holding the deploy, revert, and
// verify script trees. Defaults to the plan file's directory.
func WithScriptDir(dir string) Option {
	return func(e *Engine) { e.scriptDir = dir }
}

// WithTarget names the deployment target for logs and metrics.
func WithTarget(name string) Option {
	return func(e *Engine) { e.target = name }
}

// WithLookup sets the foreign-project plan lookup used to resolve
// project:name references.
func WithLookup(l graph.ProjectLookup) Option {
	return func(e *Engine) { e.lookup = l }
}

// WithConfirm injects the confirmation hook for destructive reverts.
func WithConfirm(fn ConfirmFunc) Option {
	return func(e *Engine) { e.confirm = fn }
}

// WithGate installs a policy gate consulted before mutations.
func WithGate(g Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithLogger sets the engine's logger. Without it the engine uses the
// logger carried by the operation context.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an engine bound to one plan, one registry, and one
// driver.
func New(p *plan.Plan, reg *registry.Registry, drv Driver, opts ...Option) *Engine {
	e := &Engine{
		plan:       p,
		registry:   reg,
		driver:     drv,
		state:      StateIdle,
		deployVars: make(map[string]string),
		revertVars: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scriptDir == "" {
		e.scriptDir = filepath.Dir(p.File())
	}
	if e.target == "" {
		e.target = reg.Path()
	}
	return e
}

// Plan returns the plan the engine is bound to.
func (e *Engine) Plan() *plan.Plan { return e.plan }

// State returns the engine's current operational state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// SetVariables merges key/value substitutions into the named scope's
// script variables.
func (e *Engine) SetVariables(scope string, vars map[string]string) error {
	var dst map[string]string
	switch scope {
	case ScopeDeploy:
		dst = e.deployVars
	case ScopeRevert:
		dst = e.revertVars
	default:
		return fmt.Errorf("unknown variable scope: %q", scope)
	}
	for k, v := range vars {
		dst[k] = v
	}
	return nil
}

// WithVerify toggles verify-script execution after each deployed change.
func (e *Engine) WithVerify(v bool) *Engine {
	e.verify = v
	return e
}

// NoPrompt disables the confirmation hook for destructive reverts.
func (e *Engine) NoPrompt(v bool) *Engine {
	e.noPrompt = v
	return e
}

func (e *Engine) log(ctx context.Context) *telemetry.Logger {
	if e.logger != nil {
		return e.logger
	}
	return telemetry.FromContext(ctx)
}

// Deploy applies not-yet-deployed changes in plan order, up to and
// including the change `to` resolves to, or the whole plan when `to`
// is empty. mode sets the registry checkpoint granularity. With
// logOnly the registry is written but no script runs.
func (e *Engine) Deploy(ctx context.Context, to string, mode Mode, logOnly bool) (rep *DeployReport, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == "" {
		mode = ModeAll
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	start := time.Now()
	ctx = telemetry.WithOperationContext(ctx, "deploy", e.target, runID)
	log := e.log(ctx).WithRunID(runID)

	rep = &DeployReport{RunID: runID, Project: e.plan.Project(), Mode: mode, LogOnly: logOnly}
	e.setState(StateDeploying)
	defer func() {
		rep.Duration = time.Since(start)
		status := "success"
		if err != nil {
			status = "failure"
			e.setState(StateFailed)
			if e.metrics != nil {
				e.metrics.RecordError(Classify(err))
			}
		} else {
			e.setState(StateIdle)
		}
		telemetry.EndOperationContext(ctx, "deploy", e.target, status, err)
	}()

	g, deployed, err := e.validate(ctx)
	if err != nil {
		return rep, err
	}

	// Resolve the span of changes to apply.
	end := e.plan.NumChanges() - 1
	if to != "" {
		c, ok := e.plan.GetChange(to)
		if !ok {
			return rep, fmt.Errorf("unknown change: %q", to)
		}
		end = e.plan.ChangeIndex(c.ID)
	}
	if end < len(deployed) {
		log.Info("nothing to deploy; target already satisfied")
		return rep, nil
	}
	span := make([]*plan.Change, 0, end+1-len(deployed))
	for i := len(deployed); i <= end; i++ {
		span = append(span, e.plan.ChangeAt(i))
	}

	if err := e.checkConflicts(ctx, g, span); err != nil {
		return rep, err
	}
	if err := e.checkForeignRequires(ctx, g, span); err != nil {
		return rep, err
	}
	if e.gate != nil {
		if err := e.gate.Check(ctx, e.summary("deploy", mode, logOnly, span)); err != nil {
			return rep, err
		}
	}

	if err := e.acquireLock(ctx, runID); err != nil {
		return rep, err
	}
	defer e.releaseLock(ctx, runID)

	if err := e.registry.EnsureProject(ctx, e.plan.Project(), e.plan.URI(), e.committerName, e.committerEmail); err != nil {
		return rep, fmt.Errorf("failed to register project: %w", err)
	}

	log.Infof("deploying %d changes to %s", len(span), e.target)

	// The in-flight change always runs to completion; cancellation is
	// honored at change boundaries only.
	wctx := context.WithoutCancel(ctx)
	open := false
	var pending []string
	for i, c := range span {
		if cerr := ctx.Err(); cerr != nil {
			if open {
				_ = e.driver.Rollback(wctx)
			}
			return rep, fmt.Errorf("deploy interrupted: %w", cerr)
		}

		if !open {
			if berr := e.driver.Begin(wctx); berr != nil {
				return rep, fmt.Errorf("failed to begin transaction: %w", berr)
			}
			open = true
		}

		if aerr := e.applyChange(wctx, g, c, runID, logOnly); aerr != nil {
			_ = e.driver.Rollback(wctx)
			e.recordFailure(wctx, c, runID)
			if e.metrics != nil {
				e.metrics.RecordChangeFailed(rep.Project, e.target, "deploy")
			}
			return rep, aerr
		}

		// The report lists only changes whose checkpoint committed; a
		// later rollback must not leave phantom entries behind.
		pending = append(pending, c.NameWithTags())
		if e.checkpoint(mode, c, i == len(span)-1) {
			if cerr := e.driver.Commit(wctx); cerr != nil {
				_ = e.driver.Rollback(wctx)
				return rep, fmt.Errorf("failed to commit change %s: %w", c.Name, cerr)
			}
			open = false
			rep.Deployed = append(rep.Deployed, pending...)
			pending = nil
		}

		if e.metrics != nil {
			e.metrics.RecordChangeDeployed(rep.Project, e.target)
		}
		log.WithChange(c.NameWithTags()).Info("deployed")
	}

	return rep, nil
}

// Revert undoes deployed changes strictly after the change `to`
// resolves to, in reverse deploy order, checkpointing the registry per
// change. Empty `to` reverts everything. The target change itself
// stays deployed.
func (e *Engine) Revert(ctx context.Context, to string, logOnly bool) (rep *RevertReport, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := uuid.New().String()
	start := time.Now()
	ctx = telemetry.WithOperationContext(ctx, "revert", e.target, runID)
	log := e.log(ctx).WithRunID(runID)

	rep = &RevertReport{RunID: runID, Project: e.plan.Project(), LogOnly: logOnly}
	e.setState(StateReverting)
	defer func() {
		rep.Duration = time.Since(start)
		status := "success"
		if err != nil {
			status = "failure"
			e.setState(StateFailed)
			if e.metrics != nil {
				e.metrics.RecordError(Classify(err))
			}
		} else {
			e.setState(StateIdle)
		}
		telemetry.EndOperationContext(ctx, "revert", e.target, status, err)
	}()

	if err := e.plan.VerifyChain(); err != nil {
		return rep, err
	}
	deployed, err := e.deployedPrefix(ctx)
	if err != nil {
		return rep, err
	}

	// Resolve the cut: the first deployed change to revert.
	cut := 0
	if to != "" {
		idx := e.deployedIndex(deployed, to)
		if idx < 0 {
			return rep, &NotDeployedError{Target: to}
		}
		cut = idx + 1
	}
	if cut >= len(deployed) {
		log.Info("nothing to revert")
		return rep, nil
	}
	span := deployed[cut:]

	// The registry prefix invariant lets plan positions stand in for
	// the deployed records.
	changes := make([]*plan.Change, len(span))
	for i := range span {
		changes[i] = e.plan.ChangeAt(cut + i)
	}

	if err := e.checkDependents(ctx, span); err != nil {
		return rep, err
	}

	if !e.noPrompt && len(span) > 1 && e.confirm != nil {
		prompt := fmt.Sprintf("Revert all %d changes from %s?", len(span), e.target)
		if to != "" {
			prompt = fmt.Sprintf("Revert %d changes to %s from %s?", len(span), to, e.target)
		}
		ok, perr := e.confirm(prompt)
		if perr != nil {
			return rep, fmt.Errorf("confirmation failed: %w", perr)
		}
		if !ok {
			return rep, ErrAborted
		}
	}

	if e.gate != nil {
		if err := e.gate.Check(ctx, e.summary("revert", "", logOnly, changes)); err != nil {
			return rep, err
		}
	}

	if err := e.acquireLock(ctx, runID); err != nil {
		return rep, err
	}
	defer e.releaseLock(ctx, runID)

	log.Infof("reverting %d changes from %s", len(span), e.target)

	wctx := context.WithoutCancel(ctx)
	for i := len(changes) - 1; i >= 0; i-- {
		if cerr := ctx.Err(); cerr != nil {
			return rep, fmt.Errorf("revert interrupted: %w", cerr)
		}

		c, r := changes[i], span[i]
		if berr := e.driver.Begin(wctx); berr != nil {
			return rep, fmt.Errorf("failed to begin transaction: %w", berr)
		}
		if rerr := e.revertChange(wctx, c, r, runID, logOnly); rerr != nil {
			_ = e.driver.Rollback(wctx)
			e.recordFailure(wctx, c, runID)
			if e.metrics != nil {
				e.metrics.RecordChangeFailed(rep.Project, e.target, "revert")
			}
			return rep, rerr
		}
		if cerr := e.driver.Commit(wctx); cerr != nil {
			_ = e.driver.Rollback(wctx)
			return rep, fmt.Errorf("failed to commit revert of %s: %w", c.Name, cerr)
		}

		rep.Reverted = append(rep.Reverted, c.NameWithTags())
		if e.metrics != nil {
			e.metrics.RecordChangeReverted(rep.Project, e.target)
		}
		log.WithChange(c.NameWithTags()).Info("reverted")
	}

	return rep, nil
}

// Verify re-runs the verify script of every deployed change, up to and
// including `to` when given. It never mutates the registry.
func (e *Engine) Verify(ctx context.Context, to string) (*VerifyReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := time.Now()
	log := e.log(ctx)
	rep := &VerifyReport{Project: e.plan.Project()}

	if err := e.plan.VerifyChain(); err != nil {
		return rep, err
	}
	deployed, err := e.registry.DeployedChanges(ctx, e.plan.Project())
	if err != nil {
		return rep, fmt.Errorf("failed to load deployed changes: %w", err)
	}

	limit := len(deployed)
	if to != "" {
		idx := e.deployedIndex(deployed, to)
		if idx < 0 {
			return rep, &NotDeployedError{Target: to}
		}
		limit = idx + 1
	}

	for i, rec := range deployed[:limit] {
		if cerr := ctx.Err(); cerr != nil {
			return rep, fmt.Errorf("verify interrupted: %w", cerr)
		}

		entry, ok := e.plan.Get(rec.ChangeID)
		c, isChange := entry.(*plan.Change)
		if !ok || !isChange {
			rep.Failures = append(rep.Failures, VerifyFailure{
				Change: rec.Name,
				Reason: "deployed change is not in the plan",
			})
			continue
		}
		if e.plan.ChangeIndex(rec.ChangeID) != i {
			rep.Failures = append(rep.Failures, VerifyFailure{
				Change: rec.Name,
				Reason: "deployed out of plan order",
			})
			continue
		}

		script := e.scriptPath("verify", c)
		if _, serr := os.Stat(script); errors.Is(serr, fs.ErrNotExist) {
			rep.Skipped++
			log.WithChange(c.Name).Debug("no verify script")
			continue
		}

		out, verr := e.driver.RunScript(ctx, script, e.deployVars)
		rep.Checked++
		if verr != nil {
			rep.Failures = append(rep.Failures, VerifyFailure{
				Change: c.Name,
				Reason: verr.Error(),
				Output: out,
			})
			if e.metrics != nil {
				e.metrics.RecordVerifyFailure(rep.Project, e.target)
			}
			log.WithChange(c.Name).Warn("verify failed")
		}
	}

	rep.Duration = time.Since(start)
	return rep, nil
}

// validate runs the shared pre-flight checks: chain integrity, graph
// resolution and order, and the registry prefix invariant.
func (e *Engine) validate(ctx context.Context) (*graph.Graph, []*registry.ChangeRecord, error) {
	if err := e.plan.VerifyChain(); err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(e.plan, e.lookup)
	if err != nil {
		return nil, nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, nil, err
	}
	deployed, err := e.deployedPrefix(ctx)
	if err != nil {
		return nil, nil, err
	}
	return g, deployed, nil
}

// deployedPrefix loads the deployed changes and confirms they form a
// prefix of the plan.
func (e *Engine) deployedPrefix(ctx context.Context) ([]*registry.ChangeRecord, error) {
	deployed, err := e.registry.DeployedChanges(ctx, e.plan.Project())
	if err != nil {
		return nil, fmt.Errorf("failed to load deployed changes: %w", err)
	}
	for i, rec := range deployed {
		if i >= e.plan.NumChanges() || e.plan.ChangeAt(i).ID != rec.ChangeID {
			return nil, &plan.IntegrityError{
				File:  e.plan.File(),
				Entry: rec.Name,
				Msg:   "deployed changes do not form a prefix of the plan",
			}
		}
	}
	return deployed, nil
}

// deployedIndex resolves a change reference against the deployed
// records, returning its index or -1.
func (e *Engine) deployedIndex(deployed []*registry.ChangeRecord, key string) int {
	id := key
	if c, ok := e.plan.GetChange(key); ok {
		id = c.ID
	}
	for i, rec := range deployed {
		if rec.ChangeID == id || rec.Name == key {
			return i
		}
	}
	return -1
}

func (e *Engine) checkConflicts(ctx context.Context, g *graph.Graph, span []*plan.Change) error {
	inSpan := make(map[string]bool, len(span))
	for _, c := range span {
		inSpan[c.ID] = true
	}
	for _, c := range span {
		for _, n := range g.Conflicts(c.ID) {
			if inSpan[n.Change.ID] {
				return &ConflictError{Change: c.Name, ConflictsWith: n.Change.Name}
			}
			dep, err := e.registry.IsDeployed(ctx, n.Change.ID)
			if err != nil {
				return fmt.Errorf("failed to check deployed state: %w", err)
			}
			if dep {
				return &ConflictError{Change: c.Name, ConflictsWith: n.Change.Name}
			}
		}
	}
	return nil
}

// checkForeignRequires confirms every foreign required change is
// already deployed to this target. Local requires are covered by plan
// order and the prefix invariant.
func (e *Engine) checkForeignRequires(ctx context.Context, g *graph.Graph, span []*plan.Change) error {
	for _, c := range span {
		for _, n := range g.Requires(c.ID) {
			if n.Project == e.plan.Project() {
				continue
			}
			dep, err := e.registry.IsDeployed(ctx, n.Change.ID)
			if err != nil {
				return fmt.Errorf("failed to check deployed state: %w", err)
			}
			if !dep {
				return &DependencyError{Change: c.Name, Requires: n.Project + ":" + n.Change.Name}
			}
		}
	}
	return nil
}

// checkDependents refuses to revert changes that deployed changes
// outside the revert span still require.
func (e *Engine) checkDependents(ctx context.Context, span []*registry.ChangeRecord) error {
	inSpan := make(map[string]bool, len(span))
	for _, rec := range span {
		inSpan[rec.ChangeID] = true
	}
	for _, rec := range span {
		dependents, err := e.registry.Dependents(ctx, rec.ChangeID)
		if err != nil {
			return fmt.Errorf("failed to list dependents: %w", err)
		}
		for _, d := range dependents {
			if !inSpan[d.ChangeID] {
				return &RequiredByError{Change: rec.Name, RequiredBy: d.Project + ":" + d.Name}
			}
		}
	}
	return nil
}

// applyChange runs one change's deploy script, its verify script when
// enabled, and records it, all inside the driver's open transaction.
func (e *Engine) applyChange(ctx context.Context, g *graph.Graph, c *plan.Change, runID string, logOnly bool) (err error) {
	cctx := telemetry.WithChangeContext(ctx, runID, c.Name, c.ID, "deploy")
	defer func() { telemetry.EndChangeContext(cctx, "deploy", e.driver.Name(), err) }()

	if !logOnly {
		script := e.scriptPath("deploy", c)
		out, rerr := e.driver.RunScript(cctx, script, e.deployVars)
		if rerr != nil {
			err = &ScriptError{Change: c.Name, Script: script, Output: out, Err: rerr}
			return err
		}
		if e.verify {
			if verr := e.runVerifyScript(cctx, c); verr != nil {
				err = verr
				return err
			}
		}
	}

	if rerr := e.driver.RecordChange(cctx, e.changeRecord(c), e.dependencyRows(g, c), runID); rerr != nil {
		err = fmt.Errorf("failed to record change %s: %w", c.Name, rerr)
		return err
	}
	return nil
}

// revertChange runs one change's revert script and removes its
// registry rows inside the driver's open transaction.
func (e *Engine) revertChange(ctx context.Context, c *plan.Change, rec *registry.ChangeRecord, runID string, logOnly bool) (err error) {
	cctx := telemetry.WithChangeContext(ctx, runID, c.Name, c.ID, "revert")
	defer func() { telemetry.EndChangeContext(cctx, "revert", e.driver.Name(), err) }()

	if !logOnly {
		script := e.scriptPath("revert", c)
		out, rerr := e.driver.RunScript(cctx, script, e.revertVars)
		if rerr != nil {
			err = &ScriptError{Change: c.Name, Script: script, Output: out, Err: rerr}
			return err
		}
	}

	if rerr := e.driver.RemoveChange(cctx, rec, runID); rerr != nil {
		err = fmt.Errorf("failed to remove change %s: %w", c.Name, rerr)
		return err
	}
	return nil
}

// runVerifyScript runs a change's verify script when one exists.
func (e *Engine) runVerifyScript(ctx context.Context, c *plan.Change) error {
	script := e.scriptPath("verify", c)
	if _, err := os.Stat(script); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	out, err := e.driver.RunScript(ctx, script, e.deployVars)
	if err != nil {
		return &ScriptError{Change: c.Name, Script: script, Output: out, Err: err}
	}
	return nil
}

// checkpoint reports whether the registry should commit after c.
func (e *Engine) checkpoint(mode Mode, c *plan.Change, last bool) bool {
	switch mode {
	case ModeChange:
		return true
	case ModeTag:
		return last || len(c.Tags) > 0
	default: // ModeAll
		return last
	}
}

// scriptPath resolves the script file for a change. An older version
// of a reworked name keeps its scripts under name@tag, pinned to the
// tag that sealed it.
func (e *Engine) scriptPath(kind string, c *plan.Change) string {
	name := c.Name
	if latest, ok := e.plan.GetChange(c.Name); ok && latest.ID != c.ID && len(c.Tags) > 0 {
		name = c.Name + "@" + c.Tags[0]
	}
	return filepath.Join(e.scriptDir, kind, name+scriptExt)
}

func (e *Engine) changeRecord(c *plan.Change) *registry.ChangeRecord {
	return &registry.ChangeRecord{
		ChangeID:       c.ID,
		Project:        e.plan.Project(),
		Name:           c.Name,
		Note:           c.Note,
		CommittedAt:    time.Now().UTC(),
		CommitterName:  e.committerName,
		CommitterEmail: e.committerEmail,
		PlannedAt:      c.PlannedAt,
		PlannerName:    c.PlannerName,
		PlannerEmail:   c.PlannerEmail,
		Tags:           c.Tags,
	}
}

// dependencyRows pairs each declared reference with its resolution.
// Build appends graph edges in declaration order, so the slices line
// up by index.
func (e *Engine) dependencyRows(g *graph.Graph, c *plan.Change) []registry.Dependency {
	reqNodes := g.Requires(c.ID)
	conNodes := g.Conflicts(c.ID)
	deps := make([]registry.Dependency, 0, len(c.Requires)+len(c.Conflicts))
	for i, ref := range c.Requires {
		d := registry.Dependency{ChangeID: c.ID, Type: registry.DepRequire, Dependency: ref.String()}
		if i < len(reqNodes) {
			d.DependencyID = reqNodes[i].Change.ID
		}
		deps = append(deps, d)
	}
	for i, ref := range c.Conflicts {
		d := registry.Dependency{ChangeID: c.ID, Type: registry.DepConflict, Dependency: ref.String()}
		if i < len(conNodes) {
			d.DependencyID = conNodes[i].Change.ID
		}
		deps = append(deps, d)
	}
	return deps
}

// recordFailure writes a fail event outside the driver's transaction
// so it survives the rollback of the change it describes.
func (e *Engine) recordFailure(ctx context.Context, c *plan.Change, runID string) {
	ev := &registry.Event{
		Event:          registry.EventFail,
		ChangeID:       c.ID,
		Project:        e.plan.Project(),
		Name:           c.Name,
		Note:           c.Note,
		Tags:           c.Tags,
		RunID:          runID,
		CommittedAt:    time.Now().UTC(),
		CommitterName:  e.committerName,
		CommitterEmail: e.committerEmail,
	}
	if err := e.registry.InsertEvent(ctx, ev); err != nil {
		e.log(ctx).WithError(err).Warn("failed to record fail event")
	}
}

func (e *Engine) acquireLock(ctx context.Context, runID string) error {
	if err := e.registry.AcquireLock(ctx, runID); err != nil {
		if errors.Is(err, registry.ErrLocked) {
			if e.metrics != nil {
				e.metrics.RecordLockContention(e.target)
			}
			return &LockedError{Target: e.target, Err: err}
		}
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	return nil
}

func (e *Engine) releaseLock(ctx context.Context, runID string) {
	if err := e.registry.ReleaseLock(context.WithoutCancel(ctx), runID); err != nil {
		e.log(ctx).WithError(err).Warn("failed to release registry lock")
	}
}

// summary builds the policy input document for a pending operation.
func (e *Engine) summary(operation string, mode Mode, logOnly bool, span []*plan.Change) *OperationSummary {
	op := &OperationSummary{
		Operation: operation,
		Project:   e.plan.Project(),
		Target:    e.target,
		LogOnly:   logOnly,
	}
	if operation == "deploy" {
		op.Mode = string(mode)
	}
	for _, c := range span {
		cs := ChangeSummary{ID: c.ID, Name: c.Name, Note: c.Note, Tags: c.Tags}
		for _, r := range c.Requires {
			cs.Requires = append(cs.Requires, r.String())
		}
		for _, r := range c.Conflicts {
			cs.Conflicts = append(cs.Conflicts, r.String())
		}
		op.Changes = append(op.Changes, cs)
	}
	return op
}
