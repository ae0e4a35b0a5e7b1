package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/strata-db/strata/pkg/plan"
)

// Checkout moves the target database from the current branch's plan to
// another branch's plan. It reverts to the last change the two plans
// share, switches the working tree, and deploys the rest of the new
// plan. The registry is never touched before both plans have been
// validated against each other.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutReport, error) {
	start := time.Now()
	log := e.log(ctx)

	if req.VCS == nil {
		return nil, fmt.Errorf("checkout requires a version control handle")
	}

	current, err := req.VCS.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current branch: %w", err)
	}
	if current == req.Branch {
		return nil, &AlreadyOnBranchError{Branch: req.Branch}
	}

	planPath := req.PlanPath
	if planPath == "" {
		planPath = e.plan.File()
	}
	data, err := req.VCS.FileContentAt(ctx, req.Branch, planPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan at branch %s: %w", req.Branch, err)
	}
	target, err := plan.Parse(bytes.NewReader(data), planPath)
	if err != nil {
		return nil, err
	}
	if err := target.VerifyChain(); err != nil {
		return nil, err
	}

	ancestor := sharedAncestor(e.plan, target)
	if ancestor < 0 {
		return nil, &NoCommonAncestorError{FromProject: e.plan.Project(), Branch: req.Branch}
	}
	anchorID := e.plan.ChangeAt(ancestor).ID

	rep := &CheckoutReport{
		Branch:   req.Branch,
		Ancestor: e.plan.ChangeAt(ancestor).NameWithTags(),
	}
	log.WithProject(e.plan.Project()).Infof("checking out %s, shared history ends at %s", req.Branch, rep.Ancestor)

	// Only changes deployed past the ancestor need reverting. A registry
	// that is still behind the ancestor skips straight to the switch.
	deployed, err := e.deployedPrefix(ctx)
	if err != nil {
		return nil, err
	}
	if len(deployed) > ancestor+1 {
		if err := e.SetVariables(ScopeRevert, req.RevertVars); err != nil {
			return nil, err
		}
		rrep, err := e.Revert(ctx, anchorID, req.LogOnly)
		if err != nil {
			return nil, err
		}
		rep.Reverted = rrep.Reverted
	}

	if err := req.VCS.SwitchTo(ctx, req.Branch); err != nil {
		return nil, fmt.Errorf("failed to switch to branch %s: %w", req.Branch, err)
	}

	fwd := e.withPlan(target)
	if err := fwd.SetVariables(ScopeDeploy, req.DeployVars); err != nil {
		return nil, err
	}
	drep, err := fwd.Deploy(ctx, "", req.Mode, req.LogOnly)
	if err != nil {
		return nil, err
	}
	rep.Deployed = drep.Deployed

	rep.Duration = time.Since(start)
	return rep, nil
}

// sharedAncestor returns the index of the last change the two plans
// share, or -1. The hash chain makes any divergence permanent, so the
// scan stops at the first differing id.
func sharedAncestor(a, b *plan.Plan) int {
	n := a.NumChanges()
	if m := b.NumChanges(); m < n {
		n = m
	}
	last := -1
	for i := 0; i < n; i++ {
		if a.ChangeAt(i).ID != b.ChangeAt(i).ID {
			break
		}
		last = i
	}
	return last
}

// withPlan clones the engine's configuration onto another plan. The
// clone shares the registry and driver so the checkout's forward
// deploy lands on the same target.
func (e *Engine) withPlan(p *plan.Plan) *Engine {
	ne := New(p, e.registry, e.driver,
		WithCommitter(e.committerName, e.committerEmail),
		WithScriptDir(e.scriptDir),
		WithTarget(e.target),
		WithLookup(e.lookup),
		WithConfirm(e.confirm),
		WithGate(e.gate),
		WithLogger(e.logger),
		WithMetrics(e.metrics),
	)
	ne.verify = e.verify
	ne.noPrompt = e.noPrompt
	for k, v := range e.deployVars {
		ne.deployVars[k] = v
	}
	for k, v := range e.revertVars {
		ne.revertVars[k] = v
	}
	return ne
}
