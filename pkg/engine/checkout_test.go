package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/strata-db/strata/pkg/plan"
)

type fakeVCS struct {
	branch   string
	files    map[string]map[string][]byte
	switched []string
}

func (v *fakeVCS) CurrentBranch(_ context.Context) (string, error) {
	return v.branch, nil
}

func (v *fakeVCS) FileContentAt(_ context.Context, ref, path string) ([]byte, error) {
	if content, ok := v.files[ref][path]; ok {
		return content, nil
	}
	return nil, fmt.Errorf("path %s not found at %s", path, ref)
}

func (v *fakeVCS) SwitchTo(_ context.Context, branch string) error {
	v.switched = append(v.switched, branch)
	v.branch = branch
	return nil
}

func renderPlan(t *testing.T, p *plan.Plan) []byte {
	t.Helper()

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("failed to render plan: %v", err)
	}
	return buf.Bytes()
}

func branchVCS(t *testing.T, current string, plans map[string]*plan.Plan) *fakeVCS {
	t.Helper()

	v := &fakeVCS{branch: current, files: make(map[string]map[string][]byte)}
	for branch, p := range plans {
		v.files[branch] = map[string][]byte{p.File(): renderPlan(t, p)}
	}
	return v
}

func TestCheckoutRevertsAndDeploys(t *testing.T) {
	current := testPlan(t, "flipr", "alpha", "beta", "gamma", "delta")
	feature := testPlan(t, "flipr", "alpha", "beta", "gamma", "epsilon")

	e, drv := newTestEngine(t, current)
	ctx := context.Background()
	if _, err := e.Deploy(ctx, "", ModeAll, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	vcs := branchVCS(t, "main", map[string]*plan.Plan{"feature": feature})
	rep, err := e.Checkout(ctx, CheckoutRequest{Branch: "feature", VCS: vcs})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if rep.Ancestor != "gamma" {
		t.Errorf("ancestor = %s, want gamma", rep.Ancestor)
	}
	wantNames(t, rep.Reverted, []string{"delta"})
	wantNames(t, rep.Deployed, []string{"epsilon"})
	wantNames(t, deployedNames(t, e), []string{"alpha", "beta", "gamma", "epsilon"})
	wantNames(t, vcs.switched, []string{"feature"})

	// The revert ran against the old plan's scripts, the deploy against
	// the new plan's.
	var kinds []string
	for _, r := range drv.ran {
		if strings.Contains(r, "revert/") || strings.Contains(r, "deploy/epsilon") {
			kinds = append(kinds, r[strings.LastIndex(r, "/")+1:])
		}
	}
	wantNames(t, kinds, []string{"delta.sql", "epsilon.sql"})
}

func TestCheckoutAlreadyOnBranch(t *testing.T) {
	current := testPlan(t, "flipr", "alpha", "beta")
	e, _ := newTestEngine(t, current)
	ctx := context.Background()
	if _, err := e.Deploy(ctx, "", ModeAll, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	vcs := branchVCS(t, "main", map[string]*plan.Plan{"main": current})
	_, err := e.Checkout(ctx, CheckoutRequest{Branch: "main", VCS: vcs})

	var onBranch *AlreadyOnBranchError
	if !errors.As(err, &onBranch) {
		t.Fatalf("err = %v, want *AlreadyOnBranchError", err)
	}
	if len(vcs.switched) != 0 {
		t.Errorf("checkout switched branches: %v", vcs.switched)
	}
	wantNames(t, deployedNames(t, e), []string{"alpha", "beta"})
}

func TestCheckoutNoCommonAncestor(t *testing.T) {
	current := testPlan(t, "flipr", "alpha", "beta")
	other := testPlan(t, "flipr", "zeta")

	e, _ := newTestEngine(t, current)
	ctx := context.Background()
	if _, err := e.Deploy(ctx, "", ModeAll, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	vcs := branchVCS(t, "main", map[string]*plan.Plan{"rewrite": other})
	_, err := e.Checkout(ctx, CheckoutRequest{Branch: "rewrite", VCS: vcs})

	var noAncestor *NoCommonAncestorError
	if !errors.As(err, &noAncestor) {
		t.Fatalf("err = %v, want *NoCommonAncestorError", err)
	}
	if noAncestor.Branch != "rewrite" || noAncestor.FromProject != "flipr" {
		t.Errorf("unexpected error detail: %+v", noAncestor)
	}
	if len(vcs.switched) != 0 {
		t.Errorf("checkout switched branches: %v", vcs.switched)
	}
	wantNames(t, deployedNames(t, e), []string{"alpha", "beta"})
}

func TestCheckoutRegistryBehindAncestor(t *testing.T) {
	current := testPlan(t, "flipr", "alpha", "beta", "gamma", "delta")
	feature := testPlan(t, "flipr", "alpha", "beta", "gamma", "epsilon")

	e, _ := newTestEngine(t, current)
	ctx := context.Background()
	if _, err := e.Deploy(ctx, "beta", ModeAll, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	vcs := branchVCS(t, "main", map[string]*plan.Plan{"feature": feature})
	rep, err := e.Checkout(ctx, CheckoutRequest{Branch: "feature", VCS: vcs})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// Nothing was deployed past the shared history, so nothing reverts.
	if len(rep.Reverted) != 0 {
		t.Errorf("reverted %v, want nothing", rep.Reverted)
	}
	wantNames(t, rep.Deployed, []string{"gamma", "epsilon"})
	wantNames(t, deployedNames(t, e), []string{"alpha", "beta", "gamma", "epsilon"})
}

func TestCheckoutPlanMissingAtBranch(t *testing.T) {
	current := testPlan(t, "flipr", "alpha")
	e, _ := newTestEngine(t, current)

	vcs := &fakeVCS{branch: "main", files: map[string]map[string][]byte{}}
	_, err := e.Checkout(context.Background(), CheckoutRequest{Branch: "feature", VCS: vcs})
	if err == nil || !strings.Contains(err.Error(), "failed to read plan") {
		t.Fatalf("err = %v, want plan read failure", err)
	}
}

func TestCheckoutLogOnly(t *testing.T) {
	current := testPlan(t, "flipr", "alpha", "beta")
	feature := testPlan(t, "flipr", "alpha", "gamma")

	e, drv := newTestEngine(t, current)
	ctx := context.Background()
	if _, err := e.Deploy(ctx, "", ModeAll, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	vcs := branchVCS(t, "main", map[string]*plan.Plan{"feature": feature})
	rep, err := e.Checkout(ctx, CheckoutRequest{Branch: "feature", VCS: vcs, LogOnly: true})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if len(drv.ran) != 0 {
		t.Errorf("log-only checkout ran scripts: %v", drv.ran)
	}
	wantNames(t, rep.Reverted, []string{"beta"})
	wantNames(t, rep.Deployed, []string{"gamma"})
	wantNames(t, deployedNames(t, e), []string{"alpha", "gamma"})
}

func TestSharedAncestor(t *testing.T) {
	base := testPlan(t, "flipr", "alpha", "beta")
	same := testPlan(t, "flipr", "alpha", "beta")
	longer := testPlan(t, "flipr", "alpha", "beta", "gamma")
	disjoint := testPlan(t, "flipr", "zeta")

	if got := sharedAncestor(base, same); got != 1 {
		t.Errorf("identical plans: ancestor = %d, want 1", got)
	}
	if got := sharedAncestor(base, longer); got != 1 {
		t.Errorf("extended plan: ancestor = %d, want 1", got)
	}
	if got := sharedAncestor(longer, base); got != 1 {
		t.Errorf("truncated plan: ancestor = %d, want 1", got)
	}
	if got := sharedAncestor(base, disjoint); got != -1 {
		t.Errorf("disjoint plans: ancestor = %d, want -1", got)
	}
}
