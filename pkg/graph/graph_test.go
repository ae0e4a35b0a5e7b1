package graph

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/strata-db/strata/pkg/plan"
)

// mustParse parses plan text for graph tests.
func mustParse(t *testing.T, project, text string) *plan.Plan {
	t.Helper()

	full := "%project=" + project + "\n\n" + text
	p, err := plan.Parse(strings.NewReader(full), project+".plan")
	if err != nil {
		t.Fatalf("failed to parse %s plan: %v", project, err)
	}
	return p
}

// lookupFor builds a ProjectLookup over fixed plans.
func lookupFor(plans ...*plan.Plan) ProjectLookup {
	byName := make(map[string]*plan.Plan)
	for _, p := range plans {
		byName[p.Project()] = p
	}
	return func(project string) (*plan.Plan, error) {
		p, ok := byName[project]
		if !ok {
			return nil, fmt.Errorf("unknown project %q", project)
		}
		return p, nil
	}
}

const when = "2025-03-02T09:30:00Z Ada <a@b.c>"

func TestBuild_ResolvesLocalRequires(t *testing.T) {
	p := mustParse(t, "flipr", ""+
		"appschema "+when+"\n"+
		"users [appschema] "+when+"\n"+
		"flips [users appschema] "+when+"\n")

	g, err := Build(p, nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid graph, got: %v", err)
	}

	flips, _ := p.GetChange("flips")
	reqs := g.Requires(flips.ID)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 resolved requires, got %d", len(reqs))
	}
	if reqs[0].Change.Name != "users" || reqs[1].Change.Name != "appschema" {
		t.Errorf("requires resolved out of order: %s, %s",
			reqs[0].Change.Name, reqs[1].Change.Name)
	}
}

func TestBuild_UnresolvedRequire(t *testing.T) {
	p := mustParse(t, "flipr", "users [nonesuch] "+when+"\n")

	_, err := Build(p, nil)
	if err == nil {
		t.Fatal("expected unresolved dependency error, got none")
	}
	var uerr *UnresolvedError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UnresolvedError, got %T: %v", err, err)
	}
	if uerr.Change != "users" || uerr.Ref.Name != "nonesuch" {
		t.Errorf("unexpected error detail: %+v", uerr)
	}
}

func TestBuild_ResolvesForeignRequires(t *testing.T) {
	core := mustParse(t, "core", "schema "+when+"\n")
	p := mustParse(t, "flipr", "users [core:schema] "+when+"\n")

	g, err := Build(p, lookupFor(core))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	users, _ := p.GetChange("users")
	reqs := g.Requires(users.ID)
	if len(reqs) != 1 || reqs[0].Project != "core" || reqs[0].Change.Name != "schema" {
		t.Fatalf("foreign require not resolved: %+v", reqs)
	}
}

func TestBuild_UnknownForeignProject(t *testing.T) {
	p := mustParse(t, "flipr", "users [core:schema] "+when+"\n")

	_, err := Build(p, lookupFor())
	if err == nil {
		t.Fatal("expected lookup failure, got none")
	}
	if !strings.Contains(err.Error(), "unknown project") {
		t.Errorf("lookup error not propagated: %v", err)
	}
}

func TestBuild_ResolvesConflicts(t *testing.T) {
	legacy := mustParse(t, "legacy", "old_users "+when+"\n")
	p := mustParse(t, "flipr", "users [!legacy:old_users] "+when+"\n")

	g, err := Build(p, lookupFor(legacy))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	users, _ := p.GetChange("users")
	confs := g.Conflicts(users.ID)
	if len(confs) != 1 || confs[0].Change.Name != "old_users" {
		t.Fatalf("conflict not resolved: %+v", confs)
	}
	// Conflicts impose no ordering and must not trip validation.
	if err := g.Validate(); err != nil {
		t.Fatalf("conflict edge affected validation: %v", err)
	}
}

func TestValidate_ForwardRequire(t *testing.T) {
	p := mustParse(t, "flipr", ""+
		"users [flips] "+when+"\n"+
		"flips "+when+"\n")

	g, err := Build(p, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	err = g.Validate()
	if err == nil {
		t.Fatal("expected order violation, got none")
	}
	var oerr *OrderError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *OrderError, got %T: %v", err, err)
	}
	if oerr.Change != "users" || oerr.Requires != "flips" {
		t.Errorf("unexpected error detail: %+v", oerr)
	}
}

func TestValidate_CrossProjectCycle(t *testing.T) {
	// Parse b first so its foreign reference to a resolves lazily at
	// build time through the lookup.
	a := mustParse(t, "alpha", "left [beta:right] "+when+"\n")
	b := mustParse(t, "beta", "right [alpha:left] "+when+"\n")

	g, err := Build(a, lookupFor(b, a))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	err = g.Validate()
	if err == nil {
		t.Fatal("expected cycle error, got none")
	}
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if len(cerr.Path) < 3 || cerr.Path[0] != cerr.Path[len(cerr.Path)-1] {
		t.Errorf("cycle path does not close on itself: %v", cerr.Path)
	}
}

func TestBuild_RequireByTag(t *testing.T) {
	p := mustParse(t, "flipr", ""+
		"users "+when+"\n"+
		"@v1 "+when+"\n"+
		"flips [@v1] "+when+"\n")

	g, err := Build(p, nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	flips, _ := p.GetChange("flips")
	reqs := g.Requires(flips.ID)
	if len(reqs) != 1 || reqs[0].Change.Name != "users" {
		t.Fatalf("tag require did not resolve to pinned change: %+v", reqs)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid graph, got: %v", err)
	}
}
