package plan

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPlan_RoundTrip(t *testing.T) {
	p := parseTestPlan(t)

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	reparsed, err := Parse(bytes.NewReader(buf.Bytes()), "flipr.plan")
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}

	if len(reparsed.Entries()) != len(p.Entries()) {
		t.Fatalf("entry count changed across round trip: %d != %d",
			len(reparsed.Entries()), len(p.Entries()))
	}
	for i, e := range p.Entries() {
		got := reparsed.Entries()[i].EntryID()
		if got != e.EntryID() {
			t.Errorf("entry %d (%s): id changed across round trip", i, e.DisplayName())
		}
	}

	// A second round trip must be byte-stable.
	var buf2 bytes.Buffer
	if _, err := reparsed.WriteTo(&buf2); err != nil {
		t.Fatalf("second WriteTo failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), buf2.Bytes()) {
		t.Error("serialized form is not stable across round trips")
	}
}

func TestPlan_ChainProperty(t *testing.T) {
	edited := strings.Replace(testPlanText,
		"# Creates users table.", "# Creates the users table.", 1)
	if edited == testPlanText {
		t.Fatal("fixture edit did not apply")
	}

	orig := parseTestPlan(t)
	mod, err := Parse(strings.NewReader(edited), "flipr.plan")
	if err != nil {
		t.Fatalf("failed to parse edited plan: %v", err)
	}

	// Entry 0 precedes the edit and must keep its id. Entry 1 is the
	// edited change; it and every later entry must change.
	if mod.Entries()[0].EntryID() != orig.Entries()[0].EntryID() {
		t.Error("entry before the edit changed id")
	}
	for i := 1; i < len(orig.Entries()); i++ {
		if mod.Entries()[i].EntryID() == orig.Entries()[i].EntryID() {
			t.Errorf("entry %d (%s) kept its id despite upstream edit",
				i, orig.Entries()[i].DisplayName())
		}
	}
}

func TestPlan_VerifyChain_DetectsTampering(t *testing.T) {
	p := parseTestPlan(t)

	p.ChangeAt(1).Note = "rewritten history"
	err := p.VerifyChain()
	if err == nil {
		t.Fatal("expected integrity error after tampering, got none")
	}
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if ierr.Entry != "users" {
		t.Errorf("expected first offending entry users, got %q", ierr.Entry)
	}
}

func TestPlan_VerifyChain_DetectsTagRepointing(t *testing.T) {
	p := parseTestPlan(t)

	tag, ok := p.Get("@v1.0.0")
	if !ok {
		t.Fatal("tag v1.0.0 did not resolve")
	}
	tag.(*Tag).ChangeID = p.ChangeAt(0).ID

	err := p.VerifyChain()
	if err == nil {
		t.Fatal("expected integrity error after repointing tag, got none")
	}
}

func TestPlan_Get(t *testing.T) {
	p := parseTestPlan(t)

	users := p.ChangeAt(1)
	if e, ok := p.Get(users.ID); !ok || e.EntryID() != users.ID {
		t.Error("lookup by id failed")
	}
	if e, ok := p.Get("users"); !ok || e.EntryID() != users.ID {
		t.Error("lookup by name failed")
	}
	if e, ok := p.Get("@v1.0.0"); !ok || e.DisplayName() != "@v1.0.0" {
		t.Error("lookup by tag failed")
	}
	if e, ok := p.Get("users@v1.0.0"); !ok || e.EntryID() != users.ID {
		t.Error("lookup by name@tag failed")
	}
	if _, ok := p.Get("nonesuch"); ok {
		t.Error("lookup of unknown name unexpectedly succeeded")
	}
	if _, ok := p.Get("users@v9"); ok {
		t.Error("lookup with unknown tag unexpectedly succeeded")
	}

	// A tag key resolves to its pinned change through GetChange.
	c, ok := p.GetChange("@v1.0.0")
	if !ok || c.Name != "flips" {
		t.Errorf("expected @v1.0.0 to pin flips, got %v", c)
	}
}

func TestPlan_ChangeIndex(t *testing.T) {
	p := parseTestPlan(t)

	for i := 0; i < p.NumChanges(); i++ {
		if got := p.ChangeIndex(p.ChangeAt(i).ID); got != i {
			t.Errorf("ChangeIndex(%d) = %d", i, got)
		}
	}
	if got := p.ChangeIndex("deadbeef"); got != -1 {
		t.Errorf("expected -1 for unknown id, got %d", got)
	}
}

func TestPlan_Changes_Restartable(t *testing.T) {
	p := parseTestPlan(t)

	first := 0
	for range p.Changes() {
		first++
		break
	}
	total := 0
	for range p.Changes() {
		total++
	}
	if first != 1 || total != p.NumChanges() {
		t.Errorf("sequence not restartable: first pass %d, second pass %d", first, total)
	}
}

func TestPlan_AddChange(t *testing.T) {
	p := parseTestPlan(t)
	before := len(p.Entries())

	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	c, err := p.AddChange("lists", []Ref{{Name: "users"}}, nil,
		"Ada Li", "ada@example.com", "Adds lists.\nSecond line.", at)
	if err != nil {
		t.Fatalf("AddChange failed: %v", err)
	}
	if len(p.Entries()) != before+1 {
		t.Fatalf("expected %d entries, got %d", before+1, len(p.Entries()))
	}
	if c.Note != "Adds lists. Second line." {
		t.Errorf("note was not flattened: %q", c.Note)
	}
	if err := p.VerifyChain(); err != nil {
		t.Fatalf("chain broken after AddChange: %v", err)
	}

	if _, err := p.AddChange("lists", nil, nil, "Ada Li", "ada@example.com", "", at); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if _, err := p.AddChange("orphans", []Ref{{Name: "nonesuch"}}, nil,
		"Ada Li", "ada@example.com", "", at); err == nil {
		t.Error("expected unknown local require to be rejected")
	}

	// Foreign requires are not resolvable locally and must be accepted.
	if _, err := p.AddChange("webber", []Ref{{Project: "other", Name: "core"}}, nil,
		"Ada Li", "ada@example.com", "", at); err != nil {
		t.Errorf("foreign require rejected: %v", err)
	}
}

func TestPlan_AddTag(t *testing.T) {
	p := parseTestPlan(t)

	at := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	tag, err := p.AddTag("@v1.1.0", "Ada Li", "ada@example.com", "Second release.", at)
	if err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}
	if tag.Name != "v1.1.0" {
		t.Errorf("leading @ not stripped: %q", tag.Name)
	}
	if tag.ChangeID != p.LastChange().ID {
		t.Error("tag does not pin the last change")
	}
	if err := p.VerifyChain(); err != nil {
		t.Fatalf("chain broken after AddTag: %v", err)
	}

	if _, err := p.AddTag("v1.1.0", "Ada Li", "ada@example.com", "", at); err == nil {
		t.Error("expected duplicate tag to be rejected")
	}

	empty, err := New("demo", "", "demo.plan")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := empty.AddTag("v1", "Ada Li", "ada@example.com", "", at); err == nil {
		t.Error("expected tagging an empty plan to be rejected")
	}
}

func TestPlan_AddChange_ReuseAfterTag(t *testing.T) {
	p := parseTestPlan(t)

	at := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	if _, err := p.AddChange("userflips", nil, nil, "Ada Li", "ada@example.com", "", at); err == nil {
		t.Fatal("expected untagged name reuse to be rejected")
	}
	if _, err := p.AddTag("v2.0.0", "Ada Li", "ada@example.com", "", at); err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}
	if _, err := p.AddChange("userflips", []Ref{{Name: "userflips", Tag: "v2.0.0"}}, nil,
		"Ada Li", "ada@example.com", "Rework.", at); err != nil {
		t.Fatalf("rework after tag rejected: %v", err)
	}
}

func TestNew_RejectsInvalidProject(t *testing.T) {
	if _, err := New("bad name", "", "x.plan"); err == nil {
		t.Error("expected invalid project name to be rejected")
	}
}
