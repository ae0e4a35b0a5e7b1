package drivers

import (
	"sort"
	"strings"
	"testing"

	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return reg
}

func TestRegisterAndNew(t *testing.T) {
	called := false
	Register("fake-a", func(cfg Config) (engine.Driver, error) {
		called = true
		return nil, nil
	})

	_, err := New(Config{Engine: "fake-a", Registry: testRegistry(t)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !called {
		t.Error("factory was not invoked")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("fake-b", func(cfg Config) (engine.Driver, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("fake-b", func(cfg Config) (engine.Driver, error) { return nil, nil })
}

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil factory")
		}
	}()
	Register("fake-c", nil)
}

func TestNewUnknownEngine(t *testing.T) {
	Register("fake-d", func(cfg Config) (engine.Driver, error) { return nil, nil })

	_, err := New(Config{Engine: "oracle", Registry: testRegistry(t)})
	if err == nil {
		t.Fatal("expected error for unknown engine")
	}
	if !strings.Contains(err.Error(), `unknown engine "oracle"`) {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "fake-d") {
		t.Errorf("err = %v, want available engines listed", err)
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Config{Engine: "fake-a"})
	if err == nil || !strings.Contains(err.Error(), "registry") {
		t.Errorf("err = %v, want registry requirement", err)
	}
}

func TestEnginesSorted(t *testing.T) {
	Register("fake-z", func(cfg Config) (engine.Driver, error) { return nil, nil })
	Register("fake-e", func(cfg Config) (engine.Driver, error) { return nil, nil })

	names := Engines()
	if !sort.StringsAreSorted(names) {
		t.Errorf("engines %v not sorted", names)
	}
	found := 0
	for _, n := range names {
		if n == "fake-z" || n == "fake-e" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("engines %v missing registered fakes", names)
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"schema": "app", "owner": "ada"}
	tests := []struct {
		in   string
		want string
	}{
		{"CREATE SCHEMA :schema", "CREATE SCHEMA app"},
		{"GRANT ALL TO :owner, :owner", "GRANT ALL TO ada, ada"},
		{":unknown stays", ":unknown stays"},
		{"no refs", "no refs"},
		{":schema:owner", "appada"},
	}
	for _, tt := range tests {
		if got := Substitute(tt.in, vars); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Substitute(":schema", nil); got != ":schema" {
		t.Errorf("Substitute with no vars = %q, want unchanged", got)
	}
}
