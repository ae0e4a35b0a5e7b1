package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"
)

// setupTestRegistry creates an in-memory registry for testing.
func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatalf("failed to initialize registry: %v", err)
	}
	if err := r.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	return r
}

// testRecord builds a change record for insert tests.
func testRecord(n int) *ChangeRecord {
	return &ChangeRecord{
		ChangeID:       fmt.Sprintf("%064d", n),
		Project:        "flipr",
		Name:           fmt.Sprintf("change_%d", n),
		Note:           "a note",
		CommittedAt:    time.Date(2025, 3, 10, 12, 0, n, 0, time.UTC),
		CommitterName:  "Ada Li",
		CommitterEmail: "ada@example.com",
		PlannedAt:      time.Date(2025, 3, 1, 8, 0, n, 0, time.UTC),
		PlannerName:    "Ada Li",
		PlannerEmail:   "ada@example.com",
	}
}

func insertTestChange(t *testing.T, r *Registry, rec *ChangeRecord, deps []Dependency) {
	t.Helper()

	err := r.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.InsertChangeTx(context.Background(), tx, rec, deps)
	})
	if err != nil {
		t.Fatalf("failed to insert change %s: %v", rec.Name, err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatalf("failed to initialize registry: %v", err)
	}
	if err := r.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate registry: %v", err)
	}
	// Re-running migrations must be a no-op.
	if err := r.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := r.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("failed to close registry: %v", err)
	}
}

func TestRegistry_RequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected missing path to be rejected")
	}
}

func TestRegistry_InsertAndListChanges(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	if err := r.EnsureProject(ctx, "flipr", "https://example.com/flipr", "Ada Li", "ada@example.com"); err != nil {
		t.Fatalf("failed to ensure project: %v", err)
	}
	// Ensuring twice must not fail.
	if err := r.EnsureProject(ctx, "flipr", "", "Ada Li", "ada@example.com"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}

	first := testRecord(1)
	first.Tags = []string{"v1.0.0"}
	insertTestChange(t, r, first, []Dependency{
		{ChangeID: first.ChangeID, Type: DepRequire, Dependency: "appschema", DependencyID: "abc"},
		{ChangeID: first.ChangeID, Type: DepConflict, Dependency: "legacy:old", DependencyID: ""},
	})
	second := testRecord(2)
	insertTestChange(t, r, second, nil)

	recs, err := r.DeployedChanges(ctx, "flipr")
	if err != nil {
		t.Fatalf("failed to list changes: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 deployed changes, got %d", len(recs))
	}
	if recs[0].Name != "change_1" || recs[1].Name != "change_2" {
		t.Errorf("changes out of deploy order: %s, %s", recs[0].Name, recs[1].Name)
	}
	if len(recs[0].Tags) != 1 || recs[0].Tags[0] != "v1.0.0" {
		t.Errorf("tags not loaded: %v", recs[0].Tags)
	}

	deployed, err := r.IsDeployed(ctx, first.ChangeID)
	if err != nil {
		t.Fatalf("IsDeployed failed: %v", err)
	}
	if !deployed {
		t.Error("expected change_1 to be deployed")
	}

	latest, err := r.LatestChange(ctx, "flipr")
	if err != nil {
		t.Fatalf("LatestChange failed: %v", err)
	}
	if latest == nil || latest.Name != "change_2" {
		t.Errorf("unexpected latest change: %+v", latest)
	}
}

func TestRegistry_LatestChangeEmpty(t *testing.T) {
	r := setupTestRegistry(t)

	latest, err := r.LatestChange(context.Background(), "flipr")
	if err != nil {
		t.Fatalf("LatestChange failed: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil for empty registry, got %+v", latest)
	}
}

func TestRegistry_DeleteChange(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	if err := r.EnsureProject(ctx, "flipr", "", "Ada Li", "ada@example.com"); err != nil {
		t.Fatalf("failed to ensure project: %v", err)
	}
	rec := testRecord(1)
	rec.Tags = []string{"v1"}
	insertTestChange(t, r, rec, []Dependency{
		{ChangeID: rec.ChangeID, Type: DepRequire, Dependency: "x", DependencyID: "y"},
	})

	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.DeleteChangeTx(ctx, tx, rec.ChangeID)
	})
	if err != nil {
		t.Fatalf("failed to delete change: %v", err)
	}

	deployed, err := r.IsDeployed(ctx, rec.ChangeID)
	if err != nil {
		t.Fatalf("IsDeployed failed: %v", err)
	}
	if deployed {
		t.Error("change still deployed after delete")
	}

	// Cascades must have removed the tag rows.
	tags, err := r.changeTags(ctx, rec.ChangeID)
	if err != nil {
		t.Fatalf("changeTags failed: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("expected no tags after delete, got %v", tags)
	}

	// Deleting a change that is not recorded is an error.
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.DeleteChangeTx(ctx, tx, rec.ChangeID)
	})
	if err == nil {
		t.Error("expected delete of unrecorded change to fail")
	}
}

func TestRegistry_Events(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev := &Event{
			Event:          EventDeploy,
			ChangeID:       fmt.Sprintf("%064d", i),
			Project:        "flipr",
			Name:           fmt.Sprintf("change_%d", i),
			Tags:           []string{"v1", "v2"},
			RunID:          "run-1",
			CommittedAt:    time.Date(2025, 3, 10, 12, 0, i, 0, time.UTC),
			CommitterName:  "Ada Li",
			CommitterEmail: "ada@example.com",
		}
		if err := r.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}

	events, err := r.Events(ctx, "flipr", 2, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "change_3" {
		t.Errorf("expected most recent event first, got %s", events[0].Name)
	}
	if len(events[0].Tags) != 2 {
		t.Errorf("tags not round-tripped: %v", events[0].Tags)
	}
}

func TestRegistry_Lock(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	if err := r.AcquireLock(ctx, "op-1"); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	err := r.AcquireLock(ctx, "op-2")
	if err == nil {
		t.Fatal("expected second acquire to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got: %v", err)
	}

	// Release by a non-holder must not free the lock.
	if err := r.ReleaseLock(ctx, "op-2"); err != nil {
		t.Fatalf("release by non-holder errored: %v", err)
	}
	if err := r.AcquireLock(ctx, "op-3"); !errors.Is(err, ErrLocked) {
		t.Fatalf("lock was freed by non-holder: %v", err)
	}

	if err := r.ReleaseLock(ctx, "op-1"); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if err := r.AcquireLock(ctx, "op-3"); err != nil {
		t.Fatalf("failed to reacquire released lock: %v", err)
	}
}

func TestRegistry_WithTxRollsBackOnError(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	if err := r.EnsureProject(ctx, "flipr", "", "Ada Li", "ada@example.com"); err != nil {
		t.Fatalf("failed to ensure project: %v", err)
	}
	rec := testRecord(1)

	sentinel := errors.New("boom")
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.InsertChangeTx(ctx, tx, rec, nil); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got: %v", err)
	}

	deployed, err := r.IsDeployed(ctx, rec.ChangeID)
	if err != nil {
		t.Fatalf("IsDeployed failed: %v", err)
	}
	if deployed {
		t.Error("insert survived a rolled-back transaction")
	}
}
