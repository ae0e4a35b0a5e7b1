package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/registry"
)

// setupDriver creates a file-backed registry and a target database in a
// temp dir. ATTACH needs real files, so :memory: is no use here.
func setupDriver(t *testing.T) (*Driver, *registry.Registry, string) {
	t.Helper()

	dir := t.TempDir()
	reg, err := registry.New(registry.Config{Path: filepath.Join(dir, "registry.db")})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	ctx := context.Background()
	if err := reg.Init(ctx); err != nil {
		t.Fatalf("failed to initialize registry: %v", err)
	}
	if err := reg.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate registry: %v", err)
	}
	if err := reg.EnsureProject(ctx, "flipr", "https://flipr.example.com/", "Ada Li", "ada@example.com"); err != nil {
		t.Fatalf("failed to ensure project: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	target := filepath.Join(dir, "target.db")
	d, err := New(drivers.Config{Engine: "sqlite", URI: target, Registry: reg})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	return d, reg, target
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func testRecord(n int) *registry.ChangeRecord {
	return &registry.ChangeRecord{
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

// queryInt runs a single-value query against a database file.
func queryInt(t *testing.T, path, query string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}

func eventKinds(t *testing.T, reg *registry.Registry) []string {
	t.Helper()
	events, err := reg.Events(context.Background(), "flipr", 50, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = string(ev.Event)
	}
	return kinds
}

func TestDeployTransaction(t *testing.T) {
	d, reg, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := writeScript(t, dir, "users.sql", `
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
		INSERT INTO users (name) VALUES ('ada');
	`)

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := d.RunScript(ctx, script, nil); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	rec := testRecord(1)
	rec.Tags = []string{"v1.0"}
	deps := []registry.Dependency{
		{ChangeID: rec.ChangeID, Type: registry.DepRequire, Dependency: "appschema", DependencyID: fmt.Sprintf("%064d", 0)},
	}
	if err := d.RecordChange(ctx, rec, deps, "run-1"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if n := queryInt(t, target, "SELECT count(*) FROM users"); n != 1 {
		t.Errorf("users rows = %d, want 1", n)
	}
	deployed, err := reg.DeployedChanges(ctx, "flipr")
	if err != nil {
		t.Fatalf("failed to list deployed: %v", err)
	}
	if len(deployed) != 1 || deployed[0].Name != "change_1" {
		t.Fatalf("deployed = %+v, want one change_1", deployed)
	}
	if len(deployed[0].Tags) != 1 || deployed[0].Tags[0] != "v1.0" {
		t.Errorf("tags = %v, want [v1.0]", deployed[0].Tags)
	}
	if kinds := eventKinds(t, reg); len(kinds) != 1 || kinds[0] != "deploy" {
		t.Errorf("events = %v, want [deploy]", kinds)
	}
}

// A rollback must discard the schema change and the registry rows
// together. That is the point of attaching the registry.
func TestRollbackDiscardsScriptAndRegistry(t *testing.T) {
	d, reg, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := writeScript(t, dir, "users.sql", "CREATE TABLE users (id INTEGER PRIMARY KEY);")

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := d.RunScript(ctx, script, nil); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if err := d.RecordChange(ctx, testRecord(1), nil, "run-1"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := d.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if n := queryInt(t, target, "SELECT count(*) FROM sqlite_master WHERE name = 'users'"); n != 0 {
		t.Errorf("users table survived rollback")
	}
	deployed, err := reg.DeployedChanges(ctx, "flipr")
	if err != nil {
		t.Fatalf("failed to list deployed: %v", err)
	}
	if len(deployed) != 0 {
		t.Errorf("deployed = %+v, want none", deployed)
	}
	if kinds := eventKinds(t, reg); len(kinds) != 0 {
		t.Errorf("events = %v, want none", kinds)
	}
}

func TestScriptFailureRollsBack(t *testing.T) {
	d, _, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := writeScript(t, dir, "bad.sql", `
		CREATE TABLE widgets (id INTEGER PRIMARY KEY);
		CREATE BOGUS nonsense;
	`)

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	_, err := d.RunScript(ctx, script, nil)
	if err == nil {
		t.Fatal("expected script error")
	}
	if !strings.Contains(err.Error(), "bad.sql") {
		t.Errorf("error %q does not name the script", err)
	}
	if err := d.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if n := queryInt(t, target, "SELECT count(*) FROM sqlite_master WHERE name = 'widgets'"); n != 0 {
		t.Errorf("widgets table survived rollback")
	}
}

func TestRemoveChange(t *testing.T) {
	d, reg, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	deploy := writeScript(t, dir, "users.sql", "CREATE TABLE users (id INTEGER PRIMARY KEY);")
	revert := writeScript(t, dir, "users_revert.sql", "DROP TABLE users;")

	rec := testRecord(1)
	rec.Tags = []string{"v1.0"}
	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := d.RunScript(ctx, deploy, nil); err != nil {
		t.Fatalf("deploy script failed: %v", err)
	}
	if err := d.RecordChange(ctx, rec, nil, "run-1"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := d.RunScript(ctx, revert, nil); err != nil {
		t.Fatalf("revert script failed: %v", err)
	}
	if err := d.RemoveChange(ctx, rec, "run-2"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if n := queryInt(t, target, "SELECT count(*) FROM sqlite_master WHERE name = 'users'"); n != 0 {
		t.Errorf("users table survived revert")
	}
	deployed, err := reg.DeployedChanges(ctx, "flipr")
	if err != nil {
		t.Fatalf("failed to list deployed: %v", err)
	}
	if len(deployed) != 0 {
		t.Errorf("deployed = %+v, want none", deployed)
	}
	// Tag rows cascade with the change row.
	if n := queryInt(t, reg.Path(), "SELECT count(*) FROM change_tags"); n != 0 {
		t.Errorf("change_tags rows = %d, want 0", n)
	}
	if kinds := eventKinds(t, reg); len(kinds) != 2 || kinds[0] != "revert" || kinds[1] != "deploy" {
		t.Errorf("events = %v, want [revert deploy]", kinds)
	}
}

func TestRemoveChangeNotRecorded(t *testing.T) {
	d, _, _ := setupDriver(t)
	ctx := context.Background()

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	err := d.RemoveChange(ctx, testRecord(9), "run-1")
	if err == nil || !strings.Contains(err.Error(), "change not recorded") {
		t.Fatalf("err = %v, want change not recorded", err)
	}
	if err := d.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
}

// Verify scripts run without an open transaction.
func TestRunScriptOutsideTransaction(t *testing.T) {
	d, _, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := writeScript(t, dir, "check.sql", "CREATE TABLE checked (id INTEGER);")
	if _, err := d.RunScript(ctx, script, nil); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if n := queryInt(t, target, "SELECT count(*) FROM sqlite_master WHERE name = 'checked'"); n != 1 {
		t.Errorf("checked table missing")
	}
}

func TestVariablesReachScript(t *testing.T) {
	d, _, target := setupDriver(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := writeScript(t, dir, "seed.sql", `
		CREATE TABLE settings (key TEXT, value TEXT);
		INSERT INTO settings VALUES ('owner', ':owner');
	`)
	if _, err := d.RunScript(ctx, script, map[string]string{"owner": "ada"}); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if n := queryInt(t, target, "SELECT count(*) FROM settings WHERE value = 'ada'"); n != 1 {
		t.Errorf("substituted value not found")
	}
}

func TestTransactionGuards(t *testing.T) {
	d, _, _ := setupDriver(t)
	ctx := context.Background()

	if err := d.Commit(ctx); err == nil || !strings.Contains(err.Error(), "no open transaction") {
		t.Errorf("commit without begin: err = %v", err)
	}
	if err := d.Rollback(ctx); err != nil {
		t.Errorf("rollback without begin should be a no-op, got %v", err)
	}
	if err := d.Begin(ctx); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := d.Begin(ctx); err == nil || !strings.Contains(err.Error(), "already open") {
		t.Errorf("double begin: err = %v", err)
	}
	if err := d.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
}

func TestFactoryBuildsDriver(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.New(registry.Config{Path: filepath.Join(dir, "registry.db")})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	ctx := context.Background()
	if err := reg.Init(ctx); err != nil {
		t.Fatalf("failed to initialize registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	d, err := drivers.New(drivers.Config{Engine: "sqlite", URI: filepath.Join(dir, "target.db"), Registry: reg})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer d.Close()
	if d.Name() != "sqlite" {
		t.Errorf("name = %q, want sqlite", d.Name())
	}
}

func TestMemoryRegistryRejected(t *testing.T) {
	reg, err := registry.New(registry.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	ctx := context.Background()
	if err := reg.Init(ctx); err != nil {
		t.Fatalf("failed to initialize registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	_, err = New(drivers.Config{Engine: "sqlite", URI: filepath.Join(t.TempDir(), "target.db"), Registry: reg})
	if err == nil || !strings.Contains(err.Error(), "file-backed") {
		t.Fatalf("err = %v, want file-backed registry error", err)
	}
}
