// Package sqlite drives SQLite targets. The registry database is
// attached to the target connection, so a change script and its
// registry rows commit or roll back as one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/registry"
	"github.com/strata-db/strata/pkg/telemetry"

	_ "modernc.org/sqlite"
)

// attachName is the schema name the registry database is attached under.
const attachName = "strata"

func init() {
	drivers.Register("sqlite", func(cfg drivers.Config) (engine.Driver, error) {
		return New(cfg)
	})
}

// Driver executes change scripts against one SQLite database file.
type Driver struct {
	db   *sql.DB
	tx   *sql.Tx
	path string
}

// New opens the target database and attaches the registry. The pool is
// capped at one connection so the attachment and transaction state stay
// on it.
func New(cfg drivers.Config) (*Driver, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("sqlite driver requires a database path")
	}
	if cfg.Registry.Path() == ":memory:" {
		return nil, fmt.Errorf("sqlite driver requires a file-backed registry")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", cfg.URI)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open target %s: %w", cfg.URI, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping target %s: %w", cfg.URI, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("ATTACH DATABASE ? AS "+attachName, cfg.Registry.Path()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to attach registry %s: %w", cfg.Registry.Path(), err)
	}

	return &Driver{db: db, path: cfg.URI}, nil
}

// Name returns the engine name.
func (d *Driver) Name() string { return "sqlite" }

// Begin opens a transaction spanning the target and the attached
// registry.
func (d *Driver) Begin(ctx context.Context) error {
	if d.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	d.tx = tx
	return nil
}

// Commit makes the current transaction durable.
func (d *Driver) Commit(_ context.Context) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback discards the current transaction. Calling it without an open
// transaction is a no-op.
func (d *Driver) Rollback(_ context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// RunScript executes the script file with :name variables substituted.
// The whole script runs as one batch, inside the open transaction when
// there is one.
func (d *Driver) RunScript(ctx context.Context, path string, vars map[string]string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	sqlText := drivers.Substitute(string(data), vars)

	telemetry.FromContext(ctx).WithField("path", path).Debug("running script")

	execFn := d.db.ExecContext
	if d.tx != nil {
		execFn = d.tx.ExecContext
	}
	if _, err := execFn(ctx, sqlText); err != nil {
		return "", fmt.Errorf("script %s failed: %w", path, err)
	}
	return "", nil
}

// RecordChange writes the change, its tags and dependencies, and a
// deploy event into the attached registry inside the open transaction.
func (d *Driver) RecordChange(ctx context.Context, rec *registry.ChangeRecord, deps []registry.Dependency, runID string) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}

	_, err := d.tx.ExecContext(ctx, `
		INSERT INTO `+attachName+`.changes (change_id, project, name, note, committed_at,
			committer_name, committer_email, planned_at, planner_name, planner_email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChangeID, rec.Project, rec.Name, rec.Note, rec.CommittedAt,
		rec.CommitterName, rec.CommitterEmail, rec.PlannedAt, rec.PlannerName, rec.PlannerEmail)
	if err != nil {
		return fmt.Errorf("failed to record change %s: %w", rec.Name, err)
	}

	for _, tag := range rec.Tags {
		_, err := d.tx.ExecContext(ctx,
			"INSERT INTO "+attachName+".change_tags (change_id, tag) VALUES (?, ?)",
			rec.ChangeID, tag)
		if err != nil {
			return fmt.Errorf("failed to record tag %s: %w", tag, err)
		}
	}
	for _, dep := range deps {
		_, err := d.tx.ExecContext(ctx,
			"INSERT INTO "+attachName+".dependencies (change_id, type, dependency, dependency_id) VALUES (?, ?, ?, ?)",
			dep.ChangeID, dep.Type, dep.Dependency, dep.DependencyID)
		if err != nil {
			return fmt.Errorf("failed to record dependency %s: %w", dep.Dependency, err)
		}
	}

	return d.insertEvent(ctx, registry.EventDeploy, rec, runID)
}

// RemoveChange deletes the change's registry rows and writes a revert
// event inside the open transaction. Tags and dependencies cascade.
func (d *Driver) RemoveChange(ctx context.Context, rec *registry.ChangeRecord, runID string) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}

	result, err := d.tx.ExecContext(ctx,
		"DELETE FROM "+attachName+".changes WHERE change_id = ?", rec.ChangeID)
	if err != nil {
		return fmt.Errorf("failed to remove change %s: %w", rec.Name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("change not recorded: %s", rec.ChangeID)
	}

	return d.insertEvent(ctx, registry.EventRevert, rec, runID)
}

func (d *Driver) insertEvent(ctx context.Context, kind registry.EventType, rec *registry.ChangeRecord, runID string) error {
	_, err := d.tx.ExecContext(ctx, `
		INSERT INTO `+attachName+`.events (event, change_id, project, name, note, tags,
			run_id, committed_at, committer_name, committer_email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kind, rec.ChangeID, rec.Project, rec.Name, rec.Note, strings.Join(rec.Tags, " "),
		runID, rec.CommittedAt, rec.CommitterName, rec.CommitterEmail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Close releases the target connection. An open transaction is rolled
// back first.
func (d *Driver) Close() error {
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	return d.db.Close()
}

