package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrLocked is returned by AcquireLock when another operation holds the
// registry lock.
var ErrLocked = errors.New("registry is locked by another operation")

// Registry is the SQLite-backed deployment state for one target.
type Registry struct {
	db   *sql.DB
	path string
}

// Config holds registry configuration.
type Config struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string
}

// New creates a registry handle. Init must be called before use.
func New(cfg Config) (*Registry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	return &Registry{path: cfg.Path}, nil
}

// Path returns the registry database path.
func (r *Registry) Path() string { return r.path }

// Init opens the database connection and enables WAL mode. The pool is
// capped at one connection: the registry is a single-writer resource and
// a lone connection keeps ":memory:" databases coherent in tests.
func (r *Registry) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", r.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping registry: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	r.db = db
	return nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Migrate applies the embedded registry schema migrations.
func (r *Registry) Migrate(_ context.Context) error {
	if r.db == nil {
		return fmt.Errorf("registry not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(r.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (r *Registry) HealthCheck(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("registry not initialized")
	}
	return r.db.PingContext(ctx)
}

// BeginTx starts a serializable transaction.
func (r *Registry) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (r *Registry) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// AcquireLock takes the cross-process advisory lock, failing fast with
// ErrLocked when another operation holds it. The owner string identifies
// the holder in error messages and diagnostics.
func (r *Registry) AcquireLock(ctx context.Context, owner string) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, "SELECT owner FROM registry_lock WHERE id = 1").Scan(&holder)
		switch {
		case err == nil:
			return fmt.Errorf("%w (held by %s)", ErrLocked, holder)
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("failed to inspect registry lock: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO registry_lock (id, owner, acquired_at) VALUES (1, ?, ?)",
			owner, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		return nil
	})
}

// ReleaseLock releases the advisory lock held by owner. Releasing a lock
// that is not held is not an error.
func (r *Registry) ReleaseLock(ctx context.Context, owner string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM registry_lock WHERE id = 1 AND owner = ?", owner)
	if err != nil {
		return fmt.Errorf("failed to release registry lock: %w", err)
	}
	return nil
}

// EnsureProject records the project in the registry if it is not already
// known.
func (r *Registry) EnsureProject(ctx context.Context, project, uri, creatorName, creatorEmail string) error {
	query := `
		INSERT INTO projects (project, uri, created_at, creator_name, creator_email)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, project, uri, time.Now().UTC(), creatorName, creatorEmail)
	if err != nil {
		return fmt.Errorf("failed to ensure project %s: %w", project, err)
	}
	return nil
}

// InsertChangeTx records a deployed change, its tags, and its
// dependencies inside tx.
func (r *Registry) InsertChangeTx(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, deps []Dependency) error {
	query := `
		INSERT INTO changes (change_id, project, name, note, committed_at,
			committer_name, committer_email, planned_at, planner_name, planner_email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		rec.ChangeID,
		rec.Project,
		rec.Name,
		rec.Note,
		rec.CommittedAt,
		rec.CommitterName,
		rec.CommitterEmail,
		rec.PlannedAt,
		rec.PlannerName,
		rec.PlannerEmail,
	)
	if err != nil {
		return fmt.Errorf("failed to record change %s: %w", rec.Name, err)
	}

	for _, tag := range rec.Tags {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO change_tags (change_id, tag) VALUES (?, ?)", rec.ChangeID, tag)
		if err != nil {
			return fmt.Errorf("failed to record tag %s: %w", tag, err)
		}
	}
	for _, dep := range deps {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO dependencies (change_id, type, dependency, dependency_id) VALUES (?, ?, ?, ?)",
			dep.ChangeID, dep.Type, dep.Dependency, dep.DependencyID)
		if err != nil {
			return fmt.Errorf("failed to record dependency %s: %w", dep.Dependency, err)
		}
	}
	return nil
}

// DeleteChangeTx removes a deployed change and, via cascade, its tags
// and dependencies inside tx.
func (r *Registry) DeleteChangeTx(ctx context.Context, tx *sql.Tx, changeID string) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM changes WHERE change_id = ?", changeID)
	if err != nil {
		return fmt.Errorf("failed to remove change %s: %w", changeID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("change not recorded: %s", changeID)
	}
	return nil
}

// InsertEventTx appends an audit event inside tx.
func (r *Registry) InsertEventTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	query := `
		INSERT INTO events (event, change_id, project, name, note, tags,
			run_id, committed_at, committer_name, committer_email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		ev.Event,
		ev.ChangeID,
		ev.Project,
		ev.Name,
		ev.Note,
		strings.Join(ev.Tags, " "),
		ev.RunID,
		ev.CommittedAt,
		ev.CommitterName,
		ev.CommitterEmail,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// InsertEvent appends an audit event in its own transaction. Used for
// fail events, which must survive the rollback of the change they
// describe.
func (r *Registry) InsertEvent(ctx context.Context, ev *Event) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.InsertEventTx(ctx, tx, ev)
	})
}

// DeployedChanges returns the deployed changes of a project in deploy
// order, tags included.
func (r *Registry) DeployedChanges(ctx context.Context, project string) ([]*ChangeRecord, error) {
	query := `
		SELECT change_id, project, name, note, committed_at,
			committer_name, committer_email, planned_at, planner_name, planner_email
		FROM changes
		WHERE project = ?
		ORDER BY committed_at, rowid
	`
	rows, err := r.db.QueryContext(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployed changes: %w", err)
	}
	defer rows.Close()

	var recs []*ChangeRecord
	for rows.Next() {
		rec := &ChangeRecord{}
		if err := rows.Scan(
			&rec.ChangeID,
			&rec.Project,
			&rec.Name,
			&rec.Note,
			&rec.CommittedAt,
			&rec.CommitterName,
			&rec.CommitterEmail,
			&rec.PlannedAt,
			&rec.PlannerName,
			&rec.PlannerEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}

	for _, rec := range recs {
		tags, err := r.changeTags(ctx, rec.ChangeID)
		if err != nil {
			return nil, err
		}
		rec.Tags = tags
	}
	return recs, nil
}

func (r *Registry) changeTags(ctx context.Context, changeID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT tag FROM change_tags WHERE change_id = ? ORDER BY tag", changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list change tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// LatestChange returns the most recently deployed change of a project,
// or nil when nothing is deployed.
func (r *Registry) LatestChange(ctx context.Context, project string) (*ChangeRecord, error) {
	query := `
		SELECT change_id, project, name, note, committed_at,
			committer_name, committer_email, planned_at, planner_name, planner_email
		FROM changes
		WHERE project = ?
		ORDER BY committed_at DESC, rowid DESC
		LIMIT 1
	`
	rec := &ChangeRecord{}
	err := r.db.QueryRowContext(ctx, query, project).Scan(
		&rec.ChangeID,
		&rec.Project,
		&rec.Name,
		&rec.Note,
		&rec.CommittedAt,
		&rec.CommitterName,
		&rec.CommitterEmail,
		&rec.PlannedAt,
		&rec.PlannerName,
		&rec.PlannerEmail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest change: %w", err)
	}
	return rec, nil
}

// IsDeployed reports whether a change id is currently deployed.
func (r *Registry) IsDeployed(ctx context.Context, changeID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		"SELECT 1 FROM changes WHERE change_id = ?", changeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check change %s: %w", changeID, err)
	}
	return true, nil
}

// Dependents returns the deployed changes that declare a require
// dependency on changeID, in deploy order.
func (r *Registry) Dependents(ctx context.Context, changeID string) ([]Dependent, error) {
	query := `
		SELECT c.change_id, c.project, c.name
		FROM dependencies d
		JOIN changes c ON c.change_id = d.change_id
		WHERE d.dependency_id = ? AND d.type = 'require'
		ORDER BY c.committed_at, c.rowid
	`
	rows, err := r.db.QueryContext(ctx, query, changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer rows.Close()

	var deps []Dependent
	for rows.Next() {
		var d Dependent
		if err := rows.Scan(&d.ChangeID, &d.Project, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// Events returns the audit log for a project, most recent first.
func (r *Registry) Events(ctx context.Context, project string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT event, change_id, project, name, note, tags,
			run_id, committed_at, committer_name, committer_email
		FROM events
		WHERE project = ?
		ORDER BY committed_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, project, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var tags string
		if err := rows.Scan(
			&ev.Event,
			&ev.ChangeID,
			&ev.Project,
			&ev.Name,
			&ev.Note,
			&tags,
			&ev.RunID,
			&ev.CommittedAt,
			&ev.CommitterName,
			&ev.CommitterEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if tags != "" {
			ev.Tags = strings.Fields(tags)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
