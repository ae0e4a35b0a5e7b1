package engine

import (
	"context"

	"github.com/strata-db/strata/pkg/registry"
)

// Driver is the backend capability the engine drives scripts and
// registry bookkeeping through. One implementation exists per supported
// engine (sqlite, shell, remote); the engine core never branches on
// backend identity.
//
// Begin, Commit, and Rollback scope a unit of work. Backends that can
// cover both the script's schema statements and the registry rows in
// one native transaction do so; others scope the registry alone and
// document that scripts are atomic per invocation.
type Driver interface {
	// Name returns the engine name the driver was registered under.
	Name() string

	// Begin opens a transaction for the next unit of work.
	Begin(ctx context.Context) error

	// Commit makes the current unit of work durable.
	Commit(ctx context.Context) error

	// Rollback discards the current unit of work.
	Rollback(ctx context.Context) error

	// RunScript executes the script at path with the given variable
	// substitutions and returns its captured output.
	RunScript(ctx context.Context, path string, vars map[string]string) (string, error)

	// RecordChange writes the deployed change, its dependencies, and a
	// deploy event inside the current transaction scope.
	RecordChange(ctx context.Context, rec *registry.ChangeRecord, deps []registry.Dependency, runID string) error

	// RemoveChange deletes the change's registry rows and writes a
	// revert event inside the current transaction scope.
	RemoveChange(ctx context.Context, rec *registry.ChangeRecord, runID string) error

	// Close releases the driver's connections.
	Close() error
}

// VCS is the version-control capability the checkout orchestrator
// needs: read a file at a ref, report the current branch, switch the
// working tree.
type VCS interface {
	CurrentBranch(ctx context.Context) (string, error)
	FileContentAt(ctx context.Context, ref, path string) ([]byte, error)
	SwitchTo(ctx context.Context, branch string) error
}

// ConfirmFunc asks the operator to confirm a destructive operation.
// The engine never reads the terminal itself.
type ConfirmFunc func(prompt string) (bool, error)

// Gate is consulted before any mutating operation. Implementations
// evaluate policy over the pending operation and return an error to
// block it.
type Gate interface {
	Check(ctx context.Context, op *OperationSummary) error
}
