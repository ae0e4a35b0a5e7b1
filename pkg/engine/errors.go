package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/strata-db/strata/pkg/graph"
	"github.com/strata-db/strata/pkg/plan"
	"github.com/strata-db/strata/pkg/registry"
)

// ErrAborted is returned when the operator declines a confirmation prompt.
var ErrAborted = errors.New("operation aborted")

// ErrDenied is the sentinel wrapped by gate implementations when a
// policy blocks an operation.
var ErrDenied = errors.New("operation denied by policy")

// NotDeployedError reports a revert or verify target that is not among
// the currently deployed changes.
type NotDeployedError struct {
	// Target is the change reference the operator asked for.
	Target string
}

func (e *NotDeployedError) Error() string {
	return fmt.Sprintf("change %q is not deployed", e.Target)
}

// AlreadyOnBranchError reports a checkout onto the branch that is
// already checked out.
type AlreadyOnBranchError struct {
	Branch string
}

func (e *AlreadyOnBranchError) Error() string {
	return fmt.Sprintf("already on branch %s", e.Branch)
}

// NoCommonAncestorError reports two plans that share no change at all,
// making a checkout between them impossible.
type NoCommonAncestorError struct {
	// FromProject is the project of the currently deployed plan.
	FromProject string

	// Branch is the branch whose plan shares no history.
	Branch string
}

func (e *NoCommonAncestorError) Error() string {
	return fmt.Sprintf("branch %s shares no changes with the current plan of project %s", e.Branch, e.FromProject)
}

// ConflictError reports a change whose declared conflict is, or would
// become, deployed.
type ConflictError struct {
	// Change is the change being deployed.
	Change string

	// ConflictsWith names the conflicting change.
	ConflictsWith string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("change %s conflicts with deployed change %s", e.Change, e.ConflictsWith)
}

// DependencyError reports a foreign required change that is not
// deployed to the target.
type DependencyError struct {
	// Change is the change being deployed.
	Change string

	// Requires names the missing required change.
	Requires string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("change %s requires %s, which is not deployed", e.Change, e.Requires)
}

// RequiredByError reports a revert blocked by a deployed change,
// outside the revert span, that requires one of the changes being
// reverted.
type RequiredByError struct {
	// Change is the change being reverted.
	Change string

	// RequiredBy names the deployed change that still requires it.
	RequiredBy string
}

func (e *RequiredByError) Error() string {
	return fmt.Sprintf("change %s is still required by deployed change %s", e.Change, e.RequiredBy)
}

// ScriptError reports a deploy, revert, or verify script that failed.
// The in-flight transaction has been rolled back; committed checkpoints
// before the failure are retained.
type ScriptError struct {
	// Change is the change whose script failed.
	Change string

	// Script is the path of the failing script.
	Script string

	// Output is the script's captured output, if any.
	Output string

	// Err is the underlying execution error.
	Err error
}

func (e *ScriptError) Error() string {
	msg := fmt.Sprintf("script %s failed for change %s: %v", e.Script, e.Change, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// LockedError reports that another operation holds the registry lock
// for the target.
type LockedError struct {
	// Target is the target whose registry is locked.
	Target string

	// Err carries the registry's lock error, including the holder.
	Err error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("target %s is locked: %v", e.Target, e.Err)
}

func (e *LockedError) Unwrap() error {
	return e.Err
}

// Classify maps an error to a stable class name for metrics and logs.
func Classify(err error) string {
	var (
		syntaxErr     *plan.SyntaxError
		integrityErr  *plan.IntegrityError
		unresolvedErr *graph.UnresolvedError
		cycleErr      *graph.CycleError
		orderErr      *graph.OrderError
		notDeployed   *NotDeployedError
		onBranch      *AlreadyOnBranchError
		noAncestor    *NoCommonAncestorError
		conflict      *ConflictError
		dependency    *DependencyError
		requiredBy    *RequiredByError
		script        *ScriptError
		locked        *LockedError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &syntaxErr):
		return "syntax"
	case errors.As(err, &integrityErr):
		return "integrity"
	case errors.As(err, &unresolvedErr):
		return "unresolved_dependency"
	case errors.As(err, &cycleErr):
		return "dependency_cycle"
	case errors.As(err, &orderErr):
		return "dependency_order"
	case errors.As(err, &notDeployed):
		return "not_deployed"
	case errors.As(err, &onBranch):
		return "already_on_branch"
	case errors.As(err, &noAncestor):
		return "no_common_ancestor"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &dependency):
		return "missing_dependency"
	case errors.As(err, &requiredBy):
		return "required_by"
	case errors.As(err, &script):
		return "script_execution"
	case errors.As(err, &locked), errors.Is(err, registry.ErrLocked):
		return "registry_locked"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrDenied):
		return "policy_denied"
	default:
		return "other"
	}
}
