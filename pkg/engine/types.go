package engine

import (
	"fmt"
	"time"
)

// Mode controls the registry checkpoint granularity of a deploy.
type Mode string

const (
	// ModeChange commits the registry after every change.
	ModeChange Mode = "change"

	// ModeTag commits the registry at each tag boundary.
	ModeTag Mode = "tag"

	// ModeAll defers the commit until the whole requested span succeeds.
	ModeAll Mode = "all"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChange, ModeTag, ModeAll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid deploy mode: %q (must be change, tag, or all)", s)
	}
}

// State is the engine's operational state.
type State string

const (
	StateIdle      State = "idle"
	StateDeploying State = "deploying"
	StateReverting State = "reverting"
	StateFailed    State = "failed"
)

// VariableScope selects which script phase a variable set applies to.
const (
	ScopeDeploy = "deploy"
	ScopeRevert = "revert"
)

// DeployReport summarizes a deploy operation.
type DeployReport struct {
	// RunID identifies the operation across logs, traces, and events.
	RunID string `json:"run_id"`

	// Project is the plan's project name.
	Project string `json:"project"`

	// Mode is the checkpoint granularity the deploy ran with.
	Mode Mode `json:"mode"`

	// LogOnly is true when scripts were skipped and only the registry
	// was written.
	LogOnly bool `json:"log_only"`

	// Deployed lists the changes applied, in order, by display name.
	Deployed []string `json:"deployed"`

	// Duration is the wall-clock time of the operation.
	Duration time.Duration `json:"duration"`
}

// RevertReport summarizes a revert operation.
type RevertReport struct {
	RunID string `json:"run_id"`

	Project string `json:"project"`

	LogOnly bool `json:"log_only"`

	// Reverted lists the changes undone, in revert order.
	Reverted []string `json:"reverted"`

	Duration time.Duration `json:"duration"`
}

// VerifyReport summarizes a verify operation.
type VerifyReport struct {
	Project string `json:"project"`

	// Checked is the number of deployed changes whose verify script ran.
	Checked int `json:"checked"`

	// Skipped is the number of deployed changes with no verify script.
	Skipped int `json:"skipped"`

	// Failures holds one entry per change that failed verification.
	Failures []VerifyFailure `json:"failures,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Ok reports whether every checked change verified cleanly.
func (r *VerifyReport) Ok() bool {
	return len(r.Failures) == 0
}

// VerifyFailure is one failed verification.
type VerifyFailure struct {
	// Change is the failing change's name.
	Change string `json:"change"`

	// Reason describes the failure.
	Reason string `json:"reason"`

	// Output is the verify script's captured output, if any.
	Output string `json:"output,omitempty"`
}

// CheckoutRequest describes a branch switch for the orchestrator.
type CheckoutRequest struct {
	// Branch is the branch to switch to.
	Branch string

	// VCS supplies branch state and file content at refs.
	VCS VCS

	// PlanPath is the repository-relative path of the plan file, used
	// to read the target branch's plan.
	PlanPath string

	// Mode is the checkpoint granularity for the forward deploy.
	Mode Mode

	// LogOnly skips script execution in both phases.
	LogOnly bool

	// DeployVars are applied to the deploy phase.
	DeployVars map[string]string

	// RevertVars are applied to the revert phase.
	RevertVars map[string]string
}

// CheckoutReport summarizes a checkout operation.
type CheckoutReport struct {
	// Branch is the branch switched to.
	Branch string `json:"branch"`

	// Ancestor is the display name of the common ancestor change.
	Ancestor string `json:"ancestor"`

	// Reverted lists the changes undone before the switch.
	Reverted []string `json:"reverted"`

	// Deployed lists the changes applied after the switch.
	Deployed []string `json:"deployed"`

	Duration time.Duration `json:"duration"`
}

// OperationSummary describes a pending mutating operation for policy
// evaluation.
type OperationSummary struct {
	// Operation is deploy, revert, or checkout.
	Operation string `json:"operation"`

	// Project is the plan's project name.
	Project string `json:"project"`

	// Target names the deployment target.
	Target string `json:"target"`

	// Mode is the checkpoint granularity, when the operation deploys.
	Mode string `json:"mode,omitempty"`

	// LogOnly is true for registry-only runs.
	LogOnly bool `json:"log_only"`

	// Changes lists the changes the operation would touch, in order.
	Changes []ChangeSummary `json:"changes"`
}

// ChangeSummary is one change inside an OperationSummary.
type ChangeSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Note string `json:"note,omitempty"`

	// Requires and Conflicts carry the declared references as written.
	Requires  []string `json:"requires,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`

	// Tags attached to the change in the ledger.
	Tags []string `json:"tags,omitempty"`
}
