package policy

import (
	"fmt"
	"time"

	"github.com/strata-db/strata/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the operation.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never be overridden.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations at this severity stop an operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a single Rego policy with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for
	// built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Change names the change the violation concerns, when one does.
	Change string `json:"change,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating all enabled policies against one
// operation.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists advisory violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies evaluate. Rego rules see it as the
// input value.
type Input struct {
	// Operation summarizes the pending mutation.
	Operation *engine.OperationSummary `json:"operation"`

	// Context carries evaluation-time facts such as the clock, for
	// change-window policies.
	Context *EvalContext `json:"context"`
}

// EvalContext provides context information for policy evaluation.
type EvalContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// DeniedError reports the blocking violations of a denied operation.
// It unwraps to engine.ErrDenied so callers can classify it.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	if len(e.Violations) == 1 {
		v := e.Violations[0]
		return fmt.Sprintf("policy %s denied the operation: %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("%d policy violations, first from %s: %s",
		len(e.Violations), e.Violations[0].Policy, e.Violations[0].Message)
}

func (e *DeniedError) Unwrap() error { return engine.ErrDenied }
