package graph

import (
	"fmt"
	"strings"

	"github.com/strata-db/strata/pkg/plan"
)

// UnresolvedError reports a dependency reference that does not resolve
// to any change, locally or through the project lookup.
type UnresolvedError struct {
	// Project is the project of the change declaring the reference.
	Project string

	// Change is the name of the change declaring the reference.
	Change string

	// Ref is the reference that failed to resolve.
	Ref plan.Ref
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("change %q in project %q references unknown change %q",
		e.Change, e.Project, e.Ref)
}

// CycleError reports a dependency cycle. Path holds the qualified change
// names along the cycle, ending where it started.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// OrderError reports a same-project require that points forward in the
// plan. Dependencies constrain order; they never reorder the plan, so a
// forward reference can never be satisfied.
type OrderError struct {
	// Project is the project whose plan order is violated.
	Project string

	// Change is the change declaring the forward reference.
	Change string

	// Requires is the name of the required change that appears later.
	Requires string
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	return fmt.Sprintf("change %q in project %q requires %q, which appears later in the plan",
		e.Change, e.Project, e.Requires)
}
