package registry

import "time"

// EventType classifies registry audit events.
type EventType string

const (
	EventDeploy EventType = "deploy"
	EventRevert EventType = "revert"
	EventFail   EventType = "fail"
)

// DepType classifies recorded dependencies.
type DepType string

const (
	DepRequire  DepType = "require"
	DepConflict DepType = "conflict"
)

// ChangeRecord is one deployed change as persisted in the registry.
type ChangeRecord struct {
	// ChangeID is the plan id of the deployed change.
	ChangeID string

	// Project is the project the change belongs to.
	Project string

	// Name is the change name at deploy time.
	Name string

	// Note is the planner's note.
	Note string

	// CommittedAt is when the change was recorded in the registry.
	CommittedAt time.Time

	// CommitterName identifies who deployed the change.
	CommitterName string

	// CommitterEmail identifies who deployed the change.
	CommitterEmail string

	// PlannedAt is the change's planned timestamp from the plan.
	PlannedAt time.Time

	// PlannerName is the planner identity from the plan.
	PlannerName string

	// PlannerEmail is the planner identity from the plan.
	PlannerEmail string

	// Tags holds the tag names attached to the change at deploy time.
	Tags []string
}

// Dependency is one recorded requires/conflicts edge of a deployed change.
type Dependency struct {
	// ChangeID is the deployed change declaring the dependency.
	ChangeID string

	// Type is require or conflict.
	Type DepType

	// Dependency is the reference as written in the plan.
	Dependency string

	// DependencyID is the resolved change id, when resolution succeeded.
	DependencyID string
}

// Dependent identifies a deployed change that requires another change.
type Dependent struct {
	ChangeID string
	Project  string
	Name     string
}

// Event is one row of the append-only audit log.
type Event struct {
	// Event is the event type: deploy, revert, or fail.
	Event EventType

	// ChangeID is the plan id of the affected change.
	ChangeID string

	// Project is the change's project.
	Project string

	// Name is the change name.
	Name string

	// Note is the planner's note.
	Note string

	// Tags holds the tags attached at event time.
	Tags []string

	// RunID correlates all events of one engine operation.
	RunID string

	// CommittedAt is when the event was recorded.
	CommittedAt time.Time

	// CommitterName identifies who ran the operation.
	CommitterName string

	// CommitterEmail identifies who ran the operation.
	CommitterEmail string
}

// NewEvent builds an audit event from a change record. Drivers use it
// when writing deploy and revert events alongside their registry rows.
func NewEvent(kind EventType, rec *ChangeRecord, runID string) *Event {
	return &Event{
		Event:          kind,
		ChangeID:       rec.ChangeID,
		Project:        rec.Project,
		Name:           rec.Name,
		Note:           rec.Note,
		Tags:           rec.Tags,
		RunID:          runID,
		CommittedAt:    rec.CommittedAt,
		CommitterName:  rec.CommitterName,
		CommitterEmail: rec.CommitterEmail,
	}
}
