package plan

import (
	"strings"
	"time"
)

// Entry is a single ledger entry. The two implementations are *Change
// and *Tag.
type Entry interface {
	// EntryID returns the entry's content-addressed id.
	EntryID() string

	// DisplayName returns the entry's human identifier, with a leading
	// @ for tags.
	DisplayName() string
}

// Change represents one schema modification entry in a plan.
// A Change is immutable once the plan that owns it has been parsed.
type Change struct {
	// ID is the hex SHA-256 content hash of the change, chained to the
	// preceding ledger entry.
	ID string `json:"id"`

	// Name is the human identifier for the change. Names are unique
	// within an unbroken run between tags and may be reused after a tag.
	Name string `json:"name"`

	// Requires lists the dependencies that must be deployed before this
	// change, in declaration order.
	Requires []Ref `json:"requires,omitempty"`

	// Conflicts lists references that must not be deployed at the same
	// time as this change.
	Conflicts []Ref `json:"conflicts,omitempty"`

	// Tags holds the names of tags attached directly after this change.
	Tags []string `json:"tags,omitempty"`

	// PlannedAt is when the change was added to the plan.
	PlannedAt time.Time `json:"planned_at"`

	// PlannerName is the name of the person who planned the change.
	PlannerName string `json:"planner_name"`

	// PlannerEmail is the email of the person who planned the change.
	PlannerEmail string `json:"planner_email"`

	// Note is the free-form note recorded after # on the plan line.
	Note string `json:"note,omitempty"`

	line int
}

// EntryID implements Entry.
func (c *Change) EntryID() string { return c.ID }

// DisplayName implements Entry.
func (c *Change) DisplayName() string { return c.Name }

// NameWithTags returns the change name followed by any tags attached at
// its position, e.g. "users @v1.0.0".
func (c *Change) NameWithTags() string {
	if len(c.Tags) == 0 {
		return c.Name
	}
	var b strings.Builder
	b.WriteString(c.Name)
	for _, t := range c.Tags {
		b.WriteString(" @")
		b.WriteString(t)
	}
	return b.String()
}

// Planner returns the planner identity as "Name <email>".
func (c *Change) Planner() string {
	return c.PlannerName + " <" + c.PlannerEmail + ">"
}

// Tag represents a named, hashed pointer to a ledger position.
// Like a Change, a Tag is chained to the entry before it and is
// immutable once created.
type Tag struct {
	// ID is the hex SHA-256 content hash of the tag, chained to the
	// preceding ledger entry.
	ID string `json:"id"`

	// Name is the tag name without the leading @.
	Name string `json:"name"`

	// ChangeID is the id of the change this tag pins.
	ChangeID string `json:"change_id"`

	// PlannedAt is when the tag was added to the plan.
	PlannedAt time.Time `json:"planned_at"`

	// PlannerName is the name of the person who planned the tag.
	PlannerName string `json:"planner_name"`

	// PlannerEmail is the email of the person who planned the tag.
	PlannerEmail string `json:"planner_email"`

	// Note is the free-form note recorded after # on the plan line.
	Note string `json:"note,omitempty"`

	line int
}

// EntryID implements Entry.
func (t *Tag) EntryID() string { return t.ID }

// DisplayName implements Entry.
func (t *Tag) DisplayName() string { return "@" + t.Name }

// Planner returns the planner identity as "Name <email>".
func (t *Tag) Planner() string {
	return t.PlannerName + " <" + t.PlannerEmail + ">"
}
