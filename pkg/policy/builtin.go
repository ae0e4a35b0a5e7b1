package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into every engine. All
// of them are advisory: they warn without blocking. Blocking rules
// belong in the operator's policy directory.
func BuiltinPolicies() []Policy {
	return []Policy{
		changeNotesPolicy(),
		spanSizePolicy(),
		taggedRevertsPolicy(),
	}
}

// changeNotesPolicy warns about deploying changes without a note.
func changeNotesPolicy() Policy {
	return Policy{
		Name:        "change-notes",
		Description: "Warns when a deployed change carries no note",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package strata.policies.notes

import rego.v1

deny contains violation if {
	input.operation.operation == "deploy"
	some change in input.operation.changes
	not change.note
	violation := {
		"message": sprintf("change %s has no note", [change.name]),
		"severity": "warning",
		"change": change.name,
	}
}`,
	}
}

// spanSizePolicy warns about operations touching many changes at once.
func spanSizePolicy() Policy {
	return Policy{
		Name:        "span-size",
		Description: "Warns when an operation touches more than 25 changes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package strata.policies.span

import rego.v1

max_changes := 25

deny contains violation if {
	total := count(input.operation.changes)
	total > max_changes
	violation := {
		"message": sprintf("operation touches %d changes, review the span before proceeding", [total]),
		"severity": "warning",
	}
}`,
	}
}

// taggedRevertsPolicy warns about reverting changes that were released
// under a tag.
func taggedRevertsPolicy() Policy {
	return Policy{
		Name:        "tagged-reverts",
		Description: "Warns when a revert undoes a change released under a tag",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety", "releases"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package strata.policies.tags

import rego.v1

deny contains violation if {
	input.operation.operation == "revert"
	some change in input.operation.changes
	count(change.tags) > 0
	violation := {
		"message": sprintf("revert undoes %s, which was released as %s", [change.name, concat(" ", change.tags)]),
		"severity": "warning",
		"change": change.name,
	}
}`,
	}
}
