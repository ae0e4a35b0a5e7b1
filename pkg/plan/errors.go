package plan

import "fmt"

// SyntaxError reports a malformed line in a plan file. Parsing aborts at
// the first syntax error.
type SyntaxError struct {
	// File is the plan file being parsed.
	File string

	// Line is the 1-based line number of the offending line.
	Line int

	// Msg describes what is wrong with the line.
	Msg string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

// IntegrityError reports a break in the plan's hash chain or a registry
// state that no longer matches the plan. It is treated as corruption:
// nothing repairs it automatically.
type IntegrityError struct {
	// File is the plan file, when known.
	File string

	// Entry is the human identifier of the first offending entry.
	Entry string

	// Msg describes the mismatch.
	Msg string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("integrity violation in %s at %s: %s", e.File, e.Entry, e.Msg)
	}
	return fmt.Sprintf("integrity violation at %s: %s", e.Entry, e.Msg)
}
