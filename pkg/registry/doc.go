// Package registry provides the persisted deployment state for one
// target. It is a SQLite database holding the deployed changes, their
// tags and dependencies, an append-only event log, and an advisory lock
// row that serializes mutating operations across processes.
package registry
