// Package plan parses, verifies, and serializes strata plan files.
//
// A plan file is the ordered ledger of schema changes and tags for one
// project. Entries are hash-chained: every entry's id is a SHA-256 digest
// of its own content plus the id of the entry before it, so editing any
// line changes the id of that entry and of every entry after it.
//
// The format is line oriented. Blank lines and lines starting with # are
// ignored. Pragmas appear before the first entry:
//
//	%syntax-version=1.0.0
//	%project=flipr
//	%uri=https://github.com/example/flipr
//
// A change line names the change, its dependencies in square brackets
// (a ! prefix marks a conflict, a foreign project is written
// project:name, and name@tag pins a historical instance), the planned
// timestamp, the planner identity, and an optional note:
//
//	users [appschema !legacy_users] 2025-03-04T10:02:55Z Ada Li <ada@example.com> # Adds users table.
//
// A tag line pins a name to the position of the change above it:
//
//	@v1.0.0 2025-03-09T18:20:11Z Ada Li <ada@example.com> # First release.
//
// Plans are immutable once parsed except through AddChange and AddTag,
// which append to the ledger and extend the hash chain.
package plan
