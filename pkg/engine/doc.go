// Package engine orchestrates deploy, revert, and verify operations
// against a plan, a registry, and a database driver.
//
// An Engine is constructed per operation and never shared between
// targets. It validates the plan's hash chain and dependency graph
// before any script runs, applies changes in plan order inside
// driver-managed transactions, and checkpoints the registry at the
// granularity requested by the deploy mode. Reverts always checkpoint
// per change, in reverse order.
//
// The engine itself performs no I/O beyond the capabilities handed to
// it: scripts run through the Driver interface, registry rows are
// written through the driver's transaction scope, branch operations go
// through the VCS interface, and interactive confirmation goes through
// an injected hook. This keeps the state machine deterministic and
// testable with fakes.
package engine
