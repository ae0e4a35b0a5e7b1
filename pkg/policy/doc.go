// Package policy provides Open Policy Agent (OPA) gates for strata
// operations.
//
// Policies are written in Rego and evaluated against a summary of the
// pending operation before the engine mutates anything. A policy
// publishes a deny set; each element is either a message string or a
// map with message, severity, and change keys. Violations at error or
// critical severity block the operation, lower severities are logged
// and let it proceed.
//
// # Usage
//
// Creating a policy engine and handing it to the deploy engine:
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadDir(ctx, "policies"); err != nil {
//	    return err
//	}
//	eng := engine.New(p, reg, driver, engine.WithGate(gate))
//
// # Input Document
//
// Rego rules see the operation summary under input.operation and
// evaluation context under input.context:
//
//	{
//	    "operation": {
//	        "operation": "deploy",
//	        "project": "flipr",
//	        "target": "prod",
//	        "mode": "all",
//	        "log_only": false,
//	        "changes": [{"id": "...", "name": "users", "note": "...", "tags": ["@v1.0"]}]
//	    },
//	    "context": {"timestamp": "2026-08-21T10:00:00Z"}
//	}
//
// # Custom Policies
//
// Drop .rego files into the configured policy directory. Plain .rego
// files block at error severity unless a violation map says otherwise:
//
//	package strata.policies.windows
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation.operation == "revert"
//	    input.operation.target == "prod"
//	    violation := {
//	        "message": "reverts on prod require a change window",
//	        "severity": "error",
//	    }
//	}
//
// JSON policy definitions carry their own metadata (name, severity,
// enabled) alongside the Rego source.
//
// # Built-in Policies
//
// Three advisory policies ship compiled in: change-notes warns about
// deploying changes without a note, span-size warns about operations
// touching more than 25 changes, and tagged-reverts warns when a
// revert undoes a change released under a tag. None of them block.
//
// # Hot Reload
//
// Watch re-reads the loaded directories whenever a policy file is
// written, created, or removed, with a short debounce. A policy that
// stops compiling during a reload is skipped rather than taking the
// gate down.
package policy
