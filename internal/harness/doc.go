// Package harness runs replication scenarios against the real engine.
//
// A scenario feeds events into an in-memory primary, injects transfer
// failures, moves a fake clock and runs reconciliation passes, then checks
// the resulting registries. Blob and repository transfers go to in-memory
// fakes; registries live in an in-memory SQLite store.
//
// # Scenario Format
//
//	name: blob_lifecycle
//	description: "An upload is replicated and verified"
//	settings:
//	  verification: true
//	  scope: { type: namespaces, namespace_ids: [1] }
//	steps:
//	  - emit: { kind: created, resource: upload/7, namespace_path: [1], data: "hello" }
//	  - fail: { resource: upload/7, errors: ["connection reset"] }
//	  - run: true
//	  - advance: 1h
//	  - run: true
//	assertions:
//	  - type: registry
//	    resource: upload/7
//	    expect: { state: synced, verification_state: succeeded }
//	  - type: transfers
//	    resource: upload/7
//	    count: 2
//
// Steps: emit, fail, advance, run, sweep, scope, resync, reverify and
// corrupt (overwrite the local copy of a blob).
//
// # Assertion Types
//
//   - registry: subset match on registry fields
//   - absent: the resource has no registry
//   - count: number of registries by type, state and verification state
//   - cursor: the event cursor of a resource type
//   - transfers: number of attempted downloads or fetches of a resource
//
// # Deterministic Testing
//
// The clock starts at Epoch and only moves on advance steps; lease tokens
// are sequential. Snapshot leaves out timestamps, so a scenario's golden
// file only changes when replication behavior does.
package harness
