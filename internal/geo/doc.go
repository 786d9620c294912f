// Package geo holds the domain types of a Geo secondary and the two pure
// state machines that govern each replicated resource.
//
// A Registry is the per-resource bookkeeping record. Its replication state
// moves through pending, started, synced and failed; its verification facet
// moves independently through pending, started, succeeded and failed once the
// registry is synced. All transitions are value methods that return a new
// Registry and never mutate the receiver, so they can be tested without a
// database. The store package persists them with compare-and-swap updates.
//
// Transition table for replication:
//
//	start        pending|synced|failed -> started
//	mark_synced  started               -> synced
//	mark_failed  started               -> failed
//	resync       synced|failed         -> pending
//	time_out     started               -> failed
//
// Any other pair is rejected with a *TransitionError.
//
// This package imports nothing internal except retry.
package geo
