// Package engine implements the reconciliation loop of a Geo secondary.
//
// The loop has four duties, each on its own ticker:
//
// Poll: pull new events of every resource type from the primary, append
// them to the local mirror and dispatch them in event id order to the
// replicator of their type. The per-type cursor advances after each applied
// batch. A secondary with no cursor first backfills: it lists the primary's
// resources up to the primary's latest event id and creates registries for
// the in-scope ones.
//
// Schedule: fill the worker pool up to max capacity with sync jobs (never
// attempted, resync requested, retry due) and, when verification is
// enabled, verification jobs.
//
// Sweep: fail syncs and verifications that have been started for longer
// than their timeout, so a crashed worker never holds a registry forever.
//
// Work: a bounded pool of workers runs the jobs. A job never stops the
// loop; its outcome is recorded in the registry row.
//
// Correctness does not depend on the loop being the only writer. Every
// registry transition is a compare-and-swap in the store, and sync outcomes
// are fenced by the lease token issued when the sync started.
package engine
