// Package store provides SQLite-backed persistence for a Geo secondary.
//
// The store holds:
//   - Registries: replication and verification state per resource
//   - Events: a local mirror of the primary's event log
//   - Event cursors: the consumption position per resource type
//   - Resources: a mirror of primary-owned metadata used for scoping and backfill
//   - Tombstones: resources whose deletion has been consumed
//
// # Registry updates
//
// Every registry change is a compare-and-swap on lock_version. Update reads
// the row, applies a pure transition from package geo and writes the result
// only if nobody else wrote in between; otherwise it returns ErrConflict.
// Two workers racing to start the same registry therefore produce exactly one
// started row.
//
// # Ordering
//
// Selection queries order by id (or by retry_at, nulls first, then id) so
// batches are deterministic. Cursor advances take the maximum of the stored
// and proposed ids and never move backwards.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Times are stored as INTEGER unix milliseconds.
package store
