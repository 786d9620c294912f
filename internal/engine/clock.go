package engine

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall-clock time to the loop, the replicators and the
// retry schedule. Tests substitute a fake clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// UUIDv7Generator generates time-sortable UUIDv7 lease tokens.
//
// UUIDv7 embeds a timestamp in the most significant bits, so a lease token
// in a log line also shows roughly when the sync started.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
