package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/geosync/internal/geo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable wall clock for store tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// createTestStore creates a new store in a temp dir with a clock at t0.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testResource(t geo.ResourceType, id, eventID int64) geo.Resource {
	return geo.Resource{
		Type:            t,
		ID:              id,
		NamespaceID:     10,
		NamespacePath:   []int64{1, 10},
		Shard:           "default",
		PrimaryChecksum: "sum-" + geo.ResourceKey(t, id),
		LastEventID:     eventID,
	}
}
