package replicator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/retry"
	"github.com/roach88/geosync/internal/selective"
	"github.com/roach88/geosync/internal/store"
	"github.com/roach88/geosync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Store
	clock  *testutil.FakeClock
	blobs  *testutil.FakeBlobs
	repos  *testutil.FakeRepos
	root   string
	filter *selective.Filter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	s, err := store.Open(filepath.Join(t.TempDir(), "geo.db"), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{
		store:  s,
		clock:  clock,
		blobs:  testutil.NewFakeBlobs(),
		repos:  testutil.NewFakeRepos(),
		root:   t.TempDir(),
		filter: selective.All(),
	}
}

func (f *fixture) replicator(t *testing.T, resourceType geo.ResourceType, strategy string, verify bool) *Replicator {
	t.Helper()
	strat, err := NewStrategy(strategy, Deps{StorageRoot: f.root, Blobs: f.blobs, Repos: f.repos})
	require.NoError(t, err)
	r, err := New(Options{
		ResourceType:        resourceType,
		Strategy:            strat,
		Store:               f.store,
		Leases:              testutil.NewSequenceLeases(""),
		Scheduler:           retry.Default(),
		VerificationEnabled: verify,
		Scope:               func() *selective.Filter { return f.filter },
		Now:                 f.clock.Now,
	})
	require.NoError(t, err)
	return r
}

func resource(t geo.ResourceType, id int64) geo.Resource {
	return geo.Resource{
		Type:          t,
		ID:            id,
		NamespaceID:   10,
		NamespacePath: []int64{1, 10},
		Shard:         "default",
	}
}

func ev(id int64, kind geo.EventKind, res geo.Resource) geo.Event {
	return geo.Event{ID: id, Kind: kind, Resource: res, CreatedAt: t0}
}
