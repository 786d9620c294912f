package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/store"
	"github.com/roach88/geosync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	uploads = geo.ResourceType("upload")
	repos   = geo.ResourceType("project_repository")
)

type fixture struct {
	store   *store.Store
	clock   *testutil.FakeClock
	primary *testutil.FakePrimary
	blobs   *testutil.FakeBlobs
	repos   *testutil.FakeRepos
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	s, err := store.Open(filepath.Join(t.TempDir(), "geo.db"), store.WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	primary := testutil.NewFakePrimary()
	primary.Now = clock.Now
	return &fixture{
		store:   s,
		clock:   clock,
		primary: primary,
		blobs:   testutil.NewFakeBlobs(),
		repos:   testutil.NewFakeRepos(),
		root:    t.TempDir(),
	}
}

// engine builds an engine replicating uploads as blobs and project
// repositories as repositories. mutate may adjust the options.
func (f *fixture) engine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	deps := replicator.Deps{StorageRoot: f.root, Blobs: f.blobs, Repos: f.repos}
	blob, err := replicator.NewStrategy(replicator.StrategyBlob, deps)
	require.NoError(t, err)
	repo, err := replicator.NewStrategy(replicator.StrategyRepository, deps)
	require.NoError(t, err)

	opts := Options{
		Store:  f.store,
		Source: f.primary,
		Resources: []ResourceSpec{
			{Type: uploads, Strategy: blob},
			{Type: repos, Strategy: repo},
		},
		Clock:               f.clock,
		Leases:              testutil.NewSequenceLeases(""),
		VerificationEnabled: true,
		Workers:             2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
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
