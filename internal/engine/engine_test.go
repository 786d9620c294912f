package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geosync/internal/checksum"
	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/metrics"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/selective"
	"github.com/roach88/geosync/internal/store"
)

func TestNew_Validates(t *testing.T) {
	f := newFixture(t)

	_, err := New(Options{})
	assert.ErrorContains(t, err, "store is required")

	_, err = New(Options{Store: f.store})
	assert.ErrorContains(t, err, "event source is required")

	_, err = New(Options{Store: f.store, Source: f.primary})
	assert.ErrorContains(t, err, "at least one resource type")

	_, err = New(Options{
		Store:     f.store,
		Source:    f.primary,
		Resources: []ResourceSpec{{Type: uploads}},
	})
	assert.ErrorContains(t, err, "strategy is required")

	_, err = New(Options{
		Store:     f.store,
		Source:    f.primary,
		Resources: []ResourceSpec{{Type: uploads, Strategy: panicStrategy{}}},
		Scope:     selective.Scope{Type: "bogus"},
	})
	assert.Error(t, err)
}

func TestNew_RejectsDuplicateTypes(t *testing.T) {
	f := newFixture(t)
	_, err := New(Options{
		Store:  f.store,
		Source: f.primary,
		Resources: []ResourceSpec{
			{Type: uploads, Strategy: panicStrategy{}},
			{Type: uploads, Strategy: panicStrategy{}},
		},
	})
	assert.ErrorContains(t, err, "duplicate resource type")
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, func(o *Options) {
		o.Workers = 0
		o.BatchSize = 5000
	})

	assert.Equal(t, DefaultWorkers, e.opts.Workers)
	assert.Equal(t, DefaultMaxCapacity, e.opts.MaxCapacity)
	assert.Equal(t, store.MaxBatchSize, e.opts.BatchSize)
	assert.Equal(t, DefaultSyncTimeout, e.opts.SyncTimeout)
	assert.Equal(t, []geo.ResourceType{uploads, repos}, e.ResourceTypes())
	assert.NotNil(t, e.Replicator(uploads))
	assert.Nil(t, e.Replicator("lfs_object"))
	assert.Equal(t, selective.ScopeNone, e.Scope().Scope().Type)
}

func TestRunOnce_BlobLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, nil)

	// Nothing on the primary yet: backfill is a no-op.
	require.NoError(t, e.RunOnce(ctx))

	content := []byte("upload contents")
	sum, err := checksum.Reader(bytes.NewReader(content))
	require.NoError(t, err)
	res := resource(uploads, 1)
	res.PrimaryChecksum = sum
	f.blobs.Put(uploads, 1, content)
	f.primary.Emit(geo.EventCreated, res)

	require.NoError(t, e.RunOnce(ctx))

	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
	assert.Equal(t, geo.VerificationSucceeded, reg.VerificationState)
	assert.Equal(t, sum, reg.VerificationChecksum)
	assert.Equal(t, int64(1), reg.LastEventID)

	cursor, err := f.store.Cursor(ctx, uploads)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)

	mirrored, err := f.store.EventsAfter(ctx, uploads, 0, 10)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, geo.EventCreated, mirrored[0].Kind)

	// Nothing left to do.
	n, err := e.Schedule(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.blobs.Downloads(uploads, 1))
}

func TestRunOnce_BackfillsFreshSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	refs := map[string]string{"refs/heads/main": "a1b2c3"}
	refSum, err := checksum.RefState(refs)
	require.NoError(t, err)
	f.repos.SetRefs(repos, 1, refs)
	f.repos.SetRefs(repos, 2, refs)
	f.blobs.Put(uploads, 5, []byte("five"))

	repo1 := resource(repos, 1)
	repo1.PrimaryChecksum = refSum
	f.primary.Emit(geo.EventUpdated, repo1)
	f.primary.Emit(geo.EventUpdated, resource(repos, 2))
	f.primary.Emit(geo.EventDeleted, resource(repos, 2))
	f.primary.Emit(geo.EventCreated, resource(uploads, 5))

	e := f.engine(t, nil)
	require.NoError(t, e.RunOnce(ctx))

	reg, err := f.store.Get(ctx, repos, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
	assert.Equal(t, geo.VerificationSucceeded, reg.VerificationState)

	_, err = f.store.Get(ctx, repos, 2)
	assert.ErrorIs(t, err, store.ErrNotFound, "deleted before the secondary joined")

	reg, err = f.store.Get(ctx, uploads, 5)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
	assert.Equal(t, geo.VerificationFailed, reg.VerificationState, "no primary checksum to compare with")

	cursor, err := f.store.Cursor(ctx, repos)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
	cursor, err = f.store.Cursor(ctx, uploads)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cursor)

	// Events after the backfill point are consumed normally.
	f.primary.Emit(geo.EventUpdated, repo1)
	require.NoError(t, e.RunOnce(ctx))
	assert.Equal(t, 2, f.repos.Fetches(repos, 1))
}

func TestRunOnce_RetriesFailedSyncWhenDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.VerificationEnabled = false })
	require.NoError(t, e.RunOnce(ctx))

	f.blobs.Put(uploads, 1, []byte("data"))
	f.blobs.FailNext(uploads, 1, errors.New("connection reset"))
	f.primary.Emit(geo.EventCreated, resource(uploads, 1))

	require.NoError(t, e.RunOnce(ctx))
	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateFailed, reg.State)
	assert.Equal(t, 1, reg.RetryCount)
	assert.Equal(t, "Sync failed: connection reset", reg.LastSyncFailure)
	require.NotNil(t, reg.RetryAt)

	// Not due yet.
	require.NoError(t, e.RunOnce(ctx))
	assert.Equal(t, 1, f.blobs.Downloads(uploads, 1))

	f.clock.Set(reg.RetryAt.Add(time.Second))
	require.NoError(t, e.RunOnce(ctx))

	reg, err = f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
	assert.Zero(t, reg.RetryCount)
	assert.Empty(t, reg.LastSyncFailure)
	assert.Equal(t, 2, f.blobs.Downloads(uploads, 1))
}

func TestRunOnce_RepositoryDeletionIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.VerificationEnabled = false })
	require.NoError(t, e.RunOnce(ctx))

	f.repos.SetRefs(repos, 1, map[string]string{"refs/heads/main": "aaa"})
	f.primary.Emit(geo.EventUpdated, resource(repos, 1))
	require.NoError(t, e.RunOnce(ctx))

	reg, err := f.store.Get(ctx, repos, 1)
	require.NoError(t, err)
	require.Equal(t, geo.StateSynced, reg.State)

	f.primary.Emit(geo.EventDeleted, resource(repos, 1))
	f.primary.Emit(geo.EventUpdated, resource(repos, 1))
	require.NoError(t, e.RunOnce(ctx))

	_, err = f.store.Get(ctx, repos, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	tombstoned, err := f.store.IsTombstoned(ctx, repos, 1)
	require.NoError(t, err)
	assert.True(t, tombstoned)
	assert.Equal(t, 1, f.repos.Fetches(repos, 1))

	cursor, err := f.store.Cursor(ctx, repos)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

// failOnceRemoval fails the first Remove of every resource.
type failOnceRemoval struct {
	replicator.Strategy
	mu     sync.Mutex
	failed map[int64]bool
}

func (s *failOnceRemoval) Remove(ctx context.Context, res geo.Resource) error {
	s.mu.Lock()
	first := !s.failed[res.ID]
	s.failed[res.ID] = true
	s.mu.Unlock()
	if first {
		return errors.New("permission denied")
	}
	return s.Strategy.Remove(ctx, res)
}

func TestRunOnce_RetriesFailedRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) {
		o.VerificationEnabled = false
		o.Resources[1].Strategy = &failOnceRemoval{Strategy: o.Resources[1].Strategy, failed: map[int64]bool{}}
	})
	require.NoError(t, e.RunOnce(ctx))

	f.repos.SetRefs(repos, 1, map[string]string{"refs/heads/main": "aaa"})
	f.primary.Emit(geo.EventUpdated, resource(repos, 1))
	require.NoError(t, e.RunOnce(ctx))

	f.primary.Emit(geo.EventDeleted, resource(repos, 1))
	require.NoError(t, e.RunOnce(ctx))

	_, err := f.store.Get(ctx, repos, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "the removal job finished the deletion")
	assert.Equal(t, 1, f.repos.Fetches(repos, 1))

	cursor, err := f.store.Cursor(ctx, repos)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor, "a failed cleanup does not hold back the event stream")
}

func TestRunOnce_OutOfScopeNeverCreatesRegistries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) {
		o.Scope = selective.Scope{Type: selective.ScopeNamespaces, NamespaceIDs: []int64{99}}
	})

	f.blobs.Put(uploads, 1, []byte("x"))
	f.primary.Emit(geo.EventCreated, resource(uploads, 1))
	require.NoError(t, e.RunOnce(ctx))

	f.primary.Emit(geo.EventCreated, resource(uploads, 2))
	f.primary.Emit(geo.EventUpdated, resource(repos, 3))
	require.NoError(t, e.RunOnce(ctx))

	regs, err := f.store.List(ctx, "", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, regs)
	assert.Zero(t, f.blobs.Downloads(uploads, 1))

	cursor, err := f.store.Cursor(ctx, uploads)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor, "ignored events still advance the cursor")
}

func TestRunOnce_PollErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.VerificationEnabled = false })
	require.NoError(t, e.RunOnce(ctx))

	f.blobs.Put(uploads, 1, []byte("x"))
	f.primary.Emit(geo.EventCreated, resource(uploads, 1))
	f.primary.FailNext(errors.New("primary unavailable"))

	err := e.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll upload")
	assert.Contains(t, err.Error(), "primary unavailable")

	cursor, err := f.store.Cursor(ctx, uploads)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, e.RunOnce(ctx))
	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
}

func TestSchedule_RespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.MaxCapacity = 2 })

	for id := int64(1); id <= 5; id++ {
		_, err := e.Replicator(uploads).Track(ctx, resource(uploads, id))
		require.NoError(t, err)
	}

	n, err := e.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, e.InFlight())

	n, err = e.Schedule(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no free capacity")

	e.drain(ctx)
	assert.Zero(t, e.InFlight())

	n, err = e.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the next never-attempted registries")
}

func TestSchedule_RequeuesDueVerifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.ReverificationInterval = 24 * time.Hour })
	require.NoError(t, e.RunOnce(ctx))

	content := []byte("v1")
	sum, err := checksum.Reader(bytes.NewReader(content))
	require.NoError(t, err)
	res := resource(uploads, 1)
	res.PrimaryChecksum = sum
	f.blobs.Put(uploads, 1, content)
	f.primary.Emit(geo.EventCreated, res)
	require.NoError(t, e.RunOnce(ctx))

	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	require.Equal(t, geo.VerificationSucceeded, reg.VerificationState)
	verifiedAt := *reg.VerifiedAt

	// Within the interval nothing is re-verified.
	f.clock.Advance(time.Hour)
	require.NoError(t, e.RunOnce(ctx))
	reg, err = f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, verifiedAt, *reg.VerifiedAt)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, e.RunOnce(ctx))
	reg, err = f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.VerificationSucceeded, reg.VerificationState)
	assert.True(t, reg.VerifiedAt.After(verifiedAt))
}

func TestFailSyncTimeouts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New()
	e := f.engine(t, func(o *Options) {
		o.SyncTimeout = time.Hour
		o.Metrics = m
	})

	_, err := e.Replicator(uploads).Track(ctx, resource(uploads, 1))
	require.NoError(t, err)
	_, err = f.store.Update(ctx, uploads, 1, func(r geo.Registry) (geo.Registry, error) {
		return r.Start(f.clock.Now(), "stuck-lease")
	})
	require.NoError(t, err)

	n, err := e.FailSyncTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stuck yet")

	f.clock.Advance(time.Hour + time.Minute)
	n, err = e.FailSyncTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateFailed, reg.State)
	assert.Equal(t, 1, reg.RetryCount)
	assert.Equal(t, geo.MessageSyncTimedOut+" 1h0m0s", reg.LastSyncFailure)
	assert.Empty(t, reg.LeaseToken)

	assert.Contains(t, scrape(t, m), `geosync_syncs_total{result="timed_out",type="upload"} 1`)
}

func TestFailVerificationTimeouts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) { o.VerificationTimeout = time.Hour })

	_, err := e.Replicator(uploads).Track(ctx, resource(uploads, 1))
	require.NoError(t, err)
	_, err = f.store.Update(ctx, uploads, 1, func(r geo.Registry) (geo.Registry, error) {
		r, err := r.Start(f.clock.Now(), "lease")
		if err != nil {
			return r, err
		}
		r, err = r.MarkSynced("lease", f.clock.Now())
		if err != nil {
			return r, err
		}
		r, _ = r.StartVerification(f.clock.Now())
		return r, nil
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, e.Sweep(ctx))

	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, reg.State)
	assert.Equal(t, geo.VerificationFailed, reg.VerificationState)
	assert.Equal(t, 1, reg.VerificationRetryCount)
	assert.Contains(t, reg.VerificationFailure, geo.MessageVerifyTimedOut)
}

func TestSetScope_PrunesWhenNarrowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New()
	e := f.engine(t, func(o *Options) {
		o.VerificationEnabled = false
		o.Metrics = m
	})

	inside := resource(uploads, 1)
	outside := resource(uploads, 2)
	outside.NamespaceID = 20
	outside.NamespacePath = []int64{2, 20}
	f.blobs.Put(uploads, 1, []byte("1"))
	f.blobs.Put(uploads, 2, []byte("2"))
	f.primary.Emit(geo.EventCreated, inside)
	f.primary.Emit(geo.EventCreated, outside)
	require.NoError(t, e.RunOnce(ctx))

	pruned, err := e.SetScope(ctx, selective.Scope{Type: selective.ScopeNamespaces, NamespaceIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, uploads, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, scrape(t, m), `geosync_registries_pruned_total{type="upload"} 1`)

	// New events for the excluded namespace are ignored.
	f.primary.Emit(geo.EventCreated, outside)
	require.NoError(t, e.RunOnce(ctx))
	_, err = f.store.Get(ctx, uploads, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Widening never prunes.
	pruned, err = e.SetScope(ctx, selective.Scope{})
	require.NoError(t, err)
	assert.Zero(t, pruned)

	_, err = e.SetScope(ctx, selective.Scope{Type: "bogus"})
	assert.Error(t, err, "invalid scopes are rejected")
	assert.Equal(t, selective.ScopeNone, e.Scope().Scope().Type)
}

func TestRun_PanickingJobDoesNotStopLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine(t, func(o *Options) {
		o.Resources = []ResourceSpec{{Type: uploads, Strategy: panicStrategy{}}}
		o.SyncTimeout = time.Hour
	})

	_, err := e.Replicator(uploads).Track(ctx, resource(uploads, 1))
	require.NoError(t, err)

	err = e.run(ctx, job{kind: jobSync, resourceType: uploads, id: 1})
	assert.True(t, IsJobPanic(err))

	reg, err := f.store.Get(ctx, uploads, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateStarted, reg.State, "left for the timeout sweep")

	f.clock.Advance(2 * time.Hour)
	n, err := e.FailSyncTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NotPanics(t, func() { require.NoError(t, e.RunOnce(ctx)) })
}

func TestRun_UnknownResourceType(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, nil)

	err := e.run(context.Background(), job{kind: jobSync, resourceType: "lfs_object", id: 1})
	var je *JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, ErrCodeUnknownResourceType, je.Code)
}

func TestRun_ReplicatesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, func(o *Options) {
		o.PollInterval = 10 * time.Millisecond
		o.ScheduleInterval = 10 * time.Millisecond
		o.SweepInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	f.blobs.Put(uploads, 1, []byte("live"))
	f.primary.Emit(geo.EventCreated, resource(uploads, 1))

	require.Eventually(t, func() bool {
		reg, err := f.store.Get(context.Background(), uploads, 1)
		return err == nil && reg.State == geo.StateSynced
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunOnce_UpdatesRegistryGauges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New()
	e := f.engine(t, func(o *Options) {
		o.VerificationEnabled = false
		o.Metrics = m
	})

	f.blobs.Put(uploads, 1, []byte("x"))
	f.primary.Emit(geo.EventCreated, resource(uploads, 1))
	require.NoError(t, e.RunOnce(ctx))

	body := scrape(t, m)
	assert.Contains(t, body, `geosync_registries{state="synced",type="upload",verification_state="pending"} 1`)
	assert.Contains(t, body, `geosync_event_cursor{type="upload"} 1`)
}

// panicStrategy panics on every replication.
type panicStrategy struct{}

func (panicStrategy) Name() string                 { return "panic" }
func (panicStrategy) Handles(k geo.EventKind) bool { return k == geo.EventCreated }
func (panicStrategy) Replicate(context.Context, geo.Resource) error {
	panic("strategy exploded")
}
func (panicStrategy) Remove(context.Context, geo.Resource) error { return nil }
func (panicStrategy) Checksum(context.Context, geo.Resource) (string, error) {
	return "", errors.New("no checksum")
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
