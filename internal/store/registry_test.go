package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/retry"
)

func start(lease string, now time.Time) func(geo.Registry) (geo.Registry, error) {
	return func(r geo.Registry) (geo.Registry, error) { return r.Start(now, lease) }
}

func TestFindOrInitialize(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	r, created, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, geo.StatePending, r.State)
	assert.Equal(t, geo.VerificationPending, r.VerificationState)
	assert.Nil(t, r.LastSyncedAt)
	assert.Equal(t, t0, r.CreatedAt)
	assert.NotZero(t, r.ID)

	again, created, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r.ID, again.ID)
}

func TestFindOrInitialize_Tombstoned(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkDeleted(ctx, "project_repository", 5, 100))

	_, _, err := s.FindOrInitialize(ctx, "project_repository", 5)
	assert.ErrorIs(t, err, ErrTombstoned)

	_, err = s.Get(ctx, "project_repository", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Get(context.Background(), "upload", 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_RoundTripsEveryField(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	sched := retry.Default()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)

	r, err := s.Update(ctx, "upload", 1, start("lease", t0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.LockVersion)

	clock.Set(t0.Add(time.Minute))
	r, err = s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) {
		return r.MarkFailed("lease", geo.MessageSyncFailed, errors.New("eof"), t0, sched)
	})
	require.NoError(t, err)

	stored, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
	assert.Equal(t, geo.StateFailed, stored.State)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "Sync failed: eof", stored.LastSyncFailure)
	require.NotNil(t, stored.RetryAt)
	assert.Equal(t, sched.NextRetryTime(t0, 1, "upload/1"), *stored.RetryAt)
	assert.Equal(t, t0.Add(time.Minute), stored.UpdatedAt)
	assert.Equal(t, int64(2), stored.LockVersion)
}

func TestUpdate_VerificationFieldsRoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 1, start("l", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) { return r.MarkSynced("l", t0) })
	require.NoError(t, err)
	r, err := s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) {
		next, _ := r.StartVerification(t0)
		return next.RecordChecksum("local", "remote", t0, retry.Default())
	})
	require.NoError(t, err)

	stored, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
	assert.True(t, stored.ChecksumMismatch)
	assert.Equal(t, "local", stored.VerificationChecksumMismatched)
	assert.Equal(t, geo.VerificationFailed, stored.VerificationState)
}

func TestUpdate_TransitionErrorWritesNothing(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)

	_, err = s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) {
		return r.MarkSynced("", t0)
	})
	require.Error(t, err)
	assert.True(t, geo.IsIllegalTransition(err))

	stored, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StatePending, stored.State)
	assert.Equal(t, int64(0), stored.LockVersion)
}

func TestUpdate_StaleWriteConflicts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	stale, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 1, start("a", t0))
	require.NoError(t, err)

	next, err := stale.Start(t0, "b")
	require.NoError(t, err)
	_, err = s.save(ctx, stale, next)
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.LeaseToken)
}

func TestUpdate_ConcurrentStartHasOneWinner(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease := fmt.Sprintf("lease-%d", i)
			_, err := s.Update(ctx, "upload", 1, start(lease, t0))
			if err == nil {
				mu.Lock()
				winners = append(winners, lease)
				mu.Unlock()
				return
			}
			if !geo.IsIllegalTransition(err) && !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	stored, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateStarted, stored.State)
	assert.Equal(t, winners[0], stored.LeaseToken)
}

func TestDelete(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "upload", 1))
	require.NoError(t, s.Delete(ctx, "upload", 1))

	_, err = s.Get(ctx, "upload", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectionPredicates(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	sched := retry.Scheduler{Base: time.Second, Cap: time.Hour}

	for id := int64(1); id <= 6; id++ {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
	}
	// Another type never leaks into upload selections.
	_, _, err := s.FindOrInitialize(ctx, "lfs_object", 1)
	require.NoError(t, err)

	// 2: started.
	_, err = s.Update(ctx, "upload", 2, start("l2", t0))
	require.NoError(t, err)
	// 3: synced then resynced, so pending with last_synced_at.
	_, err = s.Update(ctx, "upload", 3, start("l3", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 3, func(r geo.Registry) (geo.Registry, error) { return r.MarkSynced("l3", t0) })
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 3, func(r geo.Registry) (geo.Registry, error) { return r.Resync() })
	require.NoError(t, err)
	// 4: failed, retry due at t0+2s.
	_, err = s.Update(ctx, "upload", 4, start("l4", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 4, func(r geo.Registry) (geo.Registry, error) {
		return r.MarkFailed("l4", geo.MessageSyncFailed, nil, t0, sched)
	})
	require.NoError(t, err)
	// 5: failed with no retry time.
	_, err = s.Update(ctx, "upload", 5, start("l5", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 5, func(r geo.Registry) (geo.Registry, error) {
		r, err := r.MarkFailed("l5", geo.MessageSyncFailed, nil, t0, sched)
		r.RetryAt = nil
		return r, err
	})
	require.NoError(t, err)
	// 6: synced with a pending resync request.
	_, err = s.Update(ctx, "upload", 6, start("l6", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 6, func(r geo.Registry) (geo.Registry, error) {
		return r.RequestResync().MarkSynced("l6", t0)
	})
	require.NoError(t, err)
	clock.Set(t0.Add(time.Hour))

	ids := func(regs []geo.Registry) []int64 {
		out := []int64{}
		for _, r := range regs {
			out = append(out, r.ModelRecordID)
		}
		return out
	}

	never, err := s.NeverAttempted(ctx, "upload", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(never))

	resync, err := s.ResyncRequested(ctx, "upload", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 6}, ids(resync))

	notYet, err := s.NeedsRetry(ctx, "upload", t0.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(notYet), "only the null retry_at is due")

	due, err := s.NeedsRetry(ctx, "upload", t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4}, ids(due), "nulls first")

	verify, err := s.NeedsVerification(ctx, "upload", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, ids(verify))

	limited, err := s.NeverAttempted(ctx, "lfs_object", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(limited))
}

func TestReverifyDue(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	sched := retry.Scheduler{Base: time.Second, Cap: time.Hour}

	synced := func(id int64, checksum, primary string) {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
		_, err = s.Update(ctx, "upload", id, start("l", t0))
		require.NoError(t, err)
		_, err = s.Update(ctx, "upload", id, func(r geo.Registry) (geo.Registry, error) {
			r, err := r.MarkSynced("l", t0)
			if err != nil {
				return r, err
			}
			r, _ = r.StartVerification(t0)
			return r.RecordChecksum(checksum, primary, t0, sched)
		})
		require.NoError(t, err)
	}
	synced(1, "a", "a")
	synced(2, "a", "b")

	due, err := s.ReverifyDue(ctx, "upload", t0, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "failure not yet due and re-verification disabled")

	due, err = s.ReverifyDue(ctx, "upload", t0.Add(time.Minute), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].ModelRecordID)

	due, err = s.ReverifyDue(ctx, "upload", t0.Add(time.Minute), t0.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestFailSyncTimeouts(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	sched := retry.Default()

	for id := int64(1); id <= 3; id++ {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "upload", 1, start("old", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 2, start("fresh", t0.Add(7*time.Hour)))
	require.NoError(t, err)

	clock.Set(t0.Add(9 * time.Hour))
	n, err := s.FailSyncTimeouts(ctx, "", 8*time.Hour, sched)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateFailed, stuck.State)
	assert.Equal(t, 1, stuck.RetryCount)
	assert.Equal(t, "Sync timed out after 8h0m0s", stuck.LastSyncFailure)
	require.NotNil(t, stuck.RetryAt)
	assert.Equal(t, sched.NextRetryTime(t0.Add(9*time.Hour), 1, "upload/1"), *stuck.RetryAt)

	fresh, err := s.Get(ctx, "upload", 2)
	require.NoError(t, err)
	assert.Equal(t, geo.StateStarted, fresh.State)

	pending, err := s.Get(ctx, "upload", 3)
	require.NoError(t, err)
	assert.Equal(t, geo.StatePending, pending.State)

	// The reclaimed worker's late report is fenced off.
	_, err = s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) { return r.MarkSynced("old", t0) })
	assert.True(t, geo.IsIllegalTransition(err))

	n, err = s.FailSyncTimeouts(ctx, "", 8*time.Hour, sched)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailVerificationTimeouts(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrInitialize(ctx, "upload", 1)
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 1, start("l", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 1, func(r geo.Registry) (geo.Registry, error) {
		r, err := r.MarkSynced("l", t0)
		if err != nil {
			return r, err
		}
		r, _ = r.StartVerification(t0)
		return r, nil
	})
	require.NoError(t, err)

	clock.Set(t0.Add(2 * time.Hour))
	n, err := s.FailVerificationTimeouts(ctx, "upload", time.Hour, retry.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := s.Get(ctx, "upload", 1)
	require.NoError(t, err)
	assert.Equal(t, geo.StateSynced, r.State)
	assert.Equal(t, geo.VerificationFailed, r.VerificationState)
	assert.Equal(t, "Verification timed out after 1h0m0s", r.VerificationFailure)
}

func TestCounts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
	}
	_, _, err := s.FindOrInitialize(ctx, "lfs_object", 1)
	require.NoError(t, err)
	_, err = s.Update(ctx, "upload", 2, start("l", t0))
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{ResourceType: "lfs_object", State: geo.StatePending, VerificationState: geo.VerificationPending, Registries: 1},
		{ResourceType: "upload", State: geo.StatePending, VerificationState: geo.VerificationPending, Registries: 2},
		{ResourceType: "upload", State: geo.StateStarted, VerificationState: geo.VerificationPending, Registries: 1},
	}, counts)
}

func TestPruneOutOfScope(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	inNS := testResource("upload", 1, 1)
	outNS := testResource("upload", 2, 2)
	outNS.NamespaceID, outNS.NamespacePath = 20, []int64{20}
	require.NoError(t, s.UpsertResources(ctx, []geo.Resource{inNS, outNS}))

	for id := int64(1); id <= 3; id++ {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
	}

	n, err := s.PruneOutOfScope(ctx, "upload", func(res geo.Resource) bool {
		return res.NamespaceID == 10
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "upload", 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "upload", 1)
	assert.NoError(t, err)
	_, err = s.Get(ctx, "upload", 3)
	assert.NoError(t, err, "registries without mirrored metadata are kept")
}

func TestList(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, _, err := s.FindOrInitialize(ctx, "upload", id)
		require.NoError(t, err)
	}
	_, _, err := s.FindOrInitialize(ctx, "lfs_object", 9)
	require.NoError(t, err)

	all, err := s.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := s.List(ctx, "upload", all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].ModelRecordID)
}

func TestTombstonedRegistries(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, _, err := s.FindOrInitialize(ctx, "project_repository", id)
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "project_repository", 3, start("l3", t0))
	require.NoError(t, err)
	_, err = s.Update(ctx, "project_repository", 3, func(r geo.Registry) (geo.Registry, error) {
		return r.MarkFailed("l3", geo.MessageSyncFailed, nil, t0, retry.Default())
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkDeleted(ctx, "project_repository", 1, 20))
	require.NoError(t, s.MarkDeleted(ctx, "project_repository", 3, 21))

	doomed, err := s.Tombstoned(ctx, "project_repository", 10)
	require.NoError(t, err)
	require.Len(t, doomed, 2)
	assert.Equal(t, int64(1), doomed[0].ModelRecordID)
	assert.Equal(t, int64(3), doomed[1].ModelRecordID)

	never, err := s.NeverAttempted(ctx, "project_repository", 10)
	require.NoError(t, err)
	require.Len(t, never, 1, "tombstoned registries are never scheduled for sync")
	assert.Equal(t, int64(2), never[0].ModelRecordID)

	retries, err := s.NeedsRetry(ctx, "project_repository", t0.Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, retries)

	require.NoError(t, s.Delete(ctx, "project_repository", 1))
	doomed, err = s.Tombstoned(ctx, "project_repository", 10)
	require.NoError(t, err)
	require.Len(t, doomed, 1)
	assert.Equal(t, int64(3), doomed[0].ModelRecordID)
}
