// Package replicator drives registries through replication and
// verification for one resource type at a time.
//
// What "copy" means for a resource type is delegated to a Strategy (blob
// download, repository fetch). The Replicator owns the common contract:
// create registries for in-scope resources, claim them with a lease, run
// the strategy, record the outcome, and verify the result against the
// primary's checksum.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/metrics"
	"github.com/roach88/geosync/internal/retry"
	"github.com/roach88/geosync/internal/selective"
	"github.com/roach88/geosync/internal/store"
)

// ErrSkipped is returned when a job did not run because the registry was
// not eligible: another worker owns it, it left the scope, or it is gone.
var ErrSkipped = errors.New("replicator: skipped")

// maxConflictRetries bounds re-reads after a concurrent registry update.
const maxConflictRetries = 5

// LeaseGenerator issues lease tokens for started registries.
type LeaseGenerator interface {
	Generate() string
}

// Options configure a Replicator.
type Options struct {
	ResourceType geo.ResourceType
	Strategy     Strategy
	Store        *store.Store
	Leases       LeaseGenerator

	// Scheduler computes retry times for failed syncs and verifications.
	Scheduler retry.Scheduler

	// VerificationEnabled gates every verification operation.
	VerificationEnabled bool

	// Scope returns the current selective-sync filter. Nil admits everything.
	Scope func() *selective.Filter

	// Now defaults to time.Now.
	Now func() time.Time

	// Locks may be shared between replicators. Defaults to a private one.
	Locks *KeyedMutex

	Metrics *metrics.Metrics
}

// Replicator replicates and verifies resources of one type.
type Replicator struct {
	opts Options
}

// New validates opts and creates a Replicator.
func New(opts Options) (*Replicator, error) {
	if opts.ResourceType == "" {
		return nil, errors.New("replicator: resource type is required")
	}
	if opts.Strategy == nil {
		return nil, fmt.Errorf("replicator %s: strategy is required", opts.ResourceType)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("replicator %s: store is required", opts.ResourceType)
	}
	if opts.Leases == nil {
		return nil, fmt.Errorf("replicator %s: lease generator is required", opts.ResourceType)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locks == nil {
		opts.Locks = NewKeyedMutex()
	}
	return &Replicator{opts: opts}, nil
}

// ResourceType returns the type this replicator serves.
func (r *Replicator) ResourceType() geo.ResourceType {
	return r.opts.ResourceType
}

// Strategy returns the configured strategy.
func (r *Replicator) Strategy() Strategy {
	return r.opts.Strategy
}

// VerificationEnabled reports whether verification runs for this type.
func (r *Replicator) VerificationEnabled() bool {
	return r.opts.VerificationEnabled
}

// InScope reports whether res is admitted by the current selective-sync scope.
func (r *Replicator) InScope(res geo.Resource) bool {
	if r.opts.Scope == nil {
		return true
	}
	f := r.opts.Scope()
	return f == nil || f.InScope(res)
}

// HandleEvent applies one event from the primary's log. It reports whether
// the registry now waits for a sync. Events the strategy does not handle,
// events for tombstoned or out-of-scope resources, and events older than
// the last one applied to the registry are ignored. A deletion never waits
// for a job running on the same resource.
func (r *Replicator) HandleEvent(ctx context.Context, ev geo.Event) (bool, error) {
	res := ev.Resource
	res.Type = r.opts.ResourceType
	key := geo.ResourceKey(res.Type, res.ID)

	if !r.opts.Strategy.Handles(ev.Kind) {
		slog.Debug("event ignored by strategy", "registry", key, "event_id", ev.ID, "kind", ev.Kind, "strategy", r.opts.Strategy.Name())
		return false, nil
	}

	tombstoned, err := r.opts.Store.IsTombstoned(ctx, res.Type, res.ID)
	if err != nil {
		return false, fmt.Errorf("handle event %d: %w", ev.ID, err)
	}
	if tombstoned {
		if ev.Kind == geo.EventDeleted {
			// A replayed deletion finishes a cleanup that failed before.
			r.tryCleanup(ctx, res)
			return false, nil
		}
		slog.Debug("event ignored for deleted resource", "registry", key, "event_id", ev.ID, "kind", ev.Kind)
		return false, nil
	}

	if ev.Kind == geo.EventDeleted {
		return false, r.remove(ctx, res, ev.ID)
	}

	if !r.InScope(res) {
		slog.Debug("event ignored outside selective sync scope", "registry", key, "event_id", ev.ID)
		return false, nil
	}

	reg, created, err := r.opts.Store.FindOrInitialize(ctx, res.Type, res.ID)
	if errors.Is(err, store.ErrTombstoned) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("handle event %d: %w", ev.ID, err)
	}
	if created {
		slog.Info("registry created", "registry", key, "event_id", ev.ID)
	}
	if ev.ID <= reg.LastEventID {
		slog.Debug("stale event ignored", "registry", key, "event_id", ev.ID, "last_event_id", reg.LastEventID)
		return false, nil
	}

	reg, err = r.update(ctx, res.ID, func(reg geo.Registry) (geo.Registry, error) {
		if ev.ID <= reg.LastEventID {
			return reg, nil
		}
		reg.LastEventID = ev.ID
		if ev.Kind != geo.EventUpdated {
			return reg, nil
		}
		switch reg.State {
		case geo.StateSynced, geo.StateFailed:
			return reg.Resync()
		case geo.StateStarted:
			return reg.RequestResync(), nil
		}
		return reg, nil
	})
	if err != nil {
		return false, fmt.Errorf("handle event %d: %w", ev.ID, err)
	}
	return reg.State == geo.StatePending || reg.ResyncNeeded, nil
}

// Track creates the registry of res if the resource is in scope and was not
// deleted. It reports whether a registry was created.
func (r *Replicator) Track(ctx context.Context, res geo.Resource) (bool, error) {
	res.Type = r.opts.ResourceType
	if !r.InScope(res) {
		return false, nil
	}
	_, created, err := r.opts.Store.FindOrInitialize(ctx, res.Type, res.ID)
	if errors.Is(err, store.ErrTombstoned) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("track %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return created, nil
}

// remove processes a deletion. The tombstone is written first so nothing can
// re-create or sync the registry; only its failure is returned. The local
// copy and the registry are then removed when no job holds the resource.
// Otherwise, or when that cleanup fails, the removal is finished by the job
// holding the resource, by a Remove job or by a replay of the event.
func (r *Replicator) remove(ctx context.Context, res geo.Resource, eventID int64) error {
	if err := r.opts.Store.MarkDeleted(ctx, res.Type, res.ID, eventID); err != nil {
		return fmt.Errorf("remove %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	slog.Debug("tombstone written", "registry", geo.ResourceKey(res.Type, res.ID), "event_id", eventID)
	r.tryCleanup(ctx, res)
	return nil
}

// tryCleanup removes the local copy and registry of a tombstoned resource
// unless a job holds the resource. It never waits.
func (r *Replicator) tryCleanup(ctx context.Context, res geo.Resource) {
	key := geo.ResourceKey(res.Type, res.ID)
	unlock, ok := r.opts.Locks.TryLock(key)
	if !ok {
		slog.Debug("removal deferred to running job", "registry", key)
		return
	}
	defer unlock()
	if err := r.cleanup(ctx, res); err != nil {
		slog.Warn("removal failed, will retry", "registry", key, "error", err)
	}
}

// Remove finishes the removal of a tombstoned resource: its local copy and
// its registry are deleted. Returns ErrSkipped when the resource is not
// tombstoned.
func (r *Replicator) Remove(ctx context.Context, id int64) error {
	t := r.opts.ResourceType
	key := geo.ResourceKey(t, id)
	unlock, err := r.opts.Locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	defer unlock()

	tombstoned, err := r.opts.Store.IsTombstoned(ctx, t, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if !tombstoned {
		return fmt.Errorf("remove %s: not deleted: %w", key, ErrSkipped)
	}
	return r.cleanup(ctx, geo.Resource{Type: t, ID: id})
}

// cleanup deletes the local copy, then the registry. Both steps are
// idempotent. The caller holds the resource lock.
func (r *Replicator) cleanup(ctx context.Context, res geo.Resource) error {
	key := geo.ResourceKey(res.Type, res.ID)
	if err := r.opts.Strategy.Remove(ctx, res); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if err := r.opts.Store.Delete(ctx, res.Type, res.ID); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	slog.Info("registry removed", "registry", key)
	return nil
}

// skipTombstoned returns ErrSkipped when the resource has been deleted.
func (r *Replicator) skipTombstoned(ctx context.Context, op string, id int64) error {
	key := geo.ResourceKey(r.opts.ResourceType, id)
	tombstoned, err := r.opts.Store.IsTombstoned(ctx, r.opts.ResourceType, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if tombstoned {
		return fmt.Errorf("%s %s: deleted: %w", op, key, ErrSkipped)
	}
	return nil
}

// Sync claims the registry of resource id, runs the strategy and records the
// outcome. Transfer errors are captured in the registry and not returned.
// Returns ErrSkipped when the registry could not be claimed.
func (r *Replicator) Sync(ctx context.Context, id int64) error {
	t := r.opts.ResourceType
	key := geo.ResourceKey(t, id)
	unlock, err := r.opts.Locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("sync %s: %w", key, err)
	}
	defer unlock()

	if err := r.skipTombstoned(ctx, "sync", id); err != nil {
		return err
	}
	res, err := r.resource(ctx, id)
	if err != nil {
		return err
	}
	if !r.InScope(res) {
		return fmt.Errorf("sync %s: out of scope: %w", key, ErrSkipped)
	}

	lease := r.opts.Leases.Generate()
	begin := r.opts.Now()
	_, err = r.opts.Store.Update(ctx, t, id, func(reg geo.Registry) (geo.Registry, error) {
		return reg.Start(begin, lease)
	})
	if err != nil {
		if geo.IsIllegalTransition(err) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("sync %s: %w: %v", key, ErrSkipped, err)
		}
		return fmt.Errorf("sync %s: %w", key, err)
	}
	slog.Debug("sync started", "registry", key, "lease", lease)

	syncErr := r.opts.Strategy.Replicate(ctx, res)
	now := r.opts.Now()
	elapsed := now.Sub(begin)

	if syncErr != nil {
		_, err = r.update(ctx, id, func(reg geo.Registry) (geo.Registry, error) {
			return reg.MarkFailed(lease, geo.MessageSyncFailed, syncErr, now, r.opts.Scheduler)
		})
		if err == nil {
			slog.Warn("sync failed", "registry", key, "error", syncErr)
			r.opts.Metrics.ObserveSync(string(t), metrics.ResultFailed, elapsed)
		}
	} else {
		_, err = r.update(ctx, id, func(reg geo.Registry) (geo.Registry, error) {
			return reg.MarkSynced(lease, now)
		})
		if err == nil {
			slog.Info("sync succeeded", "registry", key, "duration", elapsed)
			r.opts.Metrics.ObserveSync(string(t), metrics.ResultSynced, elapsed)
		}
	}

	if geo.IsLeaseLost(err) || geo.IsIllegalTransition(err) || errors.Is(err, store.ErrNotFound) {
		// The timeout sweep or a deletion took the registry from us.
		slog.Warn("sync outcome discarded", "registry", key, "lease", lease, "error", err)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("sync %s: %w", key, err)
	}

	// A deletion consumed during the transfer left the removal to us.
	if tombstoned, terr := r.opts.Store.IsTombstoned(ctx, t, id); terr == nil && tombstoned {
		if err := r.cleanup(ctx, res); err != nil {
			slog.Warn("removal failed, will retry", "registry", key, "error", err)
		}
	}
	return nil
}

// Verify computes the local checksum of resource id and compares it with the
// primary's. It is a no-op when verification is disabled. Returns
// ErrSkipped when the registry is not waiting for verification.
func (r *Replicator) Verify(ctx context.Context, id int64) error {
	if !r.opts.VerificationEnabled {
		return nil
	}
	t := r.opts.ResourceType
	key := geo.ResourceKey(t, id)
	unlock, err := r.opts.Locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}
	defer unlock()

	if err := r.skipTombstoned(ctx, "verify", id); err != nil {
		return err
	}
	_, err = r.update(ctx, id, func(reg geo.Registry) (geo.Registry, error) {
		next, ok := reg.StartVerification(r.opts.Now())
		if !ok {
			return reg, errNotAwaitingVerification
		}
		return next, nil
	})
	if errors.Is(err, errNotAwaitingVerification) || errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("verify %s: %w", key, ErrSkipped)
	}
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}

	res, err := r.resource(ctx, id)
	if err != nil {
		return err
	}

	var sum string
	sumErr := errNoPrimaryChecksum
	if res.PrimaryChecksum != "" {
		sum, sumErr = r.opts.Strategy.Checksum(ctx, res)
	}
	now := r.opts.Now()

	result := metrics.ResultSucceeded
	_, err = r.update(ctx, id, func(reg geo.Registry) (geo.Registry, error) {
		if sumErr != nil {
			result = metrics.ResultError
			return reg.RecordChecksumError(sumErr, now, r.opts.Scheduler)
		}
		if sum != res.PrimaryChecksum {
			result = metrics.ResultMismatch
		}
		return reg.RecordChecksum(sum, res.PrimaryChecksum, now, r.opts.Scheduler)
	})
	if geo.IsIllegalTransition(err) || errors.Is(err, store.ErrNotFound) {
		// Timed out or resynced while the checksum was computed.
		slog.Warn("verification outcome discarded", "registry", key, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, err)
	}

	switch result {
	case metrics.ResultSucceeded:
		slog.Info("verification succeeded", "registry", key)
	case metrics.ResultMismatch:
		slog.Warn("checksum mismatch", "registry", key, "checksum", sum, "primary_checksum", res.PrimaryChecksum)
	default:
		slog.Warn("verification failed", "registry", key, "error", sumErr)
	}
	r.opts.Metrics.ObserveVerification(string(t), result)
	return nil
}

var (
	errNoPrimaryChecksum       = errors.New("primary checksum is not available")
	errNotAwaitingVerification = errors.New("registry is not awaiting verification")
)

// resource returns the mirrored metadata of id, or a bare resource when the
// mirror has none (blobs and repositories only need the identity to sync).
func (r *Replicator) resource(ctx context.Context, id int64) (geo.Resource, error) {
	res, err := r.opts.Store.GetResource(ctx, r.opts.ResourceType, id)
	if errors.Is(err, store.ErrNotFound) {
		return geo.Resource{Type: r.opts.ResourceType, ID: id}, nil
	}
	if err != nil {
		return geo.Resource{}, err
	}
	return res, nil
}

// update is Store.Update retried on ErrConflict.
func (r *Replicator) update(ctx context.Context, id int64, fn func(geo.Registry) (geo.Registry, error)) (geo.Registry, error) {
	var (
		reg geo.Registry
		err error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		reg, err = r.opts.Store.Update(ctx, r.opts.ResourceType, id, fn)
		if !errors.Is(err, store.ErrConflict) {
			return reg, err
		}
	}
	return reg, err
}
