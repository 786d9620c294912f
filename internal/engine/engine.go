package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/metrics"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/retry"
	"github.com/roach88/geosync/internal/selective"
	"github.com/roach88/geosync/internal/store"
)

// Defaults for zero Options fields.
const (
	DefaultWorkers             = 4
	DefaultMaxCapacity         = 100
	DefaultBatchSize           = 100
	DefaultPollInterval        = 5 * time.Second
	DefaultScheduleInterval    = 10 * time.Second
	DefaultSyncTimeout         = 8 * time.Hour
	DefaultVerificationTimeout = 8 * time.Hour
)

// maxPasses bounds the schedule/drain rounds of RunOnce.
const maxPasses = 16

// EventSource reads the primary's event log and resource listings.
type EventSource interface {
	// Events returns up to limit events of type t with ids greater than
	// afterID, in id order.
	Events(ctx context.Context, t geo.ResourceType, afterID int64, limit int) ([]geo.Event, error)

	// LatestEventID returns the id of the newest event of type t.
	LatestEventID(ctx context.Context, t geo.ResourceType) (int64, error)

	// Resources lists resources of type t last touched at or before
	// upToEventID with ids greater than afterID, in id order.
	Resources(ctx context.Context, t geo.ResourceType, upToEventID, afterID int64, limit int) ([]geo.Resource, error)
}

// ResourceSpec binds a resource type to the strategy that replicates it.
type ResourceSpec struct {
	Type     geo.ResourceType
	Strategy replicator.Strategy
}

// Options configure an Engine. Zero durations and counts take the package
// defaults, except SweepInterval and ReverificationInterval where zero
// disables the sweep ticker and periodic re-verification.
type Options struct {
	Store     *store.Store
	Source    EventSource
	Resources []ResourceSpec

	// Scope is the initial selective-sync scope.
	Scope selective.Scope

	Clock     Clock
	Leases    replicator.LeaseGenerator
	Scheduler retry.Scheduler
	Metrics   *metrics.Metrics

	VerificationEnabled bool

	Workers     int
	MaxCapacity int
	BatchSize   int

	PollInterval     time.Duration
	ScheduleInterval time.Duration
	SweepInterval    time.Duration

	SyncTimeout            time.Duration
	VerificationTimeout    time.Duration
	ReverificationInterval time.Duration
}

// Engine is the reconciliation loop of a secondary.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - RunOnce(), Poll(), Schedule(): must not run concurrently with Run()
//   - SetScope(), FailSyncTimeouts(), FailVerificationTimeouts(): safe from
//     any goroutine
type Engine struct {
	opts        Options
	store       *store.Store
	source      EventSource
	types       []geo.ResourceType // configuration order
	replicators map[geo.ResourceType]*replicator.Replicator
	scope       atomic.Pointer[selective.Filter]
	queue       *jobQueue
	flight      singleflight.Group

	mu         sync.Mutex
	backfilled map[geo.ResourceType]bool
}

// New validates opts and creates an Engine with one replicator per
// resource type.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Source == nil {
		return nil, errors.New("engine: event source is required")
	}
	if len(opts.Resources) == 0 {
		return nil, errors.New("engine: at least one resource type is required")
	}
	applyDefaults(&opts)

	filter, err := selective.NewFilter(opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		opts:        opts,
		store:       opts.Store,
		source:      opts.Source,
		replicators: make(map[geo.ResourceType]*replicator.Replicator, len(opts.Resources)),
		queue:       newJobQueue(),
		backfilled:  make(map[geo.ResourceType]bool),
	}
	e.scope.Store(filter)

	locks := replicator.NewKeyedMutex()
	for _, spec := range opts.Resources {
		if _, dup := e.replicators[spec.Type]; dup {
			return nil, fmt.Errorf("engine: duplicate resource type %q", spec.Type)
		}
		r, err := replicator.New(replicator.Options{
			ResourceType:        spec.Type,
			Strategy:            spec.Strategy,
			Store:               opts.Store,
			Leases:              opts.Leases,
			Scheduler:           opts.Scheduler,
			VerificationEnabled: opts.VerificationEnabled,
			Scope:               e.Scope,
			Now:                 opts.Clock.Now,
			Locks:               locks,
			Metrics:             opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.replicators[spec.Type] = r
		e.types = append(e.types, spec.Type)
	}
	return e, nil
}

func applyDefaults(opts *Options) {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Leases == nil {
		opts.Leases = UUIDv7Generator{}
	}
	if opts.Scheduler == (retry.Scheduler{}) {
		opts.Scheduler = retry.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxCapacity <= 0 {
		opts.MaxCapacity = DefaultMaxCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > store.MaxBatchSize {
		opts.BatchSize = store.MaxBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ScheduleInterval <= 0 {
		opts.ScheduleInterval = DefaultScheduleInterval
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.VerificationTimeout <= 0 {
		opts.VerificationTimeout = DefaultVerificationTimeout
	}
}

// Scope returns the current selective-sync filter.
func (e *Engine) Scope() *selective.Filter {
	return e.scope.Load()
}

// ResourceTypes returns the configured resource types in order.
func (e *Engine) ResourceTypes() []geo.ResourceType {
	return append([]geo.ResourceType(nil), e.types...)
}

// Replicator returns the replicator of t, or nil.
func (e *Engine) Replicator(t geo.ResourceType) *replicator.Replicator {
	return e.replicators[t]
}

// InFlight returns the number of queued or running jobs.
func (e *Engine) InFlight() int {
	return e.queue.Len()
}

// Run starts the workers and the tickers. Blocks until ctx is cancelled.
//
// ERROR HANDLING: poll, schedule and sweep failures are logged and retried
// on the next tick. Job failures are recorded in the registry rows.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"resource_types", e.types,
		"workers", e.opts.Workers,
		"max_capacity", e.opts.MaxCapacity,
		"verification", e.opts.VerificationEnabled,
		"scope", e.Scope().Scope().String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		defer e.queue.Close()
		return e.loop(ctx)
	})

	err := g.Wait()
	slog.Info("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	e.tick(ctx, true, true, e.opts.SweepInterval > 0)

	poll := time.NewTicker(e.opts.PollInterval)
	defer poll.Stop()
	schedule := time.NewTicker(e.opts.ScheduleInterval)
	defer schedule.Stop()

	var sweepC <-chan time.Time
	if e.opts.SweepInterval > 0 {
		sweep := time.NewTicker(e.opts.SweepInterval)
		defer sweep.Stop()
		sweepC = sweep.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			e.tick(ctx, true, false, false)
		case <-schedule.C:
			e.tick(ctx, false, true, false)
		case <-sweepC:
			e.tick(ctx, false, false, true)
		}
	}
}

func (e *Engine) tick(ctx context.Context, poll, schedule, sweep bool) {
	if poll {
		if err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Error("poll failed", "error", err)
		}
	}
	if sweep {
		if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
	}
	if schedule {
		if _, err := e.Schedule(ctx); err != nil && ctx.Err() == nil {
			slog.Error("schedule failed", "error", err)
		}
	}
}

// RunOnce polls, then schedules and runs jobs until nothing new is
// scheduled. Verifications that become due after a sync run in the same
// call. Used by the scenario harness and tests.
func (e *Engine) RunOnce(ctx context.Context) error {
	pollErr := e.Poll(ctx)
	for pass := 0; pass < maxPasses; pass++ {
		n, err := e.Schedule(ctx)
		if err != nil {
			return errors.Join(pollErr, err)
		}
		if n == 0 {
			break
		}
		e.drain(ctx)
	}
	e.refreshCounts(ctx)
	return pollErr
}

// Poll consumes new events of every resource type. A failing type does not
// stop the others.
func (e *Engine) Poll(ctx context.Context) error {
	var errs []error
	for _, t := range e.types {
		if err := e.pollType(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) pollType(ctx context.Context, t geo.ResourceType) error {
	cursor, err := e.store.Cursor(ctx, t)
	if err != nil {
		return err
	}
	if cursor == 0 && e.needsBackfill(t) {
		if cursor, err = e.Backfill(ctx, t); err != nil {
			return err
		}
	}

	rep := e.replicators[t]
	for {
		events, err := e.source.Events(ctx, t, cursor, e.opts.BatchSize)
		if err != nil {
			return err
		}
		events = pending(events, t, cursor)
		if len(events) == 0 {
			return nil
		}

		if _, err := e.store.AppendEvents(ctx, events); err != nil {
			return err
		}

		applied := cursor
		var dispatchErr error
		for _, ev := range events {
			if _, err := rep.HandleEvent(ctx, ev); err != nil {
				// Stop here; the rest of the batch is replayed next poll.
				dispatchErr = err
				logEventError(ev, err)
				break
			}
			e.opts.Metrics.EventConsumed(string(t), string(ev.Kind))
			applied = ev.ID
		}

		if applied > cursor {
			if cursor, err = e.store.AdvanceCursor(ctx, t, applied); err != nil {
				return err
			}
			e.opts.Metrics.SetCursor(string(t), cursor)
			slog.Debug("cursor advanced", "resource_type", t, "cursor", cursor, "events", len(events))
		}
		if dispatchErr != nil {
			return dispatchErr
		}
		if len(events) < e.opts.BatchSize {
			return nil
		}
	}
}

// pending returns the events after cursor sorted by id, with their
// resource type set to t.
func pending(events []geo.Event, t geo.ResourceType, cursor int64) []geo.Event {
	out := events[:0]
	for _, ev := range events {
		if ev.ID <= cursor {
			continue
		}
		ev.Resource.Type = t
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) needsBackfill(t geo.ResourceType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.backfilled[t]
}

// Backfill brings a fresh secondary up to the primary's latest event of
// type t: it mirrors every resource touched up to that event, creates
// registries for the in-scope ones and moves the cursor there. Returns the
// new cursor.
func (e *Engine) Backfill(ctx context.Context, t geo.ResourceType) (int64, error) {
	latest, err := e.source.LatestEventID(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}

	mirrored := 0
	var after int64
	for {
		resources, err := e.source.Resources(ctx, t, latest, after, e.opts.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("backfill: %w", err)
		}
		if len(resources) == 0 {
			break
		}
		for i := range resources {
			resources[i].Type = t
			if resources[i].ID > after {
				after = resources[i].ID
			}
		}
		if err := e.store.UpsertResources(ctx, resources); err != nil {
			return 0, fmt.Errorf("backfill: %w", err)
		}
		mirrored += len(resources)
		if len(resources) < e.opts.BatchSize {
			break
		}
	}

	rep := e.replicators[t]
	created := 0
	after = 0
	for {
		resources, err := e.store.UpTo(ctx, t, latest, after, e.opts.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("backfill: %w", err)
		}
		if len(resources) == 0 {
			break
		}
		for _, res := range resources {
			ok, err := rep.Track(ctx, res)
			if err != nil {
				return 0, fmt.Errorf("backfill: %w", err)
			}
			if ok {
				created++
			}
		}
		after = resources[len(resources)-1].ID
	}

	cursor, err := e.store.AdvanceCursor(ctx, t, latest)
	if err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}
	e.opts.Metrics.SetCursor(string(t), cursor)

	e.mu.Lock()
	e.backfilled[t] = true
	e.mu.Unlock()

	slog.Info("backfill complete",
		"resource_type", t,
		"latest_event_id", latest,
		"resources", mirrored,
		"registries_created", created,
	)
	return cursor, nil
}

// Schedule enqueues removal, sync and verification jobs up to the free
// capacity and returns how many were enqueued. Removals of deleted
// resources go first.
func (e *Engine) Schedule(ctx context.Context) (int, error) {
	capacity := e.opts.MaxCapacity - e.queue.Len()
	now := e.opts.Clock.Now()
	scheduled := 0

	enqueue := func(kind jobKind, regs []geo.Registry) {
		for _, r := range regs {
			if capacity <= 0 {
				return
			}
			if e.queue.Push(job{kind: kind, resourceType: r.ResourceType, id: r.ModelRecordID}) {
				capacity--
				scheduled++
			}
		}
	}

	for _, t := range e.types {
		if capacity <= 0 {
			return scheduled, nil
		}
		doomed, err := e.store.Tombstoned(ctx, t, capacity)
		if err != nil {
			return scheduled, fmt.Errorf("schedule %s: %w", t, err)
		}
		enqueue(jobRemove, doomed)

		selectors := []func() ([]geo.Registry, error){
			func() ([]geo.Registry, error) { return e.store.NeverAttempted(ctx, t, capacity) },
			func() ([]geo.Registry, error) { return e.store.ResyncRequested(ctx, t, capacity) },
			func() ([]geo.Registry, error) { return e.store.NeedsRetry(ctx, t, now, capacity) },
		}
		for _, sel := range selectors {
			if capacity <= 0 {
				return scheduled, nil
			}
			regs, err := sel()
			if err != nil {
				return scheduled, fmt.Errorf("schedule %s: %w", t, err)
			}
			enqueue(jobSync, regs)
		}

		if !e.replicators[t].VerificationEnabled() || capacity <= 0 {
			continue
		}
		if err := e.requeueVerifications(ctx, t, now, capacity); err != nil {
			return scheduled, fmt.Errorf("schedule %s: %w", t, err)
		}
		regs, err := e.store.NeedsVerification(ctx, t, capacity)
		if err != nil {
			return scheduled, fmt.Errorf("schedule %s: %w", t, err)
		}
		enqueue(jobVerify, regs)
	}

	if scheduled > 0 {
		slog.Debug("jobs scheduled", "jobs", scheduled, "in_flight", e.queue.Len())
	}
	return scheduled, nil
}

// requeueVerifications moves due verification failures and, with a
// re-verification interval, stale successes back to pending.
func (e *Engine) requeueVerifications(ctx context.Context, t geo.ResourceType, now time.Time, limit int) error {
	var verifiedBefore time.Time
	if e.opts.ReverificationInterval > 0 {
		verifiedBefore = now.Add(-e.opts.ReverificationInterval)
	}
	due, err := e.store.ReverifyDue(ctx, t, now, verifiedBefore, limit)
	if err != nil {
		return err
	}
	for _, r := range due {
		_, err := e.store.Update(ctx, t, r.ModelRecordID, func(reg geo.Registry) (geo.Registry, error) {
			return reg.Reverify()
		})
		switch {
		case err == nil:
			slog.Debug("verification requeued", "registry", r.Key(), "verification_state", r.VerificationState)
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound), geo.IsIllegalTransition(err):
			// Changed underneath us; the next schedule sees the new state.
		default:
			return err
		}
	}
	return nil
}

// Sweep runs both timeout sweeps and refreshes the registry gauges.
func (e *Engine) Sweep(ctx context.Context) error {
	_, syncErr := e.FailSyncTimeouts(ctx)
	_, verifyErr := e.FailVerificationTimeouts(ctx)
	e.refreshCounts(ctx)
	return errors.Join(syncErr, verifyErr)
}

// FailSyncTimeouts fails every sync started longer than the sync timeout
// ago and returns how many were failed.
func (e *Engine) FailSyncTimeouts(ctx context.Context) (int, error) {
	total := 0
	for _, t := range e.types {
		n, err := e.store.FailSyncTimeouts(ctx, t, e.opts.SyncTimeout, e.opts.Scheduler)
		total += n
		e.opts.Metrics.AddSyncTimeouts(string(t), n)
		if n > 0 {
			slog.Warn("syncs timed out", "resource_type", t, "registries", n, "timeout", e.opts.SyncTimeout)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// FailVerificationTimeouts fails every verification started longer than
// the verification timeout ago and returns how many were failed.
func (e *Engine) FailVerificationTimeouts(ctx context.Context) (int, error) {
	total := 0
	for _, t := range e.types {
		n, err := e.store.FailVerificationTimeouts(ctx, t, e.opts.VerificationTimeout, e.opts.Scheduler)
		total += n
		e.opts.Metrics.AddVerificationTimeouts(string(t), n)
		if n > 0 {
			slog.Warn("verifications timed out", "resource_type", t, "registries", n, "timeout", e.opts.VerificationTimeout)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SetScope replaces the selective-sync scope. When the new scope admits
// fewer resources, registries that fell out of it are pruned. Returns the
// number of pruned registries.
func (e *Engine) SetScope(ctx context.Context, scope selective.Scope) (int, error) {
	next, err := selective.NewFilter(scope)
	if err != nil {
		return 0, err
	}
	prev := e.scope.Swap(next)
	slog.Info("selective sync scope changed", "from", prev.Scope().String(), "to", scope.String())

	if !selective.Narrows(prev.Scope(), scope) {
		return 0, nil
	}

	total := 0
	for _, t := range e.types {
		n, err := e.store.PruneOutOfScope(ctx, t, next.InScope, e.opts.BatchSize)
		total += n
		e.opts.Metrics.AddPruned(string(t), n)
		if err != nil {
			return total, fmt.Errorf("set scope: %w", err)
		}
		if n > 0 {
			slog.Info("registries pruned", "resource_type", t, "registries", n)
		}
	}
	return total, nil
}

// work runs jobs until ctx is cancelled or the queue is closed.
func (e *Engine) work(ctx context.Context) {
	for {
		if j, ok := e.queue.Pop(); ok {
			e.execute(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Queued() == 0 {
				return
			}
		}
	}
}

// drain runs every queued job on at most Workers goroutines and waits.
func (e *Engine) drain(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for {
		j, ok := e.queue.Pop()
		if !ok {
			break
		}
		g.Go(func() error {
			e.execute(ctx, j)
			return nil
		})
	}
	g.Wait()
}

// execute runs j. Concurrent runs of the same job collapse into one.
func (e *Engine) execute(ctx context.Context, j job) {
	defer e.queue.Done(j)
	e.opts.Metrics.JobStarted()
	defer e.opts.Metrics.JobFinished()

	_, err, shared := e.flight.Do(j.key(), func() (any, error) {
		return nil, e.run(ctx, j)
	})
	switch {
	case err == nil:
	case errors.Is(err, replicator.ErrSkipped):
		slog.Debug("job skipped", "job", j.String(), "reason", err, "shared", shared)
	default:
		slog.Error("job failed", "job", j.String(), "error", err, "shared", shared)
	}
}

func (e *Engine) run(ctx context.Context, j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &JobError{Code: ErrCodeJobPanic, Job: j.String(), Message: fmt.Sprint(p)}
		}
	}()

	rep, ok := e.replicators[j.resourceType]
	if !ok {
		return &JobError{Code: ErrCodeUnknownResourceType, Job: j.String(), Message: "no replicator for resource type"}
	}
	switch j.kind {
	case jobSync:
		return rep.Sync(ctx, j.id)
	case jobVerify:
		return rep.Verify(ctx, j.id)
	case jobRemove:
		return rep.Remove(ctx, j.id)
	}
	return fmt.Errorf("unknown job kind %v", j.kind)
}

func (e *Engine) refreshCounts(ctx context.Context) {
	if e.opts.Metrics == nil {
		return
	}
	counts, err := e.store.Counts(ctx)
	if err != nil {
		slog.Warn("registry counts unavailable", "error", err)
		return
	}
	out := make([]metrics.RegistryCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, metrics.RegistryCount{
			Type:              string(c.ResourceType),
			State:             string(c.State),
			VerificationState: string(c.VerificationState),
			Count:             c.Registries,
		})
	}
	e.opts.Metrics.SetRegistryCounts(out)
}

// logEventError logs a failed event with enough context to replay it.
func logEventError(ev geo.Event, err error) {
	slog.Error("event processing failed",
		"error", err,
		"event_id", ev.ID,
		"kind", ev.Kind,
		"resource_type", ev.Resource.Type,
		"resource_id", ev.Resource.ID,
	)
}
