package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/roach88/geosync/internal/checksum"
	"github.com/roach88/geosync/internal/engine"
	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/replicator"
	"github.com/roach88/geosync/internal/store"
	"github.com/roach88/geosync/internal/testutil"
)

// Epoch is the clock reading at the start of every scenario.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultShard is the shard of emitted resources that do not name one.
const DefaultShard = "default"

// Harness executes scenario steps against a real engine wired to in-memory
// primary, blob and repository fakes.
type Harness struct {
	store      *store.Store
	engine     *engine.Engine
	clock      *testutil.FakeClock
	primary    *testutil.FakePrimary
	blobs      *testutil.FakeBlobs
	repos      *testutil.FakeRepos
	strategies map[geo.ResourceType]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fake clock
// starting at Epoch and sequential lease tokens, so identical scenarios
// produce identical traces.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "geosync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	defer os.RemoveAll(root)

	h, err := newHarness(scenario.Settings, root)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.describe(), err)
		}
		var regs []geo.Registry
		if step.observes() {
			if regs, err = h.registries(ctx); err != nil {
				return nil, err
			}
			if regs == nil {
				regs = []geo.Registry{}
			}
		}
		result.AddTrace(step.describe(), regs)
	}

	if result.Registries, err = h.registries(ctx); err != nil {
		return nil, err
	}
	for _, t := range h.engine.ResourceTypes() {
		cursor, err := h.store.Cursor(ctx, t)
		if err != nil {
			return nil, err
		}
		result.Cursors[t] = cursor
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store, Transfers: h.transfers}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(settings Settings, root string) (*Harness, error) {
	clock := testutil.NewFakeClock(Epoch)
	st, err := store.Open(":memory:", store.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		store:      st,
		clock:      clock,
		primary:    testutil.NewFakePrimary(),
		blobs:      testutil.NewFakeBlobs(),
		repos:      testutil.NewFakeRepos(),
		strategies: make(map[geo.ResourceType]string),
	}
	h.primary.Now = clock.Now

	deps := replicator.Deps{StorageRoot: root, Blobs: h.blobs, Repos: h.repos}
	var specs []engine.ResourceSpec
	for _, r := range settings.resources() {
		strategy, err := replicator.NewStrategy(r.Strategy, deps)
		if err != nil {
			st.Close()
			return nil, err
		}
		t := geo.ResourceType(r.Name)
		h.strategies[t] = r.Strategy
		specs = append(specs, engine.ResourceSpec{Type: t, Strategy: strategy})
	}

	h.engine, err = engine.New(engine.Options{
		Store:                  st,
		Source:                 h.primary,
		Resources:              specs,
		Scope:                  settings.Scope,
		Clock:                  clock,
		Leases:                 testutil.NewSequenceLeases("scenario"),
		VerificationEnabled:    settings.verification(),
		Workers:                2,
		BatchSize:              settings.BatchSize,
		SyncTimeout:            settings.SyncTimeout,
		VerificationTimeout:    settings.VerificationTimeout,
		ReverificationInterval: settings.ReverificationInterval,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Emit != nil:
		return h.emit(step.Emit)

	case step.Fail != nil:
		t, id, _ := geo.ParseResourceKey(step.Fail.Resource)
		errs := make([]error, len(step.Fail.Errors))
		for i, msg := range step.Fail.Errors {
			errs[i] = errors.New(msg)
		}
		if h.strategies[t] == replicator.StrategyBlob {
			h.blobs.FailNext(t, id, errs...)
		} else {
			h.repos.FailNext(t, id, errs...)
		}
		return nil

	case step.Advance > 0:
		h.clock.Advance(step.Advance)
		return nil

	case step.Run:
		return h.engine.RunOnce(ctx)

	case step.Sweep:
		return h.engine.Sweep(ctx)

	case step.Scope != nil:
		_, err := h.engine.SetScope(ctx, *step.Scope)
		return err

	case step.Resync != "":
		t, id, _ := geo.ParseResourceKey(step.Resync)
		_, err := h.store.Update(ctx, t, id, geo.Registry.Resync)
		return err

	case step.Reverify != "":
		t, id, _ := geo.ParseResourceKey(step.Reverify)
		_, err := h.store.Update(ctx, t, id, geo.Registry.Reverify)
		return err

	case step.Corrupt != "":
		t, id, _ := geo.ParseResourceKey(step.Corrupt)
		blob, ok := h.engine.Replicator(t).Strategy().(*replicator.BlobStrategy)
		if !ok {
			return fmt.Errorf("%s is not replicated as blobs", t)
		}
		return os.WriteFile(blob.Path(geo.Resource{Type: t, ID: id}), []byte("corrupted"), 0o644)
	}
	return nil
}

func (h *Harness) emit(e *EmitStep) error {
	t, id, _ := geo.ParseResourceKey(e.Resource)
	res := geo.Resource{
		Type:          t,
		ID:            id,
		NamespacePath: e.NamespacePath,
		Shard:         e.Shard,
	}
	if n := len(e.NamespacePath); n > 0 {
		res.NamespaceID = e.NamespacePath[n-1]
	}
	if res.Shard == "" {
		res.Shard = DefaultShard
	}

	switch {
	case e.Data != nil:
		sum, err := checksum.Reader(strings.NewReader(*e.Data))
		if err != nil {
			return err
		}
		h.blobs.Put(t, id, []byte(*e.Data))
		res.PrimaryChecksum = sum
		res.Size = int64(len(*e.Data))
	case e.Refs != nil:
		sum, err := checksum.RefState(e.Refs)
		if err != nil {
			return err
		}
		h.repos.SetRefs(t, id, e.Refs)
		res.PrimaryChecksum = sum
	}
	if e.Checksum != "" {
		res.PrimaryChecksum = e.Checksum
	}

	h.primary.Emit(geo.EventKind(e.Kind), res)
	return nil
}

// registries returns every registry ordered by resource type, in
// configuration order, then resource id.
func (h *Harness) registries(ctx context.Context) ([]geo.Registry, error) {
	var out []geo.Registry
	for _, t := range h.engine.ResourceTypes() {
		var regs []geo.Registry
		var after int64
		for {
			page, err := h.store.List(ctx, t, after, store.MaxBatchSize)
			if err != nil {
				return nil, err
			}
			regs = append(regs, page...)
			if len(page) < store.MaxBatchSize {
				break
			}
			after = page[len(page)-1].ID
		}
		sort.Slice(regs, func(i, j int) bool { return regs[i].ModelRecordID < regs[j].ModelRecordID })
		out = append(out, regs...)
	}
	return out, nil
}

// transfers returns how many transfers of a resource were attempted.
func (h *Harness) transfers(t geo.ResourceType, id int64) int {
	if h.strategies[t] == replicator.StrategyBlob {
		return h.blobs.Downloads(t, id)
	}
	return h.repos.Fetches(t, id)
}
