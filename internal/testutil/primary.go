package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/geosync/internal/geo"
)

// FakePrimary is an in-memory primary: an append-only event log plus the
// resource listing it implies.
type FakePrimary struct {
	// Now stamps emitted events. Defaults to the zero time.
	Now func() time.Time

	mu        sync.Mutex
	nextID    int64
	events    []geo.Event
	resources map[geo.ResourceType]map[int64]geo.Resource
	failures  []error
	polls     int
}

// NewFakePrimary creates a primary with an empty log.
func NewFakePrimary() *FakePrimary {
	return &FakePrimary{resources: make(map[geo.ResourceType]map[int64]geo.Resource)}
}

// Emit appends an event for res and returns its id. Created and updated
// events update the listing; deleted events remove the resource from it.
func (p *FakePrimary) Emit(kind geo.EventKind, res geo.Resource) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	res.LastEventID = p.nextID
	ev := geo.Event{ID: p.nextID, Kind: kind, Resource: res}
	if p.Now != nil {
		ev.CreatedAt = p.Now()
	}
	p.events = append(p.events, ev)

	byID := p.resources[res.Type]
	if byID == nil {
		byID = make(map[int64]geo.Resource)
		p.resources[res.Type] = byID
	}
	if kind == geo.EventDeleted {
		delete(byID, res.ID)
	} else {
		byID[res.ID] = res
	}
	return p.nextID
}

// SkipIDs advances the id sequence without emitting, as when the log holds
// events of types the secondary does not replicate.
func (p *FakePrimary) SkipIDs(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID += n
}

// FailNext makes the next len(errs) Events calls fail with errs in order.
func (p *FakePrimary) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Polls returns how many times Events was called.
func (p *FakePrimary) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Events returns up to limit events of type t after afterID.
func (p *FakePrimary) Events(_ context.Context, t geo.ResourceType, afterID int64, limit int) ([]geo.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}

	var out []geo.Event
	for _, ev := range p.events {
		if ev.Resource.Type != t || ev.ID <= afterID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

// LatestEventID returns the newest event id of type t, or 0.
func (p *FakePrimary) LatestEventID(_ context.Context, t geo.ResourceType) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Resource.Type == t {
			return p.events[i].ID, nil
		}
	}
	return 0, nil
}

// Resources lists live resources of type t last touched at or before
// upToEventID, with ids greater than afterID.
func (p *FakePrimary) Resources(_ context.Context, t geo.ResourceType, upToEventID, afterID int64, limit int) ([]geo.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []geo.Resource
	for _, res := range p.resources[t] {
		if res.ID > afterID && res.LastEventID <= upToEventID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
