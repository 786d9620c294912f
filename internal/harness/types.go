package harness

import (
	"github.com/roach88/geosync/internal/geo"
)

// TraceEvent records one executed step. Registries is the state of every
// registry after steps that can change it, and nil otherwise.
type TraceEvent struct {
	Seq        int               `json:"seq"`
	Step       string            `json:"step"`
	Registries []RegistrySummary `json:"registries,omitempty"`
}

// RegistrySummary is the clock-independent part of a registry.
type RegistrySummary struct {
	Key                    string `json:"key"`
	State                  string `json:"state"`
	RetryCount             int    `json:"retry_count"`
	LastSyncFailure        string `json:"last_sync_failure,omitempty"`
	ResyncNeeded           bool   `json:"resync_needed,omitempty"`
	VerificationState      string `json:"verification_state"`
	VerificationRetryCount int    `json:"verification_retry_count"`
	VerificationFailure    string `json:"verification_failure,omitempty"`
	ChecksumMismatch       bool   `json:"checksum_mismatch,omitempty"`
}

func summarize(r geo.Registry) RegistrySummary {
	return RegistrySummary{
		Key:                    r.Key(),
		State:                  string(r.State),
		RetryCount:             r.RetryCount,
		LastSyncFailure:        r.LastSyncFailure,
		ResyncNeeded:           r.ResyncNeeded,
		VerificationState:      string(r.VerificationState),
		VerificationRetryCount: r.VerificationRetryCount,
		VerificationFailure:    r.VerificationFailure,
		ChecksumMismatch:       r.ChecksumMismatch,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Registries is the final state, ordered by resource type then id.
	Registries []geo.Registry `json:"registries"`

	// Cursors is the final event cursor of every resource type.
	Cursors map[geo.ResourceType]int64 `json:"cursors"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Cursors: make(map[geo.ResourceType]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(step string, registries []geo.Registry) {
	ev := TraceEvent{Seq: len(r.Trace) + 1, Step: step}
	if registries != nil {
		ev.Registries = make([]RegistrySummary, len(registries))
		for i, reg := range registries {
			ev.Registries[i] = summarize(reg)
		}
	}
	r.Trace = append(r.Trace, ev)
}
