package geo

import (
	"fmt"
	"time"

	"github.com/roach88/geosync/internal/retry"
)

// Transition is a replication state machine event.
type Transition string

const (
	TransitionStart      Transition = "start"
	TransitionMarkSynced Transition = "mark_synced"
	TransitionMarkFailed Transition = "mark_failed"
	TransitionResync     Transition = "resync"
	TransitionTimeOut    Transition = "time_out"
)

// replicationTable maps each transition to its allowed source states and
// target state.
var replicationTable = map[Transition]struct {
	from []State
	to   State
}{
	TransitionStart:      {from: []State{StatePending, StateSynced, StateFailed}, to: StateStarted},
	TransitionMarkSynced: {from: []State{StateStarted}, to: StateSynced},
	TransitionMarkFailed: {from: []State{StateStarted}, to: StateFailed},
	TransitionResync:     {from: []State{StateSynced, StateFailed}, to: StatePending},
	TransitionTimeOut:    {from: []State{StateStarted}, to: StateFailed},
}

// NextState is the pure replication transition function.
func NextState(from State, t Transition) (State, error) {
	rule, ok := replicationTable[t]
	if !ok || !from.Valid() {
		return from, illegal(MachineReplication, string(from), string(t), "")
	}
	for _, s := range rule.from {
		if s == from {
			return rule.to, nil
		}
	}
	return from, illegal(MachineReplication, string(from), string(t), "")
}

func (r Registry) next(t Transition) (State, error) {
	to, err := NextState(r.State, t)
	if err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.Key = r.Key()
		}
		return r.State, err
	}
	return to, nil
}

// Start claims the registry for a sync attempt. lease is the fencing token
// the caller must present to MarkSynced or MarkFailed. Leaving synced
// discards verification results for the content being replaced.
func (r Registry) Start(now time.Time, lease string) (Registry, error) {
	to, err := r.next(TransitionStart)
	if err != nil {
		return r, err
	}
	r.State = to
	r.LastSyncedAt = timePtr(now)
	r.LeaseToken = lease
	r.ResyncNeeded = false
	return r.resetVerification(), nil
}

// MarkSynced records a successful sync and puts verification back to pending.
func (r Registry) MarkSynced(lease string, now time.Time) (Registry, error) {
	to, err := r.next(TransitionMarkSynced)
	if err != nil {
		return r, err
	}
	if lease != r.LeaseToken {
		return r, leaseLost(string(r.State), string(TransitionMarkSynced), r.Key())
	}
	r.State = to
	r.RetryCount = 0
	r.RetryAt = nil
	r.LastSyncFailure = ""
	r.LeaseToken = ""
	return r.resetVerification(), nil
}

// MarkFailed records a failed sync attempt and schedules the next retry.
func (r Registry) MarkFailed(lease, message string, cause error, now time.Time, sched retry.Scheduler) (Registry, error) {
	to, err := r.next(TransitionMarkFailed)
	if err != nil {
		return r, err
	}
	if lease != r.LeaseToken {
		return r, leaseLost(string(r.State), string(TransitionMarkFailed), r.Key())
	}
	r.State = to
	r.RetryCount++
	r.RetryAt = timePtr(sched.NextRetryTime(now, r.RetryCount, r.Key()))
	r.LastSyncFailure = FailureMessage(message, cause)
	r.LeaseToken = ""
	return r, nil
}

// Resync puts a synced or failed registry back to pending and makes it
// immediately eligible. Verification data is reset because the content is
// about to be fetched again.
func (r Registry) Resync() (Registry, error) {
	to, err := r.next(TransitionResync)
	if err != nil {
		return r, err
	}
	r.State = to
	r.RetryCount = 0
	r.RetryAt = nil
	r.ResyncNeeded = false
	return r.resetVerification(), nil
}

// TimeOut fails a registry that has been started for longer than timeout.
// The previous owner's lease is revoked.
func (r Registry) TimeOut(timeout time.Duration, now time.Time, sched retry.Scheduler) (Registry, error) {
	to, err := r.next(TransitionTimeOut)
	if err != nil {
		return r, err
	}
	r.State = to
	r.RetryCount = 1
	r.RetryAt = timePtr(sched.NextRetryTime(now, 1, r.Key()))
	r.LastSyncFailure = Truncate(fmt.Sprintf("%s %s", MessageSyncTimedOut, timeout), MaxFailureLength)
	r.LeaseToken = ""
	return r, nil
}

// RequestResync flags a started registry so it is synced again after the
// running attempt. Registries in any other state are returned unchanged.
func (r Registry) RequestResync() Registry {
	if r.State == StateStarted {
		r.ResyncNeeded = true
	}
	return r
}

// StartedBefore reports whether the registry is started and its last start
// is older than cutoff.
func (r Registry) StartedBefore(cutoff time.Time) bool {
	return r.State == StateStarted && r.LastSyncedAt != nil && r.LastSyncedAt.Before(cutoff)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
