package geo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/geosync/internal/retry"
)

// VerificationTransition is a verification state machine event.
type VerificationTransition string

const (
	VerificationTransitionStart     VerificationTransition = "verification_started"
	VerificationTransitionSucceeded VerificationTransition = "verification_succeeded"
	VerificationTransitionFailed    VerificationTransition = "verification_failed"
	VerificationTransitionReverify  VerificationTransition = "reverify"
)

var verificationTable = map[VerificationTransition]struct {
	from []VerificationState
	to   VerificationState
}{
	VerificationTransitionStart:     {from: []VerificationState{VerificationPending}, to: VerificationStarted},
	VerificationTransitionSucceeded: {from: []VerificationState{VerificationStarted}, to: VerificationSucceeded},
	VerificationTransitionFailed:    {from: []VerificationState{VerificationStarted}, to: VerificationFailed},
	VerificationTransitionReverify:  {from: []VerificationState{VerificationSucceeded, VerificationFailed}, to: VerificationPending},
}

// NextVerificationState is the pure verification transition function.
func NextVerificationState(from VerificationState, t VerificationTransition) (VerificationState, error) {
	rule, ok := verificationTable[t]
	if !ok || !from.Valid() {
		return from, illegal(MachineVerification, string(from), string(t), "")
	}
	for _, s := range rule.from {
		if s == from {
			return rule.to, nil
		}
	}
	return from, illegal(MachineVerification, string(from), string(t), "")
}

func (r Registry) nextVerification(t VerificationTransition) (VerificationState, error) {
	if r.State != StateSynced {
		return r.VerificationState, illegal(MachineVerification, string(r.VerificationState), string(t), r.Key())
	}
	to, err := NextVerificationState(r.VerificationState, t)
	if err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.Key = r.Key()
		}
		return r.VerificationState, err
	}
	return to, nil
}

// StartVerification moves a synced registry from verification pending to
// started. It returns false, and the registry unchanged, in every other case:
// a second caller that sees started knows a checksum job is already running.
func (r Registry) StartVerification(now time.Time) (Registry, bool) {
	to, err := r.nextVerification(VerificationTransitionStart)
	if err != nil {
		return r, false
	}
	r.VerificationState = to
	r.VerificationStartedAt = timePtr(now)
	return r, true
}

// RecordChecksum compares the locally computed checksum with the primary's.
// Equality is exact.
func (r Registry) RecordChecksum(checksum, primaryChecksum string, now time.Time, sched retry.Scheduler) (Registry, error) {
	if checksum == primaryChecksum {
		to, err := r.nextVerification(VerificationTransitionSucceeded)
		if err != nil {
			return r, err
		}
		r.VerificationState = to
		r.VerificationChecksum = checksum
		r.ChecksumMismatch = false
		r.VerificationFailure = ""
		r.VerificationRetryCount = 0
		r.VerificationRetryAt = nil
		r.VerificationStartedAt = nil
		r.VerifiedAt = timePtr(now)
		return r, nil
	}

	to, err := r.nextVerification(VerificationTransitionFailed)
	if err != nil {
		return r, err
	}
	details, _ := json.Marshal(map[string]string{
		"checksum":         checksum,
		"primary_checksum": primaryChecksum,
	})
	r.VerificationState = to
	r.VerificationChecksum = checksum
	r.VerificationChecksumMismatched = checksum
	r.ChecksumMismatch = true
	r.VerificationFailure = Truncate(MessageChecksumMismatch+" "+string(details), MaxFailureLength)
	return r.advanceVerificationRetry(now, sched), nil
}

// RecordChecksumError records that the local checksum could not be computed.
func (r Registry) RecordChecksumError(cause error, now time.Time, sched retry.Scheduler) (Registry, error) {
	to, err := r.nextVerification(VerificationTransitionFailed)
	if err != nil {
		return r, err
	}
	r.VerificationState = to
	r.ChecksumMismatch = false
	r.VerificationFailure = FailureMessage(MessageChecksumError, cause)
	return r.advanceVerificationRetry(now, sched), nil
}

// TimeOutVerification fails a verification that has been started for longer
// than timeout.
func (r Registry) TimeOutVerification(timeout time.Duration, now time.Time, sched retry.Scheduler) (Registry, error) {
	to, err := r.nextVerification(VerificationTransitionFailed)
	if err != nil {
		return r, err
	}
	r.VerificationState = to
	r.ChecksumMismatch = false
	r.VerificationFailure = Truncate(fmt.Sprintf("%s %s", MessageVerifyTimedOut, timeout), MaxFailureLength)
	return r.advanceVerificationRetry(now, sched), nil
}

// Reverify puts a finished verification back to pending. Retry counters are
// kept so repeated failures keep backing off.
func (r Registry) Reverify() (Registry, error) {
	to, err := r.nextVerification(VerificationTransitionReverify)
	if err != nil {
		return r, err
	}
	r.VerificationState = to
	r.VerificationStartedAt = nil
	return r, nil
}

// VerificationStartedBefore reports whether verification is started and
// began before cutoff.
func (r Registry) VerificationStartedBefore(cutoff time.Time) bool {
	return r.State == StateSynced &&
		r.VerificationState == VerificationStarted &&
		r.VerificationStartedAt != nil &&
		r.VerificationStartedAt.Before(cutoff)
}

func (r Registry) advanceVerificationRetry(now time.Time, sched retry.Scheduler) Registry {
	r.VerificationRetryCount++
	r.VerificationRetryAt = timePtr(sched.NextRetryTime(now, r.VerificationRetryCount, r.Key()+"/verification"))
	r.VerificationStartedAt = nil
	return r
}

// resetVerification discards every verification result.
func (r Registry) resetVerification() Registry {
	r.VerificationState = VerificationPending
	r.VerificationChecksum = ""
	r.VerificationChecksumMismatched = ""
	r.ChecksumMismatch = false
	r.VerificationRetryCount = 0
	r.VerificationRetryAt = nil
	r.VerificationFailure = ""
	r.VerificationStartedAt = nil
	r.VerifiedAt = nil
	return r
}
