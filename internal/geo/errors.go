package geo

import (
	"errors"
	"fmt"
)

// TransitionErrorCode categorizes rejected transitions.
type TransitionErrorCode string

const (
	// ErrCodeIllegalTransition indicates the event is not allowed from the
	// current state.
	ErrCodeIllegalTransition TransitionErrorCode = "ILLEGAL_TRANSITION"

	// ErrCodeLeaseLost indicates the caller no longer owns the started
	// registry, typically because the timeout sweep reclaimed it.
	ErrCodeLeaseLost TransitionErrorCode = "LEASE_LOST"
)

// Machine names the state machine a transition belongs to.
type Machine string

const (
	MachineReplication Machine = "replication"
	MachineVerification Machine = "verification"
)

// TransitionError is returned when a registry rejects a transition.
type TransitionError struct {
	Code       TransitionErrorCode
	Machine    Machine
	From       string
	Transition string
	Key        string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %s from %q (registry=%s)", e.Code, e.Machine, e.Transition, e.From, e.Key)
	}
	return fmt.Sprintf("%s: %s %s from %q", e.Code, e.Machine, e.Transition, e.From)
}

func illegal(m Machine, from, transition, key string) *TransitionError {
	return &TransitionError{
		Code:       ErrCodeIllegalTransition,
		Machine:    m,
		From:       from,
		Transition: transition,
		Key:        key,
	}
}

func leaseLost(from, transition, key string) *TransitionError {
	return &TransitionError{
		Code:       ErrCodeLeaseLost,
		Machine:    MachineReplication,
		From:       from,
		Transition: transition,
		Key:        key,
	}
}

// IsIllegalTransition returns true if err is an illegal transition.
// Uses errors.As to handle wrapped errors.
func IsIllegalTransition(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code == ErrCodeIllegalTransition
	}
	return false
}

// IsLeaseLost returns true if err reports a lost lease.
// Uses errors.As to handle wrapped errors.
func IsLeaseLost(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code == ErrCodeLeaseLost
	}
	return false
}
