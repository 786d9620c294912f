// Package retry computes when a failed sync or verification may be retried.
//
// The curve is polynomial with a deterministic per-registry jitter:
//
//	delay(attempt) = attempt^4 seconds + Base + j(key) * (attempt + 1)
//
// where j(key) is a value in [0, Jitter) derived by hashing the registry key.
// The delay is capped at Cap. For a fixed key the delay is strictly increasing
// in attempt until it reaches Cap and constant afterwards. Registries that fail
// at the same moment get different j(key), which spreads their retries.
package retry

import (
	"hash/fnv"
	"time"
)

// Defaults for Scheduler.
const (
	DefaultBase   = 15 * time.Second
	DefaultJitter = 30 * time.Second
	DefaultCap    = 7 * 24 * time.Hour
)

// maxAttempt bounds the polynomial term. 200^4 seconds is far beyond any
// sensible cap, so clamping here never changes a capped result.
const maxAttempt = 200

// Scheduler is a stateless retry policy. A zero Base or Cap falls back to the
// default; a zero Jitter disables jitter.
type Scheduler struct {
	Base   time.Duration
	Jitter time.Duration
	Cap    time.Duration
}

// Default returns a Scheduler with the default constants.
func Default() Scheduler {
	return Scheduler{Base: DefaultBase, Jitter: DefaultJitter, Cap: DefaultCap}
}

func (s Scheduler) normalized() Scheduler {
	if s.Base <= 0 {
		s.Base = DefaultBase
	}
	if s.Jitter < 0 {
		s.Jitter = 0
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	return s
}

// Delay returns the wait before retry number attempt for the registry
// identified by key. Attempts below 1 are treated as 1.
func (s Scheduler) Delay(attempt int, key string) time.Duration {
	s = s.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxAttempt {
		attempt = maxAttempt
	}

	a := int64(attempt)
	poly := time.Duration(a*a*a*a) * time.Second
	if poly >= s.Cap {
		return s.Cap
	}

	d := poly + s.Base + s.jitter(key)*time.Duration(a+1)
	if d > s.Cap || d < 0 {
		return s.Cap
	}
	return d
}

// NextRetryTime returns now + Delay(attempt, key).
func (s Scheduler) NextRetryTime(now time.Time, attempt int, key string) time.Time {
	return now.Add(s.Delay(attempt, key))
}

// jitter maps key onto [0, Jitter) in whole milliseconds.
func (s Scheduler) jitter(key string) time.Duration {
	if s.Jitter <= 0 || key == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	span := uint64(s.Jitter / time.Millisecond)
	if span == 0 {
		return 0
	}
	return time.Duration(h.Sum64()%span) * time.Millisecond
}
