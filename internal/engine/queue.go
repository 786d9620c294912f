package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/geosync/internal/geo"
)

// jobKind distinguishes sync, verification and removal jobs.
type jobKind int

const (
	jobSync jobKind = iota + 1
	jobVerify
	jobRemove
)

func (k jobKind) String() string {
	switch k {
	case jobSync:
		return "sync"
	case jobVerify:
		return "verify"
	case jobRemove:
		return "remove"
	}
	return fmt.Sprintf("jobKind(%d)", int(k))
}

// job is one unit of work for the pool.
type job struct {
	kind         jobKind
	resourceType geo.ResourceType
	id           int64
}

func (j job) key() string {
	return j.kind.String() + " " + geo.ResourceKey(j.resourceType, j.id)
}

func (j job) String() string {
	return j.key()
}

// jobQueue is a thread-safe FIFO of jobs that refuses duplicates.
//
// A job counts as in flight from Push until Done, whether it is still
// queued or already running; Len reports that number and bounds scheduling.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the workers.
type jobQueue struct {
	mu       sync.Mutex
	jobs     []job
	inFlight map[string]struct{}
	closed   bool
	signal   chan struct{} // Signals job availability (buffered, size 1)
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:     make([]job, 0, 64),
		inFlight: make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// Push adds j to the back of the queue. Returns false if the queue is
// closed or an identical job is already in flight.
func (q *jobQueue) Push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, dup := q.inFlight[j.key()]; dup {
		return false
	}

	q.inFlight[j.key()] = struct{}{}
	q.jobs = append(q.jobs, j)
	q.notify()
	return true
}

// Pop removes and returns the front job without blocking.
func (q *jobQueue) Pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}

	// Wake another worker for the rest; the signal buffer only holds one.
	if len(q.jobs) > 0 {
		q.notify()
	}
	return j, true
}

// Done releases j so it may be pushed again.
func (q *jobQueue) Done(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, j.key())
}

// Wait returns a channel that signals when jobs may be available. It is
// closed when the queue is closed.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of jobs in flight.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Queued returns the number of jobs waiting for a worker.
func (q *jobQueue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Closed reports whether Close was called.
func (q *jobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting jobs and wakes every waiter.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notify must be called with mu held.
func (q *jobQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
