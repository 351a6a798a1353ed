// Package pepqueue implements the bounded active/ready work queues the
// poller and worker pool hand descriptors through (spec §4 Work Queues,
// §4.5 step 6).
package pepqueue

import (
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
)

// Queue is a fixed-capacity MPMC queue of proxy descriptors with blocking
// wait/wake, mirroring pep.c's pepqueue_t (a mutex + condvar guarding a
// capped list) rather than the ring buffer library's own overwrite-on-full
// semantics: Queue tracks its own count and never enqueues past capacity,
// so the ring's overwrite path is never exercised.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   mpmc.RichOverlappedRingBuffer[*proxy.Descriptor]
	cap    int
	count  int
	closed bool
}

// New constructs a queue backed by a ring of the given capacity.
func New(capacity uint32) *Queue {
	q := &Queue{
		ring: mpmc.NewOverlappedRingBuffer[*proxy.Descriptor](capacity),
		cap:  int(capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Lock/Unlock expose the queue's mutex directly for callers that need a
// critical section spanning more than one operation — the poller's
// "lock active, enqueue, lock ready, wake, unlock active" handoff (spec
// §4.5 step 6) that must hold the ready lock continuously from before
// waking workers through checking the ready count, to avoid a lost wakeup.
func (q *Queue) Lock()   { q.mu.Lock() }
func (q *Queue) Unlock() { q.mu.Unlock() }

// Broadcast wakes every goroutine blocked in Dequeue or WaitForCountLocked.
// Caller must hold the lock.
func (q *Queue) Broadcast() { q.cond.Broadcast() }

// NumItemsLocked returns the current count. Caller must hold the lock.
func (q *Queue) NumItemsLocked() int { return q.count }

// EnqueueAllLocked appends every descriptor in ds. Caller must hold the
// lock and must have verified capacity allows it: it never blocks, and
// panics instead of enqueueing past capacity (the queues are sized at
// least 2x the connection table capacity so that panic is never reached in
// practice; see internal/engine).
func (q *Queue) EnqueueAllLocked(ds []*proxy.Descriptor) {
	for _, d := range ds {
		if q.count >= q.cap {
			panic("pepqueue: enqueue exceeds capacity")
		}
		if _, err := q.ring.EnqueueM(d); err != nil {
			panic("pepqueue: enqueue failed: " + err.Error())
		}
		q.count++
	}
}

// EnqueueLocked appends a single descriptor. Caller must hold the lock.
func (q *Queue) EnqueueLocked(d *proxy.Descriptor) {
	q.EnqueueAllLocked([]*proxy.Descriptor{d})
}

// Enqueue appends a single descriptor under its own lock and wakes one
// waiter.
func (q *Queue) Enqueue(d *proxy.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.EnqueueLocked(d)
	q.cond.Signal()
}

// dequeueLocked pops one item. Caller must hold the lock and have verified
// count > 0.
func (q *Queue) dequeueLocked() *proxy.Descriptor {
	d, err := q.ring.Dequeue()
	if err != nil {
		panic("pepqueue: dequeue failed: " + err.Error())
	}
	q.count--
	return d
}

// Dequeue blocks until at least one descriptor is available, then pops and
// returns it. Used by worker goroutines draining the active queue one item
// at a time. The second return is false once the queue has been Closed and
// drained, the worker pool's cue to exit its loop instead of blocking
// forever.
func (q *Queue) Dequeue() (*proxy.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	return q.dequeueLocked(), true
}

// Close marks the queue closed and wakes every blocked Dequeue/
// WaitForCountLocked waiter. Queued items already present are still
// returned by Dequeue before it reports closed; Close does not discard
// them. Used during shutdown to let worker goroutines blocked on an empty
// active queue observe cancellation instead of waiting for a connection
// that will never arrive.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// DrainAllLocked pops every currently-queued descriptor. Caller must hold
// the lock. Used by the poller once the ready queue reaches the expected
// count (spec §4.5 step 6's "dequeue the whole list").
func (q *Queue) DrainAllLocked() []*proxy.Descriptor {
	out := make([]*proxy.Descriptor, 0, q.count)
	for q.count > 0 {
		out = append(out, q.dequeueLocked())
	}
	return out
}

// WaitForCountLocked blocks until the queue holds exactly n items. Caller
// must hold the lock; Wait atomically releases it while blocked. This is
// pepqueue_t's "while (ready_queue.num_items != num_works) PEPQUEUE_WAIT"
// loop from pep.c's poller_loop.
func (q *Queue) WaitForCountLocked(n int) {
	for q.count != n {
		q.cond.Wait()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
