// Package worker implements the fixed worker pool that drains the active
// queue and performs the actual byte splicing (spec §4.6): each worker
// dequeues one descriptor at a time, copies both directions, stamps the
// last-I/O time, and hands the descriptor back to the poller via the ready
// queue.
package worker

import (
	"context"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccxtechnologies/pepsal/internal/pepqueue"
	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/splice"
)

// Pool owns a fixed number of worker goroutines sharing one active/ready
// queue pair (spec §4.6, §5's "fixed thread pool, not one thread per
// connection").
type Pool struct {
	active *pepqueue.Queue
	ready  *pepqueue.Queue
	logger *logrus.Logger
	clock  func() time.Time
}

// New constructs a Pool. clock defaults to time.Now; tests override it to
// make TouchRxTx assertions deterministic.
func New(active, ready *pepqueue.Queue, logger *logrus.Logger, clock func() time.Time) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pool{active: active, ready: ready, logger: logger, clock: clock}
}

// Start launches n worker goroutines under ctx, named "worker-0".."worker-
// (n-1)" (spec §6's worker-count flag governs n; see internal/engine).
// Each worker runs until its active queue is closed and drained.
func (p *Pool) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		id := i
		name := "worker-" + strconv.Itoa(id)
		go pprof.Do(ctx, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.WithField("panic", r).Error("worker: panic recovered")
				}
			}()
			p.run(ctx)
		})
	}
}

// run implements pep.c's workers_loop body for one worker goroutine:
// block for a descriptor, splice both directions, touch the activity
// timestamp, and return it to the ready queue. Unlike the original, each
// worker here returns one descriptor to the ready queue per dequeue rather
// than batching a whole drain of the active queue into a single list
// append — pepqueue.Queue's WaitForCountLocked only cares about the final
// count, not how many enqueue calls it took to get there, so the
// single-item path is equivalent and far simpler to reason about.
func (p *Pool) run(ctx context.Context) {
	for {
		d, ok := p.active.Dequeue()
		if !ok {
			return
		}

		p.process(d)

		p.ready.Enqueue(d)
	}
}

func (p *Pool) process(d *proxy.Descriptor) {
	splice.Direction(&d.Src, &d.Dst)
	splice.Direction(&d.Dst, &d.Src)

	d.TouchRxTx(p.clock())
}
