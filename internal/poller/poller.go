// Package poller implements the readiness multiplexer (spec §4.5): it
// builds a poll(2) set from the SYN table's active descriptors, classifies
// revents, hands ready descriptors to the worker pool via the active
// queue, and reaps them from the ready queue once the workers are done.
package poller

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ccxtechnologies/pepsal/internal/pepbuf"
	"github.com/ccxtechnologies/pepsal/internal/pepqueue"
	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/sockopt"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

// defaultDataPlaneTimeout is spec §6's SO_RCVTIMEO/SO_SNDTIMEO applied to
// data-plane sockets once OPEN.
const defaultDataPlaneTimeout = 10 * time.Millisecond

// Config configures buffer sizing and data-plane socket timeouts applied
// on the CONNECTING->OPEN transition.
type Config struct {
	BufferCapacity   int
	DataPlaneTimeout time.Duration
}

// Poller owns the poll(2) loop. It is driven by exactly one goroutine
// (spec §5's fixed-thread model); Notify is the only method safe to call
// from elsewhere.
type Poller struct {
	cfg    Config
	table  *syntab.Table
	active *pepqueue.Queue
	ready  *pepqueue.Queue
	logger *logrus.Logger

	wakeFD int
}

// New constructs a Poller and its wake eventfd. The eventfd replaces the
// original's process-directed real-time signal (spec §9's design note):
// Notify writes to it, and Run's poll(2) call always includes it so a new
// connection (or a shutdown request) interrupts an indefinite wait.
func New(cfg Config, table *syntab.Table, active, ready *pepqueue.Queue, logger *logrus.Logger) (*Poller, error) {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = pepbuf.DefaultCapacity
	}
	if cfg.DataPlaneTimeout <= 0 {
		cfg.DataPlaneTimeout = defaultDataPlaneTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &Poller{cfg: cfg, table: table, active: active, ready: ready, logger: logger, wakeFD: wakeFD}, nil
}

// Notify wakes a blocked poll(2) call so Run rebuilds its fd set on the
// next cycle. Safe to call from the listener goroutine or from Shutdown.
func (p *Poller) Notify() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakeFD, buf[:])
}

// Shutdown wakes Run so it observes a cancelled context instead of
// blocking indefinitely in poll(2).
func (p *Poller) Shutdown() {
	p.Notify()
}

// Close releases the wake eventfd.
func (p *Poller) Close() error {
	return unix.Close(p.wakeFD)
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Run executes spec §4.5's iteration until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pollfds, endpoints := p.buildPollSet()

		fds := make([]unix.PollFd, 0, len(pollfds)+1)
		fds = append(fds, unix.PollFd{Fd: int32(p.wakeFD), Events: unix.POLLIN})
		fds = append(fds, pollfds...)

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.logger.WithError(err).Warn("poll failed")
			continue
		}

		if fds[0].Revents != 0 {
			p.drainWake()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		var localList []*proxy.Descriptor
		for i := 1; i < len(fds); i++ {
			pfd := fds[i]
			if pfd.Revents == 0 {
				continue
			}
			if p.processEntry(pfd, endpoints[i-1]) {
				localList = append(localList, endpoints[i-1].Owner)
			}
		}

		if len(localList) == 0 {
			continue
		}

		p.dispatchAndReap(localList)
	}
}

// buildPollSet walks the SYN table under a read lock and flattens every
// non-PENDING, non-CLOSED descriptor's two endpoints into parallel
// pollfd/endpoint slices (spec §4.5 step 2).
func (p *Poller) buildPollSet() ([]unix.PollFd, []*proxy.Endpoint) {
	var pollfds []unix.PollFd
	var endpoints []*proxy.Endpoint

	p.table.ForEach(func(d *proxy.Descriptor) {
		switch d.Status() {
		case proxy.StatusPending, proxy.StatusClosed:
			return
		}
		for _, ep := range [2]*proxy.Endpoint{&d.Src, &d.Dst} {
			pollfds = append(pollfds, unix.PollFd{
				Fd:     ep.FD.Load(),
				Events: toPollEvents(ep.PollEvents()),
			})
			endpoints = append(endpoints, ep)
		}
	})

	return pollfds, endpoints
}

func toPollEvents(mask proxy.PollInterest) int16 {
	var ev int16
	if mask&proxy.PollRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&proxy.PollWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// processEntry implements spec §4.5 step 5 for one (fd, endpoint) pair. It
// reports whether the owning descriptor should be handed to the workers
// this cycle.
func (p *Poller) processEntry(pfd unix.PollFd, ep *proxy.Endpoint) bool {
	d := ep.Owner
	if d.Enqueued() {
		return false
	}

	switch d.Status() {
	case proxy.StatusConnecting:
		if !p.completeConnect(d) {
			return false
		}
		// Falls through to the OPEN handling below using this same
		// event, so writability observed while CONNECTING is not missed
		// (spec §4.3's fall-through rule).
	case proxy.StatusOpen:
	default:
		return false
	}

	if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		d.Destroy()
		return false
	}

	if pfd.Revents&(unix.POLLIN|unix.POLLOUT) != 0 {
		d.SetEnqueued(true)
		return true
	}

	return false
}

// completeConnect checks the outbound connect's result via SO_ERROR and,
// on success, performs the CONNECTING->OPEN transition: allocate both
// buffers, advance status, then arm non-blocking mode and short timeouts
// on both fds (spec §4.3).
func (p *Poller) completeConnect(d *proxy.Descriptor) bool {
	fd := int(d.Dst.FD.Load())
	connErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || connErr != 0 {
		d.Destroy()
		return false
	}

	d.InitBuffers(p.cfg.BufferCapacity)

	if !d.Advance(proxy.StatusConnecting, proxy.StatusOpen) {
		d.Destroy()
		return false
	}

	if err := p.armDataPlane(d); err != nil {
		p.logger.WithError(err).Warn("failed to arm data-plane socket options")
	}

	return true
}

func (p *Poller) armDataPlane(d *proxy.Descriptor) error {
	for _, ep := range [2]*proxy.Endpoint{&d.Src, &d.Dst} {
		fd := int(ep.FD.Load())
		if err := sockopt.SetNonblocking(fd, true); err != nil {
			return err
		}
		if err := sockopt.SetTimeouts(fd, p.cfg.DataPlaneTimeout); err != nil {
			return err
		}
	}
	return nil
}

// dispatchAndReap implements spec §4.5 steps 6-7: submit localList to the
// active queue, wake workers, wait for all of them to come back on the
// ready queue, then reap.
func (p *Poller) dispatchAndReap(localList []*proxy.Descriptor) {
	numWorks := len(localList)

	p.active.Lock()
	p.active.EnqueueAllLocked(localList)
	p.ready.Lock()
	p.active.Broadcast()
	p.active.Unlock()

	p.ready.WaitForCountLocked(numWorks)
	drained := p.ready.DrainAllLocked()
	p.ready.Unlock()

	for _, d := range drained {
		d.SetEnqueued(false)
		p.reap(d)
	}
}

// reap implements spec §4.5 step 7's per-endpoint decision: destroy on a
// terminal condition, otherwise clear the transient I/O flags so the next
// cycle re-examines the endpoint fresh.
func (p *Poller) reap(d *proxy.Descriptor) {
	for _, ep := range [2]*proxy.Endpoint{&d.Src, &d.Dst} {
		status := ep.IOStatus()
		if status&proxy.IOError != 0 || (status&proxy.IOEOF != 0 && ep.Buf.Empty()) {
			d.Destroy()
			return
		}
		ep.ClearIOFlags(proxy.IOWriteDone | proxy.IOReadDone | proxy.IOEOF)
	}
}
