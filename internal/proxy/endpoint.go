package proxy

import (
	"sync/atomic"

	"github.com/ccxtechnologies/pepsal/internal/pepbuf"
)

// IOStatus is a bitset of transient and terminal I/O conditions observed on
// an endpoint's file descriptor (spec §3 Endpoint attributes).
type IOStatus uint32

const (
	IOReadDone  IOStatus = 1 << iota // a non-blocking read returned EAGAIN
	IOWriteDone                      // a non-blocking write returned EAGAIN
	IOError                          // a non-recoverable read/write error
	IOEOF                            // the peer closed its write side
)

// PollInterest is the poll(2) event mask an endpoint currently wants.
// HUP/ERR/INVAL are always implicitly of interest; they're not stored here
// because poll(2) reports them regardless of the requested events.
type PollInterest uint32

const (
	PollRead  PollInterest = 1 << iota // POLLIN
	PollWrite                          // POLLOUT
)

// NoFD is the sentinel value for an endpoint whose fd has not been attached.
const NoFD int32 = -1

// Endpoint is one half of a spliced connection: Src is client-facing, Dst is
// origin-facing (spec §3).
type Endpoint struct {
	FD    atomic.Int32
	Owner *Descriptor // non-owning back-reference, set at allocation

	ioStatus   atomic.Uint32
	pollEvents atomic.Uint32

	Buf pepbuf.Buffer // zero until the CONNECTING->OPEN transition allocates it
}

func (e *Endpoint) init(owner *Descriptor) {
	e.Owner = owner
	e.FD.Store(NoFD)
	e.pollEvents.Store(uint32(PollRead | PollWrite))
}

// IOStatus returns the current transient/terminal I/O bitset.
func (e *Endpoint) IOStatus() IOStatus {
	return IOStatus(e.ioStatus.Load())
}

// SetIOFlag ORs flag into the endpoint's I/O status bitset.
func (e *Endpoint) SetIOFlag(flag IOStatus) {
	e.ioStatus.Or(uint32(flag))
}

// ClearIOFlags ANDs the complement of flags out of the bitset. Used by the
// poller's reap step to clear READ_DONE/WRITE_DONE/EOF once a descriptor
// has been re-examined (spec §4.5 step 7).
func (e *Endpoint) ClearIOFlags(flags IOStatus) {
	e.ioStatus.And(^uint32(flags))
}

// PollEvents returns the endpoint's current poll(2) interest mask.
func (e *Endpoint) PollEvents() PollInterest {
	return PollInterest(e.pollEvents.Load())
}

// SetPollEvents replaces the endpoint's poll(2) interest mask wholesale.
func (e *Endpoint) SetPollEvents(mask PollInterest) {
	e.pollEvents.Store(uint32(mask))
}

// AddPollEvents ORs events into the interest mask.
func (e *Endpoint) AddPollEvents(events PollInterest) {
	e.pollEvents.Or(uint32(events))
}

// RemovePollEvents ANDs the complement of events out of the interest mask.
func (e *Endpoint) RemovePollEvents(events PollInterest) {
	e.pollEvents.And(^uint32(events))
}
