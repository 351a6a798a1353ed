// Package proxy implements the per-connection proxy descriptor and its
// endpoints: the state machine, reference counting, and unified
// destruction path of spec §3/§4.3/§4.9.
package proxy

import (
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Key identifies a descriptor by its client (source) address and port — the
// SYN table's lookup key (spec §4.2).
type Key struct {
	Addr netip.Addr
	Port uint16
}

// Endpoints identifies which half of a descriptor an endpoint is.
const (
	EndpointSrc = 0 // client-facing
	EndpointDst = 1 // origin-facing
)

// Remover is implemented by the SYN table; Descriptor.Destroy calls back
// into it rather than importing internal/syntab directly, avoiding an
// import cycle (the table stores *Descriptor).
type Remover interface {
	Remove(d *Descriptor)
}

// Descriptor is a full splice: a pair of endpoints, a status, and the
// client/origin coordinates and timestamps named in spec §3.
type Descriptor struct {
	Src, Dst Endpoint

	status atomic.Int32
	refcnt atomic.Int32

	ClientAddr netip.Addr
	ClientPort uint16
	OrigAddr   netip.Addr
	OrigPort   uint16

	SynTime  time.Time
	lastRxTx atomic.Int64 // unix seconds; 0 = never

	enqueued atomic.Bool

	table Remover
}

// New allocates a descriptor in StatusInvalid with a refcount of 1, mirroring
// alloc_proxy's initial state in the C original.
func New(table Remover) *Descriptor {
	d := &Descriptor{table: table}
	d.Src.init(d)
	d.Dst.init(d)
	d.status.Store(int32(StatusInvalid))
	d.refcnt.Store(1)
	return d
}

// Key returns the SYN table key for this descriptor.
func (d *Descriptor) Key() Key {
	return Key{Addr: d.ClientAddr, Port: d.ClientPort}
}

// Status returns the descriptor's current lifecycle state.
func (d *Descriptor) Status() Status {
	return Status(d.status.Load())
}

// Advance transitions the descriptor from `from` to `to`. It reports
// whether the transition applied: it never applies if `to` is not a higher
// Status than `from`, or if the current status isn't exactly `from`, which
// structurally enforces "status never moves backwards" (spec §5) — a stale
// `from` observation simply fails instead of corrupting a later state.
func (d *Descriptor) Advance(from, to Status) bool {
	if to <= from {
		return false
	}
	return d.status.CompareAndSwap(int32(from), int32(to))
}

// forceClose unconditionally marks the descriptor Closed, used by Destroy
// once the teardown decision has already been made.
func (d *Descriptor) forceClose() (already bool) {
	for {
		cur := Status(d.status.Load())
		if cur == StatusClosed {
			return true
		}
		if d.status.CompareAndSwap(int32(cur), int32(StatusClosed)) {
			return false
		}
	}
}

// LastRxTx returns the last time data was shuttled on this descriptor, or
// the zero Time if it never has been.
func (d *Descriptor) LastRxTx() time.Time {
	s := d.lastRxTx.Load()
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}

// TouchRxTx records "now" as the last-I/O timestamp.
func (d *Descriptor) TouchRxTx(now time.Time) {
	d.lastRxTx.Store(now.Unix())
}

// Enqueued reports whether the descriptor currently sits on one of the work
// queues.
func (d *Descriptor) Enqueued() bool {
	return d.enqueued.Load()
}

// SetEnqueued is called only by the poller: true on dispatch, false on reap
// (spec §5's "enqueued flag is modified only by the poller").
func (d *Descriptor) SetEnqueued(v bool) {
	d.enqueued.Store(v)
}

// Pin increments the reference count. Callers that retain a pointer across
// a lock release must Pin first and Unpin when done (spec §3 Ownership).
func (d *Descriptor) Pin() {
	d.refcnt.Add(1)
}

// Unpin decrements the reference count. It is a no-op beyond the decrement;
// Go's garbage collector reclaims the descriptor's memory once nothing
// references it; refcnt here only tracks *logical* ownership (table entry,
// queue membership, pinned callers) matching spec §3's ownership model so
// Destroy can reason about "is anyone still using this fd".
func (d *Descriptor) Unpin() {
	d.refcnt.Add(-1)
}

// RefCount returns the current reference count, for tests and diagnostics.
func (d *Descriptor) RefCount() int32 {
	return d.refcnt.Load()
}

// Destroy is the unified teardown path (spec §4.9): idempotent via the
// Closed guard, removes the descriptor from the SYN table under its write
// lock, best-effort-drains and closes both fds, deinitializes any
// allocated buffers, then unpins the caller's reference.
//
// Callers that already hold the table's write lock (the garbage collector,
// walking and destroying in one critical section per spec §4.8) must use
// DestroyLocked instead: re-acquiring a non-reentrant write lock here would
// deadlock — a latent bug in the original C (see DESIGN.md).
func (d *Descriptor) Destroy() {
	alreadyClosed := d.forceClose()
	if !alreadyClosed {
		if d.table != nil {
			d.table.Remove(d)
		}
		closeEndpoint(&d.Src)
		closeEndpoint(&d.Dst)
	}
	d.Unpin()
}

// DestroyLocked performs the same teardown as Destroy, but assumes the
// caller has already removed d from the SYN table (typically via
// Table.RemoveLocked while holding the table's write lock) and will not
// attempt to acquire it again here.
func (d *Descriptor) DestroyLocked() {
	alreadyClosed := d.forceClose()
	if !alreadyClosed {
		closeEndpoint(&d.Src)
		closeEndpoint(&d.Dst)
	}
	d.Unpin()
}

func closeEndpoint(e *Endpoint) {
	fd := e.FD.Swap(NoFD)
	if fd >= 0 {
		// Best-effort drain: clear O_NONBLOCK so a final pending send can
		// flush synchronously before FIN, matching the original's
		// "fcntl(fd, F_SETFL, O_SYNC)" step (spec §4.9 design note).
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err == nil {
			_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK)
		}
		_ = unix.Close(int(fd))
	}
	if e.Buf.Initialized() {
		e.Buf.Deinit()
	}
}

// InitBuffers allocates both endpoints' byte buffers, called exactly once
// by the poller on the CONNECTING->OPEN transition (spec §4.3).
func (d *Descriptor) InitBuffers(capacity int) {
	d.Src.Buf.Init(capacity)
	d.Dst.Buf.Init(capacity)
}
