// Package splice implements the per-direction byte-copy sweep a worker
// performs on each half of an open descriptor (spec §4.7).
package splice

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
)

// Direction receives into from's buffer and drains it to to's fd, repeating
// until neither side progresses in a single sweep, then updates both
// endpoints' poll interest masks. Grounded on pep.c's pep_proxy_data: the
// worker calls Direction(&src, &dst) and Direction(&dst, &src) once each
// per descriptor.
func Direction(from, to *proxy.Endpoint) {
	for {
		rb := receive(from)
		wb := send(from, to)
		if rb <= 0 && wb <= 0 {
			break
		}
	}

	updateInterests(from, to)
}

// receive reads from's fd into from's buffer. It returns the number of
// bytes read (0 if skipped or EOF, -1 on a non-recoverable error),
// mirroring pep.c's pep_receive return-value contract so Direction's loop
// condition matches exactly.
func receive(from *proxy.Endpoint) int {
	status := from.IOStatus()
	if status&(proxy.IOReadDone|proxy.IOError|proxy.IOEOF) != 0 || from.Buf.Full() {
		return 0
	}

	region := from.Buf.Writable()
	fd := int(from.FD.Load())
	n, err := unix.Read(fd, region)
	switch {
	case err != nil && isNonblockingErr(err):
		from.SetIOFlag(proxy.IOReadDone)
		return 0
	case err != nil:
		from.SetIOFlag(proxy.IOError)
		return -1
	case n == 0:
		from.SetIOFlag(proxy.IOEOF)
		return 0
	default:
		from.Buf.AdvanceWrite(n)
		return n
	}
}

// send drains from's buffer to to's fd, returning the number of bytes
// written (0 if skipped, -1 on a non-recoverable error). Mirrors pep.c's
// pep_send.
func send(from, to *proxy.Endpoint) int {
	status := from.IOStatus()
	if status&(proxy.IOError|proxy.IOWriteDone) != 0 {
		return 0
	}
	if from.Buf.Empty() && status&proxy.IOEOF == 0 {
		return 0
	}

	region := from.Buf.Readable()
	if region == nil {
		return 0
	}

	fd := int(to.FD.Load())
	n, err := unix.Write(fd, region)
	switch {
	case err != nil && isNonblockingErr(err):
		from.SetIOFlag(proxy.IOWriteDone)
		return 0
	case err != nil:
		from.SetIOFlag(proxy.IOError)
		return -1
	default:
		from.Buf.AdvanceRead(n)
		return n
	}
}

// updateInterests re-arms or clears each endpoint's poll interest mask
// after a sweep (spec §4.7's trailing step).
func updateInterests(from, to *proxy.Endpoint) {
	switch {
	case from.Buf.Full() || from.IOStatus()&proxy.IOEOF != 0:
		from.RemovePollEvents(proxy.PollRead)
	case from.IOStatus()&proxy.IOReadDone != 0:
		from.AddPollEvents(proxy.PollRead)
	}

	if from.Buf.Empty() {
		to.RemovePollEvents(proxy.PollWrite)
	} else {
		to.AddPollEvents(proxy.PollWrite)
	}
}

func isNonblockingErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
