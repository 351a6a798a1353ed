// Package sockopt applies the raw socket options the transparent proxy
// needs on listener and outbound sockets (spec §4.4, §6): SO_REUSEADDR,
// IP_TRANSPARENT, SO_MARK, TCP_CONGESTION, TCP_FASTOPEN, TCP_MAXSEG, and
// the RCVTIMEO/SNDTIMEO pair. net.Conn has no hook for any of these, so
// every socket in this proxy is created and configured directly against
// golang.org/x/sys/unix.
package sockopt

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// ipHeaderSize and tcpHeaderSize are the fixed IPv4/TCP header sizes
// pep.c's MSS-clamp formula subtracts from the path MTU; maxTCPWindow caps
// the result (pep.c's IP_HEADER_SIZE/TCP_HEADER_SIZE/MAX_TCP_WINDOW).
const (
	ipHeaderSize  = 24
	tcpHeaderSize = 26
	maxTCPWindow  = 32767
)

// ListenerOptions configures the options applied to the accepting socket.
type ListenerOptions struct {
	Transparent      bool
	Mark             int    // 0 = don't set SO_MARK
	CongestionAlgo   string // "" = don't set TCP_CONGESTION
	FastOpen         bool
	FastOpenBacklog  int // TCP_FASTOPEN qlen, used only if FastOpen
	MTU              int // 0 = don't touch TCP_MAXSEG
}

// ApplyListener sets SO_REUSEADDR, and (per ListenerOptions) IP_TRANSPARENT,
// SO_MARK, TCP_CONGESTION, TCP_FASTOPEN, and a clamped TCP_MAXSEG, mirroring
// pep.c's listener_loop setsockopt sequence in the same order.
func ApplyListener(fd int, opts ListenerOptions) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("sockopt: SO_REUSEADDR: %w", err)
	}

	if opts.Transparent {
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
			return fmt.Errorf("sockopt: IP_TRANSPARENT: %w", err)
		}
	}

	if opts.Mark > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, opts.Mark); err != nil {
			return fmt.Errorf("sockopt: SO_MARK=%d: %w", opts.Mark, err)
		}
	}

	if opts.CongestionAlgo != "" {
		if err := unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, opts.CongestionAlgo); err != nil {
			return fmt.Errorf("sockopt: TCP_CONGESTION=%s: %w", opts.CongestionAlgo, err)
		}
	}

	if opts.FastOpen {
		backlog := opts.FastOpenBacklog
		if backlog <= 0 {
			backlog = 5
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, backlog); err != nil {
			return fmt.Errorf("sockopt: TCP_FASTOPEN=%d: %w", backlog, err)
		}
	}

	if opts.MTU > 80 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_MAXSEG, ClampMSS(opts.MTU)); err != nil {
			return fmt.Errorf("sockopt: TCP_MAXSEG: %w", err)
		}
	}

	return nil
}

// ClampMSS converts a path MTU into the TCP_MAXSEG value pep.c derives from
// it: subtract the IPv4 and TCP header sizes, then cap at the maximum TCP
// window.
func ClampMSS(mtu int) int {
	mss := mtu - ipHeaderSize - tcpHeaderSize
	if mss > maxTCPWindow {
		mss = maxTCPWindow
	}
	return mss
}

// OutboundOptions configures the options applied to an egress socket before
// connect(2).
type OutboundOptions struct {
	Transparent    bool
	Mark           int
	CongestionAlgo string
}

// ApplyOutbound sets IP_TRANSPARENT/SO_MARK/TCP_CONGESTION on the
// origin-facing socket, mirroring the listener_loop egress branch.
func ApplyOutbound(fd int, opts OutboundOptions) error {
	if opts.Mark > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, opts.Mark); err != nil {
			return fmt.Errorf("sockopt: SO_MARK=%d: %w", opts.Mark, err)
		}
	}

	if opts.CongestionAlgo != "" {
		if err := unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, opts.CongestionAlgo); err != nil {
			return fmt.Errorf("sockopt: TCP_CONGESTION=%s: %w", opts.CongestionAlgo, err)
		}
	}

	if opts.Transparent {
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
			return fmt.Errorf("sockopt: IP_TRANSPARENT: %w", err)
		}
	}

	return nil
}

// SetNonblocking clears/sets O_NONBLOCK on fd via fcntl, the Go equivalent
// of pep.c's fcntl(fd, F_SETFL, flags | O_NONBLOCK) at accept/connect time.
func SetNonblocking(fd int, nonblocking bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("sockopt: F_GETFL: %w", err)
	}
	if nonblocking {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		return fmt.Errorf("sockopt: F_SETFL: %w", err)
	}
	return nil
}

// SetTimeouts sets SO_RCVTIMEO/SO_SNDTIMEO, the per-fd read/write deadline
// the poller applies to both data-plane fds on the CONNECTING->OPEN
// transition.
func SetTimeouts(fd int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("sockopt: SO_RCVTIMEO: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("sockopt: SO_SNDTIMEO: %w", err)
	}
	return nil
}

// GetOrigDest returns the socket's local address as seen by the kernel.
// Under IP_TRANSPARENT + a TPROXY iptables rule, the accepted socket's
// local address is already the connection's original (pre-redirect)
// destination, so a plain getsockname(2) is all pep.c's
// save_proxy_from_socket does — no SO_ORIGINAL_DST lookup needed (that
// applies to REDIRECT/DNAT, not TPROXY).
func GetOrigDest(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("sockopt: getsockname: unexpected sockaddr type %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}
