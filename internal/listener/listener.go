// Package listener implements the proxy's accept loop (spec §4.4): it
// opens the transparent listening socket, accepts inbound connections,
// recovers each connection's original destination, dials the outbound
// leg, and activates the descriptor.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/resolver"
	"github.com/ccxtechnologies/pepsal/internal/sockopt"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

// defaultBacklog is pep.c's LISTENER_QUEUE_SIZE.
const defaultBacklog = 128

// Config configures the listener's socket options and outbound dial
// behavior (spec §4.4, §6).
type Config struct {
	Port            uint16
	Backlog         int
	Listener        sockopt.ListenerOptions
	Outbound        sockopt.OutboundOptions
	FastOpenConnect bool
}

// Notifier is implemented by the poller: Notify wakes it so it rebuilds
// its fd set on the next cycle (spec §4.4 step 7; an eventfd-backed
// Notifier replaces the original's real-time signal per spec §9's design
// note).
type Notifier interface {
	Notify()
}

// Listener is the accept-loop goroutine's owned state.
type Listener struct {
	cfg      Config
	table    *syntab.Table
	resolver *resolver.Cache
	notify   Notifier
	logger   *logrus.Logger

	fd int
}

// New constructs a Listener. It does not open a socket; call Open first.
func New(cfg Config, table *syntab.Table, res *resolver.Cache, notify Notifier, logger *logrus.Logger) *Listener {
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Listener{cfg: cfg, table: table, resolver: res, notify: notify, logger: logger, fd: -1}
}

// Open creates, configures, binds, and starts listening on the accept
// socket, applying the option sequence spec §4.4 names before bind.
// Failures here are fatal startup errors (spec §7): the caller logs and
// exits rather than retrying.
func (l *Listener) Open() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("listener: socket: %w", err)
	}

	if err := sockopt.ApplyListener(fd, l.cfg.Listener); err != nil {
		_ = unix.Close(fd)
		return err
	}

	sa := &unix.SockaddrInet4{Port: int(l.cfg.Port)}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listener: bind: %w", err)
	}
	if err := unix.Listen(fd, l.cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listener: listen: %w", err)
	}

	l.fd = fd
	return nil
}

// Run accepts connections until ctx is cancelled, mirroring pep.c's
// listener_loop for(;;) body. A per-connection failure only warns and
// continues (spec §7) — the loop itself never stops for one bad
// connection.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.WithError(err).Warn("accept failed")
			continue
		}

		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			l.logger.Warn("accept: unexpected sockaddr type, dropping connection")
			_ = unix.Close(connfd)
			continue
		}

		l.acceptOne(connfd, netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
	}
}

// acceptOne implements spec §4.4 steps 1-7 for a single accepted
// connection, with the open question at spec §9 resolved: the descriptor
// is allocated, the inbound fd attached, and the PENDING->CONNECTING
// transition performed in one critical section on first sighting of the
// (client, orig-dest) pair, rather than inserting and relying on a later
// re-lookup to find the same connfd.
func (l *Listener) acceptOne(connfd int, clientAddr netip.Addr, clientPort uint16) {
	origAddrPort, err := sockopt.GetOrigDest(connfd)
	if err != nil {
		l.logger.WithError(err).Warn("getsockname failed, dropping connection")
		_ = unix.Close(connfd)
		return
	}

	resolvedDst, err := l.resolver.Resolve(origAddrPort.Addr())
	if err != nil {
		l.logger.WithError(err).Warn("destination resolution failed, dropping connection")
		_ = unix.Close(connfd)
		return
	}

	d := proxy.New(l.table)
	d.ClientAddr = clientAddr
	d.ClientPort = clientPort
	d.OrigAddr = resolvedDst
	d.OrigPort = origAddrPort.Port()
	d.SynTime = time.Now()
	d.Advance(proxy.StatusInvalid, proxy.StatusPending)

	l.table.Lock()
	if err := l.table.InsertLocked(d); err != nil {
		l.table.Unlock()
		if errors.Is(err, syntab.ErrDuplicateKey) {
			l.logger.WithField("client", d.Key()).Debug("duplicate SYN, dropping")
		} else {
			l.logger.WithError(err).Warn("insert into SYN table failed, dropping connection")
		}
		_ = unix.Close(connfd)
		return
	}
	d.Src.FD.Store(int32(connfd))
	advanced := d.Advance(proxy.StatusPending, proxy.StatusConnecting)
	l.table.Unlock()

	if !advanced {
		// The garbage collector raced us to CLOSED between insert and
		// here (spec §7's "race with GC" case) — treat as an aborted
		// activation.
		l.logger.WithField("client", d.Key()).Debug("descriptor closed by GC before activation")
		_ = unix.Close(connfd)
		return
	}

	if err := l.dialOutbound(d); err != nil {
		l.logger.WithError(err).WithField("client", d.Key()).Warn("outbound connect failed")
		d.Destroy()
		return
	}

	l.notify.Notify()
}

// dialOutbound implements spec §4.4 steps 5-6: create the outbound socket,
// apply egress options, and initiate the connection (Fast Open's
// zero-length sendto, or a plain non-blocking connect).
func (l *Listener) dialOutbound(d *proxy.Descriptor) error {
	outfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("listener: outbound socket: %w", err)
	}

	if err := sockopt.SetNonblocking(outfd, true); err != nil {
		_ = unix.Close(outfd)
		return err
	}
	if err := sockopt.ApplyOutbound(outfd, l.cfg.Outbound); err != nil {
		_ = unix.Close(outfd)
		return err
	}

	sa := &unix.SockaddrInet4{Port: int(d.OrigPort), Addr: d.OrigAddr.As4()}

	if l.cfg.FastOpenConnect {
		err = unix.Sendto(outfd, nil, unix.MSG_FASTOPEN, sa)
	} else {
		err = unix.Connect(outfd, sa)
	}
	// A non-blocking connect (or Fast Open sendto) reporting "in progress"
	// is not an error (spec §4.4 step 6).
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(outfd)
		return fmt.Errorf("listener: connect: %w", err)
	}

	d.Dst.FD.Store(int32(outfd))
	return nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}
