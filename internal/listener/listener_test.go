package listener

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/resolver"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

type notifyCounter struct {
	ch chan struct{}
}

func newNotifyCounter() *notifyCounter {
	return &notifyCounter{ch: make(chan struct{}, 8)}
}

func (n *notifyCounter) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func TestOpenListenAndClose(t *testing.T) {
	tbl := syntab.New(4)
	l := New(Config{Port: 0}, tbl, resolver.New(), newNotifyCounter(), nil)

	require.NoError(t, l.Open())
	assert.NoError(t, l.Close())
}

// TestAcceptOneActivatesDescriptor exercises the accept loop end to end
// without a TPROXY rule in place: since the listener here is not actually
// transparent, getsockname on the accepted socket returns the listener's
// own bound address, so the outbound dial loops back to the listener
// itself. That's enough to exercise the whole accept -> SYN table insert
// -> PENDING->CONNECTING -> outbound connect -> notify pipeline (spec
// §4.4) without root privileges or real packet redirection.
func TestAcceptOneActivatesDescriptor(t *testing.T) {
	tbl := syntab.New(4)
	notifier := newNotifyCounter()
	l := New(Config{Port: 0}, tbl, resolver.New(), notifier, nil)
	require.NoError(t, l.Open())
	defer l.Close()

	sa, err := unix.Getsockname(l.fd)
	require.NoError(t, err)
	sa4 := sa.(*unix.SockaddrInet4)
	port := sa4.Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-notifier.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never notified the poller")
	}

	require.Equal(t, 1, tbl.Len())
	var found *proxy.Descriptor
	tbl.ForEach(func(d *proxy.Descriptor) { found = d })
	require.NotNil(t, found)
	assert.Equal(t, proxy.StatusConnecting, found.Status())
	assert.GreaterOrEqual(t, found.Src.FD.Load(), int32(0))
}
