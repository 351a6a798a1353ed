package sockopt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClampMSS(t *testing.T) {
	assert.Equal(t, 1500-24-26, ClampMSS(1500))
	assert.Equal(t, 32767, ClampMSS(100000))
}

func newTestSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func TestApplyListenerBaseline(t *testing.T) {
	fd := newTestSocket(t)
	err := ApplyListener(fd, ListenerOptions{})
	require.NoError(t, err)

	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	require.NoError(t, err)
	assert.NotEqual(t, 0, v)
}

func TestSetNonblockingRoundTrip(t *testing.T) {
	fd := newTestSocket(t)

	require.NoError(t, SetNonblocking(fd, true))
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	require.NoError(t, SetNonblocking(fd, false))
	flags, err = unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK)
}

func TestSetTimeouts(t *testing.T) {
	fd := newTestSocket(t)
	require.NoError(t, SetTimeouts(fd, 250*time.Millisecond))
}

func TestGetOrigDestAfterBind(t *testing.T) {
	fd := newTestSocket(t)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))

	addr, err := GetOrigDest(fd)
	require.NoError(t, err)
	assert.True(t, addr.Addr().Is4())
	assert.NotZero(t, addr.Port())
}
