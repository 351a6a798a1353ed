package resolver

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesRepeatOrigin(t *testing.T) {
	c := New()
	addr := netip.MustParseAddr("203.0.113.7")

	got, err := c.Resolve(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, 1, c.Len())

	got, err = c.Resolve(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, 1, c.Len())
}

func TestResolveConcurrentDistinctOrigins(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := netip.AddrFrom4([4]byte{10, 0, byte(n >> 8), byte(n)})
			got, err := c.Resolve(addr)
			assert.NoError(t, err)
			assert.Equal(t, addr, got)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, c.Len())
}
