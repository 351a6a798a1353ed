package syntab

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
)

func newPending(tbl *Table, addr string, port uint16) *proxy.Descriptor {
	d := proxy.New(tbl)
	d.ClientAddr = netip.MustParseAddr(addr)
	d.ClientPort = port
	d.Advance(proxy.StatusInvalid, proxy.StatusPending)
	return d
}

func TestInsertFindRemove(t *testing.T) {
	tbl := New(4)
	d := newPending(tbl, "10.0.0.1", 1111)

	require.NoError(t, tbl.Insert(d))
	got, ok := tbl.Find(d.Key())
	require.True(t, ok)
	assert.Same(t, d, got)

	tbl.Remove(d)
	_, ok = tbl.Find(d.Key())
	assert.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	tbl := New(4)
	d1 := newPending(tbl, "10.0.0.1", 1111)
	d2 := newPending(tbl, "10.0.0.1", 1111)

	require.NoError(t, tbl.Insert(d1))
	err := tbl.Insert(d2)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, _ := tbl.Find(d1.Key())
	assert.Same(t, d1, got)
}

func TestInsertCapacityExceeded(t *testing.T) {
	tbl := New(2)
	require.NoError(t, tbl.Insert(newPending(tbl, "10.0.0.1", 1)))
	require.NoError(t, tbl.Insert(newPending(tbl, "10.0.0.2", 2)))
	err := tbl.Insert(newPending(tbl, "10.0.0.3", 3))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRemoveIdempotent(t *testing.T) {
	tbl := New(4)
	d := newPending(tbl, "10.0.0.1", 1111)
	require.NoError(t, tbl.Insert(d))

	assert.NotPanics(t, func() {
		tbl.Remove(d)
		tbl.Remove(d) // second removal of the same descriptor is a no-op
	})
}

func TestForEachStableOrder(t *testing.T) {
	tbl := New(8)
	var ds []*proxy.Descriptor
	for i := uint16(0); i < 5; i++ {
		d := newPending(tbl, "10.0.0.1", i+1)
		require.NoError(t, tbl.Insert(d))
		ds = append(ds, d)
	}

	var seen []proxy.Key
	tbl.ForEach(func(d *proxy.Descriptor) {
		seen = append(seen, d.Key())
	})

	require.Len(t, seen, len(ds))
	for i, d := range ds {
		assert.Equal(t, d.Key(), seen[i])
	}
}

func TestForEachLockedSurvivesDeletionDuringWalk(t *testing.T) {
	tbl := New(8)
	var ds []*proxy.Descriptor
	for i := uint16(0); i < 5; i++ {
		d := newPending(tbl, "10.0.0.1", i+1)
		require.NoError(t, tbl.Insert(d))
		ds = append(ds, d)
	}

	tbl.Lock()
	var visited int
	tbl.ForEachLocked(func(d *proxy.Descriptor) {
		visited++
		tbl.RemoveLocked(d)
	})
	tbl.Unlock()

	assert.Equal(t, 5, visited)
	assert.Equal(t, 0, tbl.Len())
}

// TestConcurrentAccess exercises invariant 1 from spec §8: a descriptor is
// present in the table exactly once under its key, even under concurrent
// insert/find/remove traffic on disjoint keys.
func TestConcurrentAccess(t *testing.T) {
	tbl := New(256)
	var wg sync.WaitGroup
	for i := uint16(0); i < 200; i++ {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			d := newPending(tbl, "10.0.0.1", port)
			require.NoError(t, tbl.Insert(d))
			got, ok := tbl.Find(d.Key())
			require.True(t, ok)
			assert.Same(t, d, got)
			tbl.Remove(d)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
