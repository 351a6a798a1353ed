package statusdump

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

func newDescriptor(t *testing.T, tbl *syntab.Table, port uint16, synTime time.Time) *proxy.Descriptor {
	t.Helper()
	d := proxy.New(tbl)
	d.ClientAddr = netip.MustParseAddr("10.0.0.1")
	d.ClientPort = port
	d.OrigAddr = netip.MustParseAddr("192.168.1.1")
	d.OrigPort = 80
	d.SynTime = synTime
	d.Advance(proxy.StatusInvalid, proxy.StatusPending)
	require.NoError(t, tbl.Insert(d))
	return d
}

func TestDumpProducesExpectedShape(t *testing.T) {
	tbl := syntab.New(4)
	fixedNow := time.Unix(1700000000, 0)
	newDescriptor(t, tbl, 1, fixedNow.Add(-time.Minute))

	var sink bytes.Buffer
	dumper := New(tbl, &sink, 0, 0, nil, func() time.Time { return fixedNow })

	dumper.Dump()

	buf := make([]byte, 4096)
	nRead, err := dumper.stage.TryRead(buf)
	require.NoError(t, err)
	require.Greater(t, nRead, 0)

	var doc dumpDoc
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf[:nRead]), &doc))

	assert.Equal(t, fixedNow.Unix(), doc.Time)
	require.Len(t, doc.Proxies, 1)
	assert.Equal(t, "10.0.0.1:1", doc.Proxies[0].Src)
	assert.Equal(t, "192.168.1.1:80", doc.Proxies[0].Dst)
	assert.Equal(t, "PST_PENDING", doc.Proxies[0].Status)
	assert.Nil(t, doc.Proxies[0].LastRxTx)
}

func TestDumpOmitsLastRxTxUntilTouched(t *testing.T) {
	tbl := syntab.New(4)
	fixedNow := time.Unix(1700000000, 0)
	d := newDescriptor(t, tbl, 2, fixedNow)
	d.TouchRxTx(fixedNow.Add(-time.Second))

	var sink bytes.Buffer
	dumper := New(tbl, &sink, 0, 0, nil, func() time.Time { return fixedNow })
	dumper.Dump()

	buf := make([]byte, 4096)
	nRead, err := dumper.stage.TryRead(buf)
	require.NoError(t, err)

	var doc dumpDoc
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf[:nRead]), &doc))
	require.Len(t, doc.Proxies, 1)
	require.NotNil(t, doc.Proxies[0].LastRxTx)
	assert.Equal(t, fixedNow.Add(-time.Second).Unix(), *doc.Proxies[0].LastRxTx)
}

func TestRunDrainsToSinkAndStopsOnCancel(t *testing.T) {
	tbl := syntab.New(4)
	newDescriptor(t, tbl, 3, time.Unix(1700000000, 0))

	var sink bytes.Buffer
	dumper := New(tbl, &sink, 0, 5*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dumper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sink.Len() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after context cancellation")
	}
}
