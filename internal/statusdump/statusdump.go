// Package statusdump implements the periodic JSON status line (spec §6's
// wire format): named by interface only in spec.md's scope, but its wire
// format is specified in full, so it ships as a first-class component
// rather than a stub.
package statusdump

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

// defaultInterval is pep.c's PEPLOGGER_INTERVAL.
const defaultInterval = 5 * time.Second

// defaultStageCapacity bounds how much encoded-but-not-yet-flushed JSON the
// Dumper holds in memory when the sink (a slow file, a full pipe) can't
// keep up.
const defaultStageCapacity = 64 * 1024

// proxyRecord mirrors spec §6's per-connection JSON object. Fields tagged
// omitempty correspond to the wire format's bracketed optional groups.
type proxyRecord struct {
	Src           string  `json:"src"`
	Dst           string  `json:"dst"`
	Status        string  `json:"status"`
	SyncRecv      int64   `json:"sync_recv"`
	LastRxTx      *int64  `json:"last_rxtx,omitempty"`
	MSSEgress     *int    `json:"mss egress,omitempty"`
	MSSIngress    *int    `json:"mss ingress,omitempty"`
	RTT           *uint32 `json:"rtt,omitempty"`
	RTTVar        *uint32 `json:"rtt_var,omitempty"`
	Retransmits   *uint32 `json:"retransmits,omitempty"`
	Cwnd          *uint32 `json:"cwnd,omitempty"`
	PacingRate    *uint64 `json:"pacing_rate,omitempty"`
	MaxPacingRate *uint64 `json:"max_pacing_rate,omitempty"`
	DeliveryRate  *uint64 `json:"delivery_rate,omitempty"`
}

type dumpDoc struct {
	Time    int64         `json:"time"`
	Proxies []proxyRecord `json:"proxies"`
}

// Dumper periodically encodes the SYN table's contents to JSON and flushes
// them to sink.
type Dumper struct {
	table  *syntab.Table
	sink   io.Writer
	stage  *ringbuffer.RingBuffer
	logger *logrus.Logger
	clock  func() time.Time

	interval time.Duration
}

// New constructs a Dumper writing to sink (stdout/stderr/an opened file,
// per spec §6's `-l` flag). stageCapacity falls back to
// defaultStageCapacity when zero.
func New(table *syntab.Table, sink io.Writer, stageCapacity int, interval time.Duration, logger *logrus.Logger, clock func() time.Time) *Dumper {
	if stageCapacity <= 0 {
		stageCapacity = defaultStageCapacity
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Dumper{
		table:    table,
		sink:     sink,
		stage:    ringbuffer.New(stageCapacity),
		logger:   logger,
		clock:    clock,
		interval: interval,
	}
}

// Run alternates between encoding a fresh dump and draining the staged
// bytes to sink, until ctx is done. Encoding runs on a ticker; draining
// runs continuously on its own so a blocked or slow sink write never
// delays the next table walk.
func (d *Dumper) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		d.drainLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-drainDone
			return
		case <-ticker.C:
			d.Dump()
		}
	}
}

// Dump encodes one status document and stages it for the drain loop. A
// full stage (sink falling behind) drops the dump rather than blocking the
// caller — spec §6 describes this as a best-effort sink, not a guaranteed
// log.
func (d *Dumper) Dump() {
	doc := d.snapshot()

	data, err := json.Marshal(doc)
	if err != nil {
		d.logger.WithError(err).Warn("status dump: marshal failed")
		return
	}
	data = append(data, '\n')

	n, err := d.stage.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		d.logger.WithError(err).Warn("status dump: stage write failed")
		return
	}
	if n < len(data) {
		d.logger.WithField("dropped", len(data)-n).Warn("status dump: stage full, dropping bytes")
	}
}

func (d *Dumper) snapshot() dumpDoc {
	now := d.clock()
	doc := dumpDoc{Time: now.Unix()}

	d.table.ForEach(func(desc *proxy.Descriptor) {
		doc.Proxies = append(doc.Proxies, recordFor(desc))
	})

	return doc
}

func recordFor(d *proxy.Descriptor) proxyRecord {
	rec := proxyRecord{
		Src:      net.JoinHostPort(d.ClientAddr.String(), strconv.Itoa(int(d.ClientPort))),
		Dst:      net.JoinHostPort(d.OrigAddr.String(), strconv.Itoa(int(d.OrigPort))),
		Status:   d.Status().String(),
		SyncRecv: d.SynTime.Unix(),
	}

	if lrt := d.LastRxTx(); !lrt.IsZero() {
		v := lrt.Unix()
		rec.LastRxTx = &v
	}

	if mss, err := getMSS(int(d.Dst.FD.Load())); err == nil {
		rec.MSSEgress = &mss
	}
	if mss, err := getMSS(int(d.Src.FD.Load())); err == nil {
		rec.MSSIngress = &mss
	}

	if info, err := unix.GetsockoptTCPInfo(int(d.Dst.FD.Load()), unix.IPPROTO_TCP, unix.TCP_INFO); err == nil {
		rec.RTT = &info.Rtt
		rec.RTTVar = &info.Rttvar
		rec.Retransmits = &info.Total_retrans
		rec.Cwnd = &info.Snd_cwnd
		rec.PacingRate = &info.Pacing_rate
		rec.MaxPacingRate = &info.Max_pacing_rate
		rec.DeliveryRate = &info.Delivery_rate
	}

	return rec
}

func getMSS(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_MAXSEG)
}

// drainLoop continuously copies staged bytes to sink. It backs off briefly
// when the stage is empty rather than busy-spinning.
func (d *Dumper) drainLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	idle := time.NewTicker(20 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flushRemaining(buf)
			return
		default:
		}

		n, err := d.stage.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			d.logger.WithError(err).Warn("status dump: stage read failed")
		}
		if n == 0 {
			select {
			case <-idle.C:
			case <-ctx.Done():
				d.flushRemaining(buf)
				return
			}
			continue
		}

		if _, err := d.sink.Write(buf[:n]); err != nil {
			d.logger.WithError(err).Warn("status dump: sink write failed")
		}
	}
}

func (d *Dumper) flushRemaining(buf []byte) {
	for {
		n, err := d.stage.TryRead(buf)
		if n == 0 || (err != nil && errors.Is(err, ringbuffer.ErrIsEmpty)) {
			return
		}
		if _, err := d.sink.Write(buf[:n]); err != nil {
			d.logger.WithError(err).Warn("status dump: final flush write failed")
			return
		}
	}
}
