// Package gc implements the periodic sweep that reclaims SYN-table entries
// stuck in PENDING (spec §4.8): a connection whose outbound dial never
// completes, or whose listener goroutine died between insert and
// activation, would otherwise sit in the table forever.
package gc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
)

// defaultInterval is pep.c's default gcc_interval (the collector wakes
// every 2 seconds regardless per timer_sch_loop's sleep(2), but only acts
// once this much time has passed since its last sweep).
const defaultInterval = 60 * time.Second

// defaultLifetime is pep.c's default PEPLOGGER_INTERVAL counterpart for
// pending connections: how long a PENDING descriptor may sit before the
// collector considers it garbage.
const defaultLifetime = 60 * time.Second

// Collector periodically destroys PENDING descriptors older than Lifetime.
type Collector struct {
	table    *syntab.Table
	interval time.Duration
	lifetime time.Duration
	logger   *logrus.Logger
	clock    func() time.Time
}

// New constructs a Collector. interval and lifetime fall back to their
// package defaults when zero; clock defaults to time.Now.
func New(table *syntab.Table, interval, lifetime time.Duration, logger *logrus.Logger, clock func() time.Time) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Collector{table: table, interval: interval, lifetime: lifetime, logger: logger, clock: clock}
}

// Run sweeps every Collector interval until ctx is cancelled. It shares its
// ticker with no one else: internal/engine runs it on a goroutine of its
// own, and the status dump runs on a separate goroutine with its own
// ticker, not on this one.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep performs one pass (spec §4.8 verbatim): lock the table for writing,
// walk every descriptor, and destroy any PENDING one whose SynTime is older
// than Lifetime. Descriptors past PENDING (CONNECTING/OPEN) are never
// touched here — only the listener and poller advance or destroy those.
func (c *Collector) Sweep() {
	now := c.clock()
	destroyed := 0

	c.table.Lock()
	c.table.ForEachLocked(func(d *proxy.Descriptor) {
		if d.Status() != proxy.StatusPending {
			return
		}
		if now.Sub(d.SynTime) < c.lifetime {
			return
		}
		c.table.RemoveLocked(d)
		d.DestroyLocked()
		destroyed++
	})
	c.table.Unlock()

	if destroyed > 0 {
		c.logger.WithField("count", destroyed).Debug("garbage collector destroyed stale pending connections")
	}
}
