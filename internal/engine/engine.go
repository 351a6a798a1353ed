// Package engine wires the proxy's fixed goroutines together: the SYN
// table, the active/ready work queues, the listener, the poller, the
// worker pool, the garbage collector, and the status dumper, mirroring
// pep.c's main()/init_pep_threads/create_threads_pool sequence.
package engine

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ccxtechnologies/pepsal/internal/config"
	"github.com/ccxtechnologies/pepsal/internal/gc"
	"github.com/ccxtechnologies/pepsal/internal/listener"
	"github.com/ccxtechnologies/pepsal/internal/pepqueue"
	"github.com/ccxtechnologies/pepsal/internal/poller"
	"github.com/ccxtechnologies/pepsal/internal/resolver"
	"github.com/ccxtechnologies/pepsal/internal/sockopt"
	"github.com/ccxtechnologies/pepsal/internal/statusdump"
	"github.com/ccxtechnologies/pepsal/internal/syntab"
	"github.com/ccxtechnologies/pepsal/internal/worker"
)

// queueCapacityFactor sizes each work queue as a multiple of the
// connection table's capacity (internal/pepqueue's EnqueueAllLocked
// doc comment: "the queues are sized at least 2x the connection table
// capacity so that panic is never reached in practice") — a descriptor can
// be on the active queue, move to ready, and a fresh one take its place
// on active before the ready side drains.
const queueCapacityFactor = 2

// statusDumpStageCapacity is the ring buffer internal/statusdump stages
// encoded JSON into before a (possibly slow) sink drains it.
const statusDumpStageCapacity = 64 * 1024

// Engine owns every long-lived goroutine the proxy runs and their shared
// state (spec §5's fixed-thread model): one listener, one poller, one GC
// sweep loop, one status dumper, and a fixed worker pool.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	table  *syntab.Table
	active *pepqueue.Queue
	ready  *pepqueue.Queue

	listener *listener.Listener
	poller   *poller.Poller
	workers  *worker.Pool
	gc       *gc.Collector
	dumper   *statusdump.Dumper

	sinkCloser func() error
}

// New builds an Engine from cfg but opens no sockets and starts no
// goroutines; call Start to do that. logger is shared by every component
// (cmd/pepsal's single logrus.Logger, spec §6).
func New(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	table := syntab.New(cfg.MaxConnections)
	queueCap := uint32(cfg.MaxConnections * queueCapacityFactor)
	active := pepqueue.New(queueCap)
	ready := pepqueue.New(queueCap)

	res := resolver.New()

	pl, err := poller.New(poller.Config{}, table, active, ready, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: poller: %w", err)
	}

	ln := listener.New(listener.Config{
		Port: cfg.Port,
		Listener: sockopt.ListenerOptions{
			Transparent:    true,
			Mark:           int(cfg.IngressMark),
			CongestionAlgo: cfg.IngressCongestionAlgo,
			FastOpen:       cfg.FastOpen,
			MTU:            cfg.MTU,
		},
		Outbound: sockopt.OutboundOptions{
			Transparent:    true,
			Mark:           int(cfg.EgressMark),
			CongestionAlgo: cfg.EgressCongestionAlgo,
		},
		FastOpenConnect: cfg.FastOpen,
	}, table, res, pl, logger)

	sink, sinkCloser, err := openStatusSink(cfg.StatusDumpPath)
	if err != nil {
		return nil, fmt.Errorf("engine: status dump sink: %w", err)
	}

	dumper := statusdump.New(table, sink, statusDumpStageCapacity, 0, logger, nil)
	collector := gc.New(table, cfg.GCInterval, cfg.PendingLifetime, logger, nil)
	pool := worker.New(active, ready, logger, nil)

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		table:      table,
		active:     active,
		ready:      ready,
		listener:   ln,
		poller:     pl,
		workers:    pool,
		gc:         collector,
		dumper:     dumper,
		sinkCloser: sinkCloser,
	}, nil
}

// openStatusSink resolves spec §6's `-l` destination: "stdout", "stderr",
// or a filesystem path, the latter opened append/create per pep.c's
// status-dump file handling.
func openStatusSink(path string) (*os.File, func() error, error) {
	switch path {
	case "", "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "stderr":
		return os.Stderr, func() error { return nil }, nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}

// Start opens the listening socket and launches every goroutine: the
// listener's accept loop, the poller, the GC sweep, the status dumper,
// and cfg.WorkerCount workers, mirroring init_pep_threads' launch order.
// Start returns once every goroutine has been spawned; it does not block
// until they exit (use Run for that).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.listener.Open(); err != nil {
		return fmt.Errorf("engine: open listener: %w", err)
	}

	e.workers.Start(ctx, e.cfg.WorkerCount)

	go pprof.Do(ctx, pprof.Labels("goroutine_name", "poller"), func(ctx context.Context) {
		e.poller.Run(ctx)
	})
	go pprof.Do(ctx, pprof.Labels("goroutine_name", "gc"), func(ctx context.Context) {
		e.gc.Run(ctx)
	})
	go pprof.Do(ctx, pprof.Labels("goroutine_name", "statusdump"), func(ctx context.Context) {
		e.dumper.Run(ctx)
	})
	go pprof.Do(ctx, pprof.Labels("goroutine_name", "listener"), func(ctx context.Context) {
		e.listener.Run(ctx)
	})

	e.logger.WithField("port", e.cfg.Port).Info("pepsal started")
	return nil
}

// Run starts the engine and blocks until ctx is cancelled, then shuts
// every goroutine down in turn.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Shutdown()
}

// Shutdown stops the poller and worker queues, closes the listening
// socket, and releases the status dump sink. It does not wait for
// in-flight splices to finish; spec §7's error model treats an
// interrupted connection as an ordinary closed TCP session.
func (e *Engine) Shutdown() error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.poller.Shutdown()
	}()
	e.active.Close()
	e.ready.Close()
	wg.Wait()

	var errs []error
	if err := e.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.poller.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.sinkCloser(); err != nil {
		errs = append(errs, err)
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Table exposes the SYN table for tests that need to inspect engine state
// directly.
func (e *Engine) Table() *syntab.Table { return e.table }
