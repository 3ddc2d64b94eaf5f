// Package cpusched implements the vCPU scheduler: a periodic control loop
// that repins guest vCPUs across physical CPUs to balance load.
package cpusched

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/virttuned/internal/bitmask"
	"github.com/limiquantix/virttuned/internal/config"
	"github.com/limiquantix/virttuned/internal/hypervisor"
	"github.com/limiquantix/virttuned/internal/metrics"
)

// Engine drives the sample/classify/act cycle for vCPU scheduling. All
// state is owned by the loop goroutine; nothing here is safe for concurrent
// use.
type Engine struct {
	cfg      config.CPUConfig
	conn     hypervisor.Conn
	guests   []hypervisor.Guest
	table    *pinTable
	interval time.Duration
	trace    bool
	logger   *zap.Logger
	metrics  *metrics.CPUMetrics

	highMask bitmask.Mask32
	lowMask  bitmask.Mask32
}

// New enumerates guests and host pCPUs, builds the pinning table, applies
// the initial balanced placement, and seeds the sampling counters.
func New(conn hypervisor.Conn, cfg *config.Config, interval time.Duration, logger *zap.Logger, m *metrics.CPUMetrics) (*Engine, error) {
	guests, err := conn.ListActiveGuests()
	if err != nil {
		return nil, err
	}

	numPCPUs, err := conn.NumPCPUs()
	if err != nil {
		return nil, err
	}

	table, err := newPinTable(conn, guests, numPCPUs)
	if err != nil {
		return nil, err
	}
	if err := table.primeCounters(); err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("component", "cpusched"))
	logger.Info("vCPU scheduler initialized",
		zap.Int("guests", len(guests)),
		zap.Int("pcpus", numPCPUs),
		zap.Duration("interval", interval),
	)

	return &Engine{
		cfg:      cfg.CPU,
		conn:     conn,
		guests:   guests,
		table:    table,
		interval: interval,
		trace:    cfg.Logging.DebugTrace,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Start runs the control loop until ctx is cancelled or a tick fails.
// A tick error is fatal: acting on stale or partial telemetry risks
// destabilizing placements the next tick cannot observe.
func (e *Engine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("vCPU scheduler stopped")
			return nil
		case <-ticker.C:
			if err := e.tick(); err != nil {
				e.logger.Error("Scheduling cycle failed", zap.Error(err))
				return err
			}
		}
	}
}

// tick executes one sample/classify/act cycle.
func (e *Engine) tick() error {
	cycleNs := uint64(e.interval.Nanoseconds())

	if err := e.table.samplePCPUs(cycleNs); err != nil {
		return err
	}
	if err := e.table.sampleVCPUs(cycleNs); err != nil {
		return err
	}

	e.highMask, e.lowMask = e.table.classify(e.cfg)

	migrations, err := e.table.rebalance(e.highMask, e.lowMask, e.cfg)
	if err != nil {
		return err
	}
	if migrations > 0 {
		e.logger.Info("Repinned vCPUs",
			zap.Int("migrations", migrations),
			zap.Uint32("high_mask", uint32(e.highMask)),
			zap.Uint32("low_mask", uint32(e.lowMask)),
		)
	}

	if e.trace {
		e.dumpStats()
	}
	e.updateMetrics(migrations)
	return nil
}

// dumpStats appends the per-tick debug block to standard output.
func (e *Engine) dumpStats() {
	fmt.Printf("\nPCPU Stats\n")
	fmt.Printf("==========\n")
	for i := range e.table.pcpus {
		fmt.Printf("PCPU = %d\n", i)
		fmt.Printf("    CPU Util = %d\n", e.table.pcpus[i].util)
	}

	fmt.Printf("\nVCPU Stats\n")
	fmt.Printf("==========\n")
	for i := range e.table.vcpus {
		vc := &e.table.vcpus[i]
		fmt.Printf("VM name       = %s\n", vc.guest.Name())
		fmt.Printf("    PCPU Pin = %d\n", vc.pcpu)
		fmt.Printf("    CPU Util = %d\n", vc.util)
	}
}

func (e *Engine) updateMetrics(migrations int) {
	if e.metrics == nil {
		return
	}
	e.metrics.Ticks.Inc()
	e.metrics.Migrations.Add(float64(migrations))
	e.metrics.SampleErrors.Add(float64(e.table.sampleErrors()))
	for i := range e.table.pcpus {
		e.metrics.PCPUUtil.WithLabelValues(fmt.Sprint(i)).Set(float64(e.table.pcpus[i].util))
	}
	for i := range e.table.vcpus {
		vc := &e.table.vcpus[i]
		e.metrics.VCPUUtil.WithLabelValues(vc.guest.Name()).Set(float64(vc.util))
	}
}

// Teardown releases every guest handle, then closes the session.
func (e *Engine) Teardown() {
	for _, g := range e.guests {
		e.conn.ReleaseGuest(g)
	}
	e.conn.Close()
}
