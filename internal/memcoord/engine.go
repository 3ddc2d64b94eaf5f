// Package memcoord implements the memory coordinator: a periodic control
// loop that grows or shrinks each guest's balloon to match demand without
// starving the host.
package memcoord

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/virttuned/internal/bitmask"
	"github.com/limiquantix/virttuned/internal/config"
	"github.com/limiquantix/virttuned/internal/domain"
	"github.com/limiquantix/virttuned/internal/hypervisor"
	"github.com/limiquantix/virttuned/internal/metrics"
)

// guestMem tracks one guest's balloon telemetry. All sizes are KiB.
type guestMem struct {
	guest        hypervisor.Guest
	memTotal     uint64
	memFree      uint64
	memMax       uint64
	percentAvail int
	sampled      bool
}

// Engine drives the sample/classify/act cycle for memory coordination. All
// state is owned by the loop goroutine.
type Engine struct {
	cfg      config.MemoryConfig
	conn     hypervisor.Conn
	recs     []guestMem
	interval time.Duration
	trace    bool
	logger   *zap.Logger
	metrics  *metrics.MemMetrics

	hostTotalKiB uint64
	hostTgtKiB   uint64
	hostFreeKiB  uint64

	highMask bitmask.Mask32
	lowMask  bitmask.Mask32
}

// New enumerates guests, captures static host capacities, requests balloon
// stats from every guest at the configured period (1 s by default), and
// records each guest's configured memory ceiling.
func New(conn hypervisor.Conn, cfg *config.Config, interval time.Duration, logger *zap.Logger, m *metrics.MemMetrics) (*Engine, error) {
	guests, err := conn.ListActiveGuests()
	if err != nil {
		return nil, err
	}
	if len(guests) > bitmask.Bits {
		return nil, fmt.Errorf("%d guests exceed supported maximum %d: %w",
			len(guests), bitmask.Bits, domain.ErrTableAlloc)
	}

	hostFree, err := conn.HostFreeKiB()
	if err != nil {
		return nil, err
	}
	hostTotal, err := conn.HostTotalKiB()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg.Memory,
		conn:         conn,
		recs:         make([]guestMem, len(guests)),
		interval:     interval,
		trace:        cfg.Logging.DebugTrace,
		logger:       logger.With(zap.String("component", "memcoord")),
		metrics:      m,
		hostTotalKiB: hostTotal,
		hostTgtKiB:   uint64(cfg.Memory.HostTargetPercent) * hostTotal / 100,
		hostFreeKiB:  hostFree,
	}

	for i, g := range guests {
		if err := conn.GuestSetMemStatsPeriod(g, cfg.Memory.StatsPeriodSecs); err != nil {
			return nil, err
		}
		maxMem, err := conn.GuestMaxMemKiB(g)
		if err != nil {
			return nil, err
		}
		e.recs[i] = guestMem{guest: g, memMax: maxMem}
	}

	e.logger.Info("Memory coordinator initialized",
		zap.Int("guests", len(guests)),
		zap.Uint64("host_total_kib", hostTotal),
		zap.Uint64("host_target_kib", e.hostTgtKiB),
		zap.Duration("interval", interval),
	)
	return e, nil
}

// Start runs the control loop until ctx is cancelled or a tick fails.
// A tick error is fatal; the supervising process relaunches the daemon.
func (e *Engine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Memory coordinator stopped")
			return nil
		case <-ticker.C:
			if err := e.tick(); err != nil {
				e.logger.Error("Coordination cycle failed", zap.Error(err))
				return err
			}
		}
	}
}

// tick executes one sample/classify/act cycle.
func (e *Engine) tick() error {
	if err := e.sample(); err != nil {
		return err
	}
	e.classify()

	adjustments, fairReclaim, err := e.adjust()
	if err != nil {
		return err
	}
	if adjustments > 0 || fairReclaim {
		e.logger.Info("Adjusted guest memory",
			zap.Int("adjustments", adjustments),
			zap.Bool("fair_reclaim", fairReclaim),
			zap.Uint64("host_free_kib", e.hostFreeKiB),
		)
	}

	if e.trace {
		e.dumpStats()
	}
	e.updateMetrics(adjustments, fairReclaim)
	return nil
}

// dumpStats appends the per-tick debug block to standard output.
func (e *Engine) dumpStats() {
	fmt.Printf("\nMemory Stats\n")
	fmt.Printf("============\n")
	fmt.Printf("Host Free Memory = %d MBytes\n\n", e.hostFreeKiB/1024)

	for i := range e.recs {
		r := &e.recs[i]
		fmt.Printf("VM name          = %s\n", r.guest.Name())
		fmt.Printf("    Balloon Size = %d MBytes\n", r.memTotal/1024)
		fmt.Printf("    Avail Size   = %d MBytes\n", r.memFree/1024)
		fmt.Printf("    Percent Avail= %d\n\n", r.percentAvail)
	}
}

func (e *Engine) updateMetrics(adjustments int, fairReclaim bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.Ticks.Inc()
	e.metrics.Adjustments.Add(float64(adjustments))
	if fairReclaim {
		e.metrics.FairReclaims.Inc()
	}
	e.metrics.HostFreeKiB.Set(float64(e.hostFreeKiB))
	for i := range e.recs {
		r := &e.recs[i]
		e.metrics.BalloonKiB.WithLabelValues(r.guest.Name()).Set(float64(r.memTotal))
	}
}

// Teardown releases every guest handle, then closes the session.
func (e *Engine) Teardown() {
	for i := range e.recs {
		e.conn.ReleaseGuest(e.recs[i].guest)
	}
	e.conn.Close()
}
