package memcoord

import "go.uber.org/zap"

// adjust runs the excess pass and then the hungry pass. Reclaiming from
// over-endowed guests first makes that memory available to hungry guests
// within the same tick. All arithmetic is integer KiB with truncation.
func (e *Engine) adjust() (adjustments int, fairReclaim bool, err error) {
	// Excess pass: shrink each over-endowed guest back to its target
	// available percentage.
	for !e.highMask.IsZero() {
		g := e.highMask.LowestSet()
		r := &e.recs[g]

		adj := r.memTotal * uint64(r.percentAvail-e.cfg.GuestTargetPercent) / 100
		r.memTotal -= adj

		if err := e.conn.GuestSetMemoryKiB(r.guest, r.memTotal); err != nil {
			return adjustments, false, err
		}
		adjustments++
		e.highMask.Clear(g)
	}

	// Hungry pass: grow under-provisioned guests while the host stays
	// healthy. Host free memory is re-read each iteration; the excess pass
	// and earlier grants have perturbed it.
	for !e.lowMask.IsZero() {
		free, err := e.conn.HostFreeKiB()
		if err != nil {
			return adjustments, fairReclaim, err
		}
		e.hostFreeKiB = free

		g := e.lowMask.LowestSet()
		r := &e.recs[g]

		adj := r.memTotal * uint64(e.cfg.GuestTargetPercent-r.percentAvail) / 100
		// Signed: the wanted adjustment can exceed current free memory.
		hostFreeAfter := (int64(e.hostFreeKiB) - int64(adj)) * 100 / int64(e.hostTotalKiB)

		switch {
		case hostFreeAfter > int64(e.cfg.HostLowPercent):
			r.memTotal += adj
			if r.memTotal > r.memMax {
				r.memTotal = r.memMax
			}
			if err := e.conn.GuestSetMemoryKiB(r.guest, r.memTotal); err != nil {
				return adjustments, fairReclaim, err
			}
			adjustments++
			e.lowMask.Clear(g)

		case e.hostFreeKiB < e.hostTgtKiB:
			// Host itself is short of memory: every guest surrenders a
			// share of the shortfall proportional to its slice of host
			// memory, and the remaining hungry updates are skipped this
			// tick.
			e.fairReclaim()
			fairReclaim = true
			e.lowMask = 0

		default:
			// No headroom to grant, but the host is not critical.
			e.lowMask.Clear(g)
		}
	}
	return adjustments, fairReclaim, nil
}

// fairReclaim shrinks every guest proportionally to recover the host's
// shortfall against its free-memory target. Per-guest errors are ignored:
// one refusing guest must not block host-wide reclaim.
func (e *Engine) fairReclaim() {
	shortfall := e.hostTgtKiB - e.hostFreeKiB

	for i := range e.recs {
		r := &e.recs[i]
		share := (100 * r.memTotal) / e.hostTotalKiB
		r.memTotal -= shortfall * share / 100

		if err := e.conn.GuestSetMemoryKiB(r.guest, r.memTotal); err != nil {
			e.logger.Warn("Guest refused reclaim",
				zap.String("guest", r.guest.Name()),
				zap.Error(err),
			)
		}
	}
}
