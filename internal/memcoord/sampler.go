package memcoord

// sample refreshes host free memory and every guest's balloon telemetry.
// Stats are matched by tag, never by position. A guest whose balloon size
// reads zero is excluded from this tick's classification.
func (e *Engine) sample() error {
	free, err := e.conn.HostFreeKiB()
	if err != nil {
		return err
	}
	e.hostFreeKiB = free

	for i := range e.recs {
		r := &e.recs[i]
		ms, err := e.conn.GuestMemStats(r.guest)
		if err != nil {
			return err
		}
		r.memTotal = ms.BalloonKiB
		r.memFree = ms.UnusedKiB
		r.sampled = r.memTotal > 0
		if !r.sampled {
			continue
		}

		// Stats are not collected atomically inside the guest, so free can
		// momentarily exceed the balloon size.
		pct := int(100 * r.memFree / r.memTotal)
		if pct > 100 {
			pct = 100
		}
		r.percentAvail = pct
	}
	return nil
}

// classify rebuilds the hungry/excess masks from scratch. A guest already
// at its memory ceiling is never hungry; there is nothing to grant it.
func (e *Engine) classify() {
	e.highMask = 0
	e.lowMask = 0

	for i := range e.recs {
		r := &e.recs[i]
		if !r.sampled {
			continue
		}
		if r.percentAvail < e.cfg.GuestLowPercent && r.memTotal < r.memMax {
			e.lowMask.Set(i)
		} else if r.percentAvail > e.cfg.GuestHighPercent {
			e.highMask.Set(i)
		}
	}
}
