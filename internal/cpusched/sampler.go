package cpusched

// samplePCPUs converts per-pCPU idle-counter deltas over one cycle into
// utilization percentages. A counter regression marks the pCPU skipped for
// this tick's classification; the counter cache always takes the last read.
func (t *pinTable) samplePCPUs(cycleNs uint64) error {
	for i := range t.pcpus {
		pc := &t.pcpus[i]
		idle, err := t.conn.PCPUIdleNs(pc.id)
		if err != nil {
			return err
		}
		pc.skipped = idle < pc.lastIdleNs
		if !pc.skipped {
			pc.util = clampPercent(100 - int((idle-pc.lastIdleNs)*100/cycleNs))
		}
		pc.lastIdleNs = idle
	}
	return nil
}

// sampleVCPUs converts per-vCPU run-time deltas into utilization
// percentages, with the same regression handling as samplePCPUs.
func (t *pinTable) sampleVCPUs(cycleNs uint64) error {
	for i := range t.vcpus {
		vc := &t.vcpus[i]
		info, err := t.conn.GuestVCPUInfo(vc.guest)
		if err != nil {
			return err
		}
		vc.skipped = info.CPUTimeNs < vc.lastTimeNs
		if !vc.skipped {
			vc.util = clampPercent(int((info.CPUTimeNs - vc.lastTimeNs) * 100 / cycleNs))
		}
		vc.lastTimeNs = info.CPUTimeNs
	}
	return nil
}

// sampleErrors counts the entities whose counters regressed this tick.
func (t *pinTable) sampleErrors() int {
	n := 0
	for i := range t.pcpus {
		if t.pcpus[i].skipped {
			n++
		}
	}
	for i := range t.vcpus {
		if t.vcpus[i].skipped {
			n++
		}
	}
	return n
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
