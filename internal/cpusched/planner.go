package cpusched

import (
	"github.com/limiquantix/virttuned/internal/bitmask"
	"github.com/limiquantix/virttuned/internal/config"
)

// classify recomputes the hot/cold pCPU masks from scratch. A pCPU is hot
// only when it also has more than one vCPU pinned; migrating the sole vCPU
// off a pCPU gains nothing. pCPUs whose sample was skipped stay unmarked.
func (t *pinTable) classify(cfg config.CPUConfig) (high, low bitmask.Mask32) {
	for i := range t.pcpus {
		pc := &t.pcpus[i]
		if pc.skipped {
			continue
		}
		if pc.util > cfg.HighThreshold {
			if pc.numPinned > 1 {
				high.Set(i)
			}
		} else if pc.util < cfg.LowThreshold {
			low.Set(i)
		}
	}
	return high, low
}

// rebalance migrates at most one vCPU onto each cold pCPU, choosing the
// best-fit candidate across all hot pCPUs: the vCPU whose projected
// combined utilization lands closest to the target without itself crossing
// the high threshold. Ties break to the first candidate found, scanning hot
// pCPUs in ascending index order and each ring from its head.
//
// When every candidate would overshoot, nothing moves: the system is in a
// stable state. Each iteration consumes one cold pCPU and the hot mask only
// loses bits (the origin's, for each migration), so the loop always
// terminates.
func (t *pinTable) rebalance(high, low bitmask.Mask32, cfg config.CPUConfig) (int, error) {
	migrations := 0

	for !low.IsZero() && !high.IsZero() {
		l := low.LowestSet()

		work := high
		best := -1
		bestDelta := 100

		for !work.IsZero() {
			h := work.LowestSet()
			head := t.pcpus[h].head
			if head != -1 {
				for v := head; ; {
					proj := t.vcpus[v].util + t.pcpus[l].util
					delta := cfg.TargetUtil - proj
					if delta < 0 {
						delta = -delta
					}
					if delta < bestDelta && proj < cfg.HighThreshold {
						bestDelta = delta
						best = v
					}
					v = t.vcpus[v].next
					if v == head {
						break
					}
				}
			}
			work.Clear(h)
		}

		low.Clear(l)

		if best != -1 {
			high.Clear(t.vcpus[best].pcpu)
			if err := t.pin(best, l); err != nil {
				return migrations, err
			}
			migrations++
		}
	}
	return migrations, nil
}
