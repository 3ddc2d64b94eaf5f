package cpusched

import (
	"fmt"

	"github.com/limiquantix/virttuned/internal/bitmask"
	"github.com/limiquantix/virttuned/internal/domain"
	"github.com/limiquantix/virttuned/internal/hypervisor"
)

// pcpuRec tracks one physical CPU. Pinned vCPUs form a circular ring
// threaded through the vcpuRec prev/next indices; head is -1 when no vCPU
// is pinned here.
type pcpuRec struct {
	id         int
	cpumap     []bool
	lastIdleNs uint64
	util       int
	skipped    bool
	numPinned  int
	head       int
}

// vcpuRec tracks the single vCPU of one guest. pcpu is the index of the
// pCPU it is pinned to, -1 before initial placement; prev/next are ring
// links within that pCPU's ring, -1 while unpinned.
type vcpuRec struct {
	guest      hypervisor.Guest
	lastTimeNs uint64
	util       int
	skipped    bool
	pcpu       int
	prev, next int
}

// pinTable owns the vCPU-to-pCPU ownership graph. pin is the only mutator.
type pinTable struct {
	conn  hypervisor.Conn
	pcpus []pcpuRec
	vcpus []vcpuRec
}

func newPinTable(conn hypervisor.Conn, guests []hypervisor.Guest, numPCPUs int) (*pinTable, error) {
	if numPCPUs <= 0 || numPCPUs > bitmask.Bits {
		return nil, fmt.Errorf("%d pcpus outside supported range [1,%d]: %w",
			numPCPUs, bitmask.Bits, domain.ErrTableAlloc)
	}
	if len(guests) > bitmask.Bits {
		return nil, fmt.Errorf("%d guests exceed supported maximum %d: %w",
			len(guests), bitmask.Bits, domain.ErrTableAlloc)
	}

	t := &pinTable{
		conn:  conn,
		pcpus: make([]pcpuRec, numPCPUs),
		vcpus: make([]vcpuRec, len(guests)),
	}
	for i := range t.pcpus {
		cpumap := make([]bool, numPCPUs)
		cpumap[i] = true
		t.pcpus[i] = pcpuRec{id: i, cpumap: cpumap, head: -1}
	}
	for i, g := range guests {
		t.vcpus[i] = vcpuRec{guest: g, pcpu: -1, prev: -1, next: -1}
	}
	return t, nil
}

// primeCounters seeds the idle and run-time counters so the first tick's
// deltas span exactly one cycle, and applies the initial balanced
// placement: guest i is pinned to pCPU i mod numPCPUs.
func (t *pinTable) primeCounters() error {
	for i := range t.pcpus {
		idle, err := t.conn.PCPUIdleNs(t.pcpus[i].id)
		if err != nil {
			return err
		}
		t.pcpus[i].lastIdleNs = idle
	}

	for i := range t.vcpus {
		if err := t.pin(i, i%len(t.pcpus)); err != nil {
			return err
		}
		info, err := t.conn.GuestVCPUInfo(t.vcpus[i].guest)
		if err != nil {
			return err
		}
		t.vcpus[i].lastTimeNs = info.CPUTimeNs
	}
	return nil
}

// pin issues the affinity change for vCPU v, then moves it from its current
// ring to the tail of pCPU p's ring. On command failure nothing changes.
func (t *pinTable) pin(v, p int) error {
	vc := &t.vcpus[v]
	pc := &t.pcpus[p]

	if err := t.conn.GuestPinVCPU(vc.guest, 0, pc.cpumap); err != nil {
		return err
	}

	t.unpin(v)
	vc.pcpu = p
	pc.numPinned++

	if pc.head == -1 {
		pc.head = v
		vc.prev = v
		vc.next = v
	} else {
		vc.prev = t.vcpus[pc.head].prev
		vc.next = pc.head
		t.vcpus[vc.prev].next = v
		t.vcpus[pc.head].prev = v
	}
	return nil
}

// unpin removes vCPU v from its current ring. No-op when unpinned.
func (t *pinTable) unpin(v int) {
	vc := &t.vcpus[v]
	if vc.pcpu == -1 {
		return
	}
	pc := &t.pcpus[vc.pcpu]
	pc.numPinned--

	if vc.prev == v {
		pc.head = -1
	} else {
		t.vcpus[vc.prev].next = vc.next
		t.vcpus[vc.next].prev = vc.prev
		if pc.head == v {
			pc.head = vc.next
		}
	}

	vc.prev = -1
	vc.next = -1
	vc.pcpu = -1
}

// ringLen walks pCPU p's ring; used by invariant checks in tests.
func (t *pinTable) ringLen(p int) int {
	head := t.pcpus[p].head
	if head == -1 {
		return 0
	}
	n := 0
	for v := head; ; {
		n++
		v = t.vcpus[v].next
		if v == head {
			break
		}
	}
	return n
}
