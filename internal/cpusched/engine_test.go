// Package cpusched tests drive the scheduler against a deterministic fake
// hypervisor connection.
package cpusched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/virttuned/internal/config"
	"github.com/limiquantix/virttuned/internal/domain"
	"github.com/limiquantix/virttuned/internal/hypervisor"
)

type fakeGuest struct {
	name string
}

func (g *fakeGuest) Name() string { return g.name }

type pinCall struct {
	guest string
	pcpu  int
}

// fakeConn is a deterministic in-memory implementation of hypervisor.Conn.
type fakeConn struct {
	guests    []hypervisor.Guest
	numPCPUs  int
	idleNs    []uint64
	cpuTimeNs []uint64

	pins    []pinCall
	pinErr  error
	idleErr error
	infoErr error

	released int
	closed   bool
}

func newFakeConn(numGuests, numPCPUs int) *fakeConn {
	c := &fakeConn{
		numPCPUs:  numPCPUs,
		idleNs:    make([]uint64, numPCPUs),
		cpuTimeNs: make([]uint64, numGuests),
	}
	for i := 0; i < numGuests; i++ {
		c.guests = append(c.guests, &fakeGuest{name: fmt.Sprintf("vm%d", i)})
	}
	return c
}

func (c *fakeConn) ListActiveGuests() ([]hypervisor.Guest, error) {
	if len(c.guests) == 0 {
		return nil, domain.ErrNoGuests
	}
	return c.guests, nil
}

func (c *fakeConn) HostFreeKiB() (uint64, error)  { return 0, nil }
func (c *fakeConn) HostTotalKiB() (uint64, error) { return 0, nil }

func (c *fakeConn) NumPCPUs() (int, error) { return c.numPCPUs, nil }

func (c *fakeConn) PCPUIdleNs(cpu int) (uint64, error) {
	if c.idleErr != nil {
		return 0, c.idleErr
	}
	return c.idleNs[cpu], nil
}

func (c *fakeConn) GuestVCPUInfo(g hypervisor.Guest) (hypervisor.VCPUInfo, error) {
	if c.infoErr != nil {
		return hypervisor.VCPUInfo{}, c.infoErr
	}
	i := c.guestIndex(g)
	return hypervisor.VCPUInfo{PCPU: 0, CPUTimeNs: c.cpuTimeNs[i]}, nil
}

func (c *fakeConn) GuestPinVCPU(g hypervisor.Guest, vcpu int, cpumap []bool) error {
	if c.pinErr != nil {
		return c.pinErr
	}
	pcpu := -1
	for i, set := range cpumap {
		if set {
			pcpu = i
			break
		}
	}
	c.pins = append(c.pins, pinCall{guest: g.Name(), pcpu: pcpu})
	return nil
}

func (c *fakeConn) GuestSetMemStatsPeriod(hypervisor.Guest, int) error { return nil }
func (c *fakeConn) GuestMemStats(hypervisor.Guest) (hypervisor.MemStats, error) {
	return hypervisor.MemStats{}, nil
}
func (c *fakeConn) GuestMaxMemKiB(hypervisor.Guest) (uint64, error) { return 0, nil }
func (c *fakeConn) GuestSetMemoryKiB(hypervisor.Guest, uint64) error {
	return nil
}
func (c *fakeConn) ReleaseGuest(hypervisor.Guest) { c.released++ }
func (c *fakeConn) Close()                        { c.closed = true }

func (c *fakeConn) guestIndex(g hypervisor.Guest) int {
	for i, cand := range c.guests {
		if cand == g {
			return i
		}
	}
	return -1
}

func testConfig() *config.Config {
	return &config.Config{
		CPU: config.CPUConfig{HighThreshold: 90, LowThreshold: 70, TargetUtil: 80},
	}
}

func newTestEngine(t *testing.T, conn *fakeConn) *Engine {
	t.Helper()
	e, err := New(conn, testConfig(), time.Second, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

// advance sets the counter deltas the next tick will observe. pcpuUtil and
// vcpuUtil are the utilization percentages the deltas should produce over a
// one-second cycle.
func (c *fakeConn) advance(pcpuUtil, vcpuUtil []int) {
	const cycleNs = 1_000_000_000
	for i, util := range pcpuUtil {
		c.idleNs[i] += uint64(100-util) * cycleNs / 100
	}
	for i, util := range vcpuUtil {
		c.cpuTimeNs[i] += uint64(util) * cycleNs / 100
	}
}

// checkRings verifies ring lengths agree with the pin counts and that every
// vCPU is pinned exactly once.
func checkRings(t *testing.T, e *Engine) {
	t.Helper()
	total := 0
	for i := range e.table.pcpus {
		pc := &e.table.pcpus[i]
		if got := e.table.ringLen(i); got != pc.numPinned {
			t.Errorf("pcpu %d ring length %d != numPinned %d", i, got, pc.numPinned)
		}
		if (pc.head == -1) != (pc.numPinned == 0) {
			t.Errorf("pcpu %d head/numPinned disagree: head=%d numPinned=%d", i, pc.head, pc.numPinned)
		}
		total += pc.numPinned
	}
	if total != len(e.table.vcpus) {
		t.Errorf("total pinned %d != guest count %d", total, len(e.table.vcpus))
	}
	for i := range e.table.vcpus {
		if e.table.vcpus[i].pcpu == -1 {
			t.Errorf("vcpu %d unpinned", i)
		}
	}
}

// ringOrder walks pCPU p's ring from its head and returns vCPU indices in
// insertion order.
func ringOrder(e *Engine, p int) []int {
	head := e.table.pcpus[p].head
	if head == -1 {
		return nil
	}
	var order []int
	for v := head; ; {
		order = append(order, v)
		v = e.table.vcpus[v].next
		if v == head {
			break
		}
	}
	return order
}

func TestInitBalancedPlacement(t *testing.T) {
	conn := newFakeConn(4, 4)
	e := newTestEngine(t, conn)

	for i := range e.table.vcpus {
		if got := e.table.vcpus[i].pcpu; got != i {
			t.Errorf("vcpu %d pinned to %d, want %d", i, got, i)
		}
	}
	for i := range e.table.pcpus {
		if got := e.table.ringLen(i); got != 1 {
			t.Errorf("pcpu %d ring length %d, want 1", i, got)
		}
	}
	if len(conn.pins) != 4 {
		t.Errorf("init issued %d pin commands, want 4", len(conn.pins))
	}
	checkRings(t, e)
}

func TestInitModuloPlacement(t *testing.T) {
	conn := newFakeConn(4, 2)
	e := newTestEngine(t, conn)

	want := []int{0, 1, 0, 1}
	for i, w := range want {
		if got := e.table.vcpus[i].pcpu; got != w {
			t.Errorf("vcpu %d pinned to %d, want %d", i, got, w)
		}
	}
	if got := ringOrder(e, 0); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("pcpu 0 ring = %v, want [0 2]", got)
	}
	checkRings(t, e)
}

func TestInitTooManyGuests(t *testing.T) {
	conn := newFakeConn(33, 4)
	_, err := New(conn, testConfig(), time.Second, zap.NewNop(), nil)
	if !errors.Is(err, domain.ErrTableAlloc) {
		t.Fatalf("New() error = %v, want ErrTableAlloc", err)
	}
}

func TestOverloadedPCPUMigratesBestFit(t *testing.T) {
	conn := newFakeConn(4, 2)
	e := newTestEngine(t, conn)
	initPins := len(conn.pins)

	// pCPU 0 hot at 95 with guests 0 and 2 (40% each); pCPU 1 cold at 30.
	conn.advance([]int{95, 30}, []int{40, 20, 40, 10})
	if err := e.tick(); err != nil {
		t.Fatalf("tick() error: %v", err)
	}

	migrated := conn.pins[initPins:]
	if len(migrated) != 1 {
		t.Fatalf("tick issued %d migrations, want 1: %v", len(migrated), migrated)
	}
	// Both candidates project to 70 (|80-70| = 10); the tie breaks to the
	// first found, guest 0.
	if migrated[0].guest != "vm0" || migrated[0].pcpu != 1 {
		t.Errorf("migrated %+v, want vm0 to pcpu 1", migrated[0])
	}
	if got := ringOrder(e, 1); len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 0 {
		t.Errorf("pcpu 1 ring = %v, want [1 3 0]", got)
	}
	checkRings(t, e)
}

func TestStableStateNoMigration(t *testing.T) {
	conn := newFakeConn(4, 2)
	e := newTestEngine(t, conn)
	initPins := len(conn.pins)
	before := [][]int{ringOrder(e, 0), ringOrder(e, 1)}

	conn.advance([]int{80, 80}, []int{40, 40, 40, 40})
	if err := e.tick(); err != nil {
		t.Fatalf("tick() error: %v", err)
	}

	if len(conn.pins) != initPins {
		t.Errorf("stable state issued %d migrations, want 0", len(conn.pins)-initPins)
	}
	if !e.highMask.IsZero() || !e.lowMask.IsZero() {
		t.Errorf("masks = %b/%b, want 0/0", e.highMask, e.lowMask)
	}
	after := [][]int{ringOrder(e, 0), ringOrder(e, 1)}
	for p := range before {
		if len(before[p]) != len(after[p]) {
			t.Errorf("pcpu %d ring changed: %v -> %v", p, before[p], after[p])
		}
	}
}

func TestNoAdmissibleCandidateNoMigration(t *testing.T) {
	conn := newFakeConn(4, 2)
	e := newTestEngine(t, conn)
	initPins := len(conn.pins)

	// Every candidate projects past the high threshold: 65 + 40 = 105.
	conn.advance([]int{95, 65}, []int{40, 40, 40, 40})
	if err := e.tick(); err != nil {
		t.Fatalf("tick() error: %v", err)
	}

	if len(conn.pins) != initPins {
		t.Errorf("issued %d migrations with no admissible candidate, want 0", len(conn.pins)-initPins)
	}
}

func TestClassifierMasksDisjointAndGuarded(t *testing.T) {
	conn := newFakeConn(3, 3)
	e := newTestEngine(t, conn)

	// Move guest 0's vCPU onto pCPU 1 so pCPU 1 holds two vCPUs and
	// pCPU 0 holds none. pCPU 0 then reads 95% busy with nothing to
	// migrate away, pCPU 1 is genuinely hot, pCPU 2 is cold.
	if err := e.table.pin(0, 1); err != nil {
		t.Fatalf("pin: %v", err)
	}
	conn.advance([]int{95, 95, 30}, []int{40, 40, 10})
	if err := e.table.samplePCPUs(1_000_000_000); err != nil {
		t.Fatal(err)
	}
	high, low := e.table.classify(e.cfg)

	if high&low != 0 {
		t.Errorf("high %b and low %b masks overlap", high, low)
	}
	if high.Has(0) {
		t.Error("pcpu 0 marked hot with no pinned vcpu")
	}
	if !high.Has(1) {
		t.Error("pcpu 1 should be hot")
	}
	if !low.Has(2) {
		t.Error("pcpu 2 should be cold")
	}
}

func TestCounterRegressionSkipsClassification(t *testing.T) {
	conn := newFakeConn(2, 2)
	e := newTestEngine(t, conn)

	conn.advance([]int{50, 50}, []int{50, 50})
	if err := e.tick(); err != nil {
		t.Fatalf("tick() error: %v", err)
	}

	// Regress pCPU 0's idle counter; its previous 50% stays cached but it
	// must not be classified this tick.
	conn.idleNs[0] -= 10
	conn.idleNs[1] += 1_000_000_000 // fully idle: 0% util, cold
	conn.cpuTimeNs[0] += 100_000_000
	conn.cpuTimeNs[1] += 100_000_000

	if err := e.tick(); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if !e.table.pcpus[0].skipped {
		t.Error("pcpu 0 should be marked skipped after counter regression")
	}
	if e.highMask.Has(0) || e.lowMask.Has(0) {
		t.Error("skipped pcpu 0 must stay unclassified")
	}
	if !e.lowMask.Has(1) {
		t.Error("pcpu 1 should be cold")
	}
}

func TestUtilizationClamped(t *testing.T) {
	conn := newFakeConn(1, 1)
	e := newTestEngine(t, conn)

	// Idle delta larger than the cycle: utilization clamps to 0. Run-time
	// delta larger than the cycle: clamps to 100.
	conn.idleNs[0] += 2_000_000_000
	conn.cpuTimeNs[0] += 2_000_000_000

	if err := e.table.samplePCPUs(1_000_000_000); err != nil {
		t.Fatal(err)
	}
	if err := e.table.sampleVCPUs(1_000_000_000); err != nil {
		t.Fatal(err)
	}
	if got := e.table.pcpus[0].util; got != 0 {
		t.Errorf("pcpu util = %d, want 0", got)
	}
	if got := e.table.vcpus[0].util; got != 100 {
		t.Errorf("vcpu util = %d, want 100", got)
	}
}

func TestPinFailureLeavesStructuresUntouched(t *testing.T) {
	conn := newFakeConn(4, 2)
	e := newTestEngine(t, conn)

	conn.advance([]int{95, 30}, []int{40, 20, 40, 10})
	conn.pinErr = errors.New("pin refused")

	err := e.tick()
	if err == nil {
		t.Fatal("tick() should propagate the pin failure")
	}
	// Guest 0 must still be on pCPU 0 with both rings intact.
	if got := e.table.vcpus[0].pcpu; got != 0 {
		t.Errorf("vcpu 0 moved to %d after failed pin", got)
	}
	checkRings(t, e)
}

func TestSampleFailureIsFatal(t *testing.T) {
	conn := newFakeConn(2, 2)
	e := newTestEngine(t, conn)

	conn.idleErr = fmt.Errorf("stats: %w", domain.ErrHostStats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.interval = 10 * time.Millisecond
	err := e.Start(ctx)
	if !errors.Is(err, domain.ErrHostStats) {
		t.Fatalf("Start() error = %v, want ErrHostStats", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	conn := newFakeConn(1, 1)
	e := newTestEngine(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() after cancel = %v, want nil", err)
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	conn := newFakeConn(3, 2)
	e := newTestEngine(t, conn)

	e.Teardown()
	if conn.released != 3 {
		t.Errorf("released %d guest handles, want 3", conn.released)
	}
	if !conn.closed {
		t.Error("session not closed")
	}
}
