package hypervisor

import (
	"fmt"

	"go.uber.org/zap"
	"libvirt.org/go/libvirt"

	"github.com/limiquantix/virttuned/internal/domain"
)

// SystemURI is the local hypervisor system session both daemons attach to.
const SystemURI = "qemu:///system"

// libvirtGuest wraps a libvirt domain handle. The name is resolved once at
// list time so traces never need a round trip.
type libvirtGuest struct {
	dom  libvirt.Domain
	name string
}

func (g *libvirtGuest) Name() string {
	return g.name
}

// libvirtConn implements Conn on top of libvirt.org/go/libvirt.
type libvirtConn struct {
	conn   *libvirt.Connect
	logger *zap.Logger
}

// Connect opens a read/write session with the hypervisor at uri.
func Connect(uri string, logger *zap.Logger) (Conn, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %v: %w", uri, err, domain.ErrConnFailed)
	}
	return &libvirtConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "hypervisor")),
	}, nil
}

func (c *libvirtConn) ListActiveGuests() ([]Guest, error) {
	doms, err := c.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %v: %w", err, domain.ErrGuestList)
	}
	if len(doms) == 0 {
		return nil, domain.ErrNoGuests
	}

	guests := make([]Guest, len(doms))
	for i := range doms {
		name, err := doms[i].GetName()
		if err != nil {
			return nil, fmt.Errorf("domain name: %v: %w", err, domain.ErrGuestList)
		}
		guests[i] = &libvirtGuest{dom: doms[i], name: name}
	}
	return guests, nil
}

func (c *libvirtConn) HostFreeKiB() (uint64, error) {
	freeBytes, err := c.conn.GetFreeMemory()
	if err != nil || freeBytes == 0 {
		return 0, fmt.Errorf("node free memory: %v: %w", err, domain.ErrHostStats)
	}
	return freeBytes / 1024, nil
}

func (c *libvirtConn) HostTotalKiB() (uint64, error) {
	info, err := c.conn.GetNodeInfo()
	if err != nil {
		return 0, fmt.Errorf("node info: %v: %w", err, domain.ErrHostStats)
	}
	return info.Memory, nil
}

func (c *libvirtConn) NumPCPUs() (int, error) {
	info, err := c.conn.GetNodeInfo()
	if err != nil {
		return 0, fmt.Errorf("node info: %v: %w", err, domain.ErrHostStats)
	}
	return int(info.Cpus), nil
}

func (c *libvirtConn) PCPUIdleNs(cpu int) (uint64, error) {
	stats, err := c.conn.GetCPUStats(cpu, 0)
	if err != nil {
		return 0, fmt.Errorf("pcpu %d stats: %v: %w", cpu, err, domain.ErrHostStats)
	}
	if !stats.IdleSet {
		return 0, fmt.Errorf("pcpu %d stats missing idle field: %w", cpu, domain.ErrHostStats)
	}
	return stats.Idle, nil
}

func (c *libvirtConn) GuestVCPUInfo(g Guest) (VCPUInfo, error) {
	lg := g.(*libvirtGuest)
	vcpus, err := lg.dom.GetVcpus()
	if err != nil || len(vcpus) == 0 {
		return VCPUInfo{}, fmt.Errorf("guest %s vcpu info: %v: %w", lg.name, err, domain.ErrGuestStats)
	}
	return VCPUInfo{
		PCPU:      int(vcpus[0].Cpu),
		CPUTimeNs: vcpus[0].CpuTime,
	}, nil
}

func (c *libvirtConn) GuestPinVCPU(g Guest, vcpu int, cpumap []bool) error {
	lg := g.(*libvirtGuest)
	if err := lg.dom.PinVcpu(uint(vcpu), cpumap); err != nil {
		return fmt.Errorf("pin guest %s vcpu %d: %v: %w", lg.name, vcpu, err, domain.ErrGuestStats)
	}
	return nil
}

func (c *libvirtConn) GuestSetMemStatsPeriod(g Guest, seconds int) error {
	lg := g.(*libvirtGuest)
	if err := lg.dom.SetMemoryStatsPeriod(seconds, libvirt.DOMAIN_MEM_LIVE); err != nil {
		return fmt.Errorf("guest %s stats period: %v: %w", lg.name, err, domain.ErrGuestStats)
	}
	return nil
}

func (c *libvirtConn) GuestMemStats(g Guest) (MemStats, error) {
	lg := g.(*libvirtGuest)
	stats, err := lg.dom.MemoryStats(uint32(libvirt.DOMAIN_MEMORY_STAT_NR), 0)
	if err != nil || len(stats) == 0 {
		return MemStats{}, fmt.Errorf("guest %s memory stats: %v: %w", lg.name, err, domain.ErrGuestStats)
	}

	// Match by tag; the order libvirt reports stats in is unspecified.
	var ms MemStats
	for _, s := range stats {
		switch s.Tag {
		case int32(libvirt.DOMAIN_MEMORY_STAT_ACTUAL_BALLOON):
			ms.BalloonKiB = s.Val
		case int32(libvirt.DOMAIN_MEMORY_STAT_UNUSED):
			ms.UnusedKiB = s.Val
		}
	}
	return ms, nil
}

func (c *libvirtConn) GuestMaxMemKiB(g Guest) (uint64, error) {
	lg := g.(*libvirtGuest)
	max, err := lg.dom.GetMaxMemory()
	if err != nil || max == 0 {
		return 0, fmt.Errorf("guest %s max memory: %v: %w", lg.name, err, domain.ErrGuestStats)
	}
	return max, nil
}

func (c *libvirtConn) GuestSetMemoryKiB(g Guest, kib uint64) error {
	lg := g.(*libvirtGuest)
	if err := lg.dom.SetMemory(kib); err != nil {
		return fmt.Errorf("guest %s set memory %d KiB: %v: %w", lg.name, kib, err, domain.ErrGuestStats)
	}
	return nil
}

func (c *libvirtConn) ReleaseGuest(g Guest) {
	lg := g.(*libvirtGuest)
	if err := lg.dom.Free(); err != nil {
		c.logger.Warn("Failed to free domain handle",
			zap.String("guest", lg.name),
			zap.Error(err),
		)
	}
}

func (c *libvirtConn) Close() {
	if _, err := c.conn.Close(); err != nil {
		c.logger.Warn("Failed to close hypervisor connection", zap.Error(err))
	}
}
