// Package hypervisor defines the host-interface capability consumed by the
// tuning daemons, and its libvirt implementation.
package hypervisor

// Guest is an opaque handle to a running guest.
type Guest interface {
	// Name returns the guest's display name for traces and logs.
	Name() string
}

// VCPUInfo describes the current placement and cumulative run time of a
// guest's vCPU. CPUTimeNs is monotonically non-decreasing.
type VCPUInfo struct {
	PCPU      int
	CPUTimeNs uint64
}

// MemStats carries the balloon-driver values the memory coordinator acts
// on, in KiB. BalloonKiB is zero when the balloon stat was absent from the
// guest's report.
type MemStats struct {
	BalloonKiB uint64
	UnusedKiB  uint64
}

// Conn is a read/write session with the hypervisor. All operations are
// synchronous and may block on IPC with the hypervisor; every failure is
// wrapped around one of the domain status errors.
//
// Each daemon owns its own Conn; implementations need not be safe for
// concurrent use.
type Conn interface {
	// ListActiveGuests returns handles for the guests currently running,
	// in a stable order. Returns domain.ErrNoGuests when none are active.
	ListActiveGuests() ([]Guest, error)

	// HostFreeKiB returns the host node's free memory.
	HostFreeKiB() (uint64, error)

	// HostTotalKiB returns the host node's total physical memory.
	HostTotalKiB() (uint64, error)

	// NumPCPUs returns the count of physical CPUs on the host.
	NumPCPUs() (int, error)

	// PCPUIdleNs returns the monotonic idle-time counter of pCPU cpu.
	PCPUIdleNs(cpu int) (uint64, error)

	// GuestVCPUInfo returns placement and run time for the guest's vCPU 0.
	GuestVCPUInfo(g Guest) (VCPUInfo, error)

	// GuestPinVCPU sets the affinity of the guest's vCPU vcpu to the pCPUs
	// marked true in cpumap.
	GuestPinVCPU(g Guest, vcpu int, cpumap []bool) error

	// GuestSetMemStatsPeriod asks the guest balloon driver to publish
	// stats every seconds seconds.
	GuestSetMemStatsPeriod(g Guest, seconds int) error

	// GuestMemStats fetches the guest's current balloon stats.
	GuestMemStats(g Guest) (MemStats, error)

	// GuestMaxMemKiB returns the guest's configured maximum memory.
	GuestMaxMemKiB(g Guest) (uint64, error)

	// GuestSetMemoryKiB requests a new current memory size for the guest.
	GuestSetMemoryKiB(g Guest, kib uint64) error

	// ReleaseGuest frees the guest handle. Infallible.
	ReleaseGuest(g Guest)

	// Close ends the session. Infallible.
	Close()
}
