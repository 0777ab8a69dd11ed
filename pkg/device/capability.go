package device

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Process-wide capability queries. All of these are pure read-only probes
// with no mutable global state and are safe to call at any time from any
// thread.

// OptimalTransferWorkers returns a worker count suited to CPU-side transfer
// staging on this host: half the logical cores, clamped to [1, 8].
func OptimalTransferWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	n /= 2
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// HostMemoryHeadroomMB returns the host memory currently available for
// allocation, in megabytes. Returns 0 when the probe fails; callers treat
// that as "unknown", not "none".
func HostMemoryHeadroomMB() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return 0
	}
	return vm.Available >> 20
}

// UnifiedMemory reports whether the host and device share one physical
// memory pool, in which case transfer staging copies are cheap.
func UnifiedMemory() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}
