package worker

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
)

// MemoryPerWorker is the emulator memory footprint budgeted per test.
const MemoryPerWorker = 512 << 20

var (
	// ErrInsufficientResources is returned when the host cannot run even
	// one test.
	ErrInsufficientResources = errors.New("insufficient host resources for a single worker")
	// ErrHostIntrospection is returned when CPU or memory cannot be read.
	ErrHostIntrospection = errors.New("cannot inspect host resources")
)

// HostResources is what the sizing formula needs to know about the host.
type HostResources struct {
	CPUs            int
	AvailableMemory uint64 // bytes
}

// Probe reports the host's resources.
type Probe func() (HostResources, error)

// ProbeHost reads the logical CPU count and MemAvailable from /proc/meminfo.
func ProbeHost() (HostResources, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return HostResources{}, fmt.Errorf("%w: %w", ErrHostIntrospection, err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return HostResources{}, fmt.Errorf("%w: %w", ErrHostIntrospection, err)
	}
	if mi.MemAvailable == nil {
		return HostResources{}, fmt.Errorf("%w: MemAvailable missing from meminfo", ErrHostIntrospection)
	}
	return HostResources{
		CPUs:            runtime.NumCPU(),
		AvailableMemory: *mi.MemAvailable * 1024,
	}, nil
}

// MaxWorkers is min(cpus, floor(0.75 * available / MemoryPerWorker)).
func MaxWorkers(h HostResources) int {
	byMemory := int(h.AvailableMemory / 4 * 3 / MemoryPerWorker)
	return min(h.CPUs, byMemory)
}

// WorkerCount applies limit (when positive) on top of MaxWorkers.
func WorkerCount(h HostResources, limit int) (int, error) {
	n := MaxWorkers(h)
	if limit > 0 && limit < n {
		n = limit
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %d cpus, %d MiB available", ErrInsufficientResources, h.CPUs, h.AvailableMemory>>20)
	}
	return n, nil
}
