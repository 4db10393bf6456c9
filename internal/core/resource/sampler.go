package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/roea-ai/reel/pkg/types"
)

const mb = 1024 * 1024

// Sampler reads host and process resource usage.
type Sampler interface {
	Host(ctx context.Context) (types.HostUsage, error)
	Process(ctx context.Context, pid int) (types.ProcessUsage, error)
}

// HostSampler samples the local machine with gopsutil.
type HostSampler struct {
	diskPath string

	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewHostSampler creates a sampler measuring disk usage at diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{
		diskPath: diskPath,
		procs:    make(map[int]*process.Process),
	}
}

// Host samples CPU, memory, disk and network counters.
// CPU percent is measured since the previous call.
func (s *HostSampler) Host(ctx context.Context) (types.HostUsage, error) {
	var usage types.HostUsage

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return usage, fmt.Errorf("failed to count cpus: %w", err)
	}
	usage.CPUCores = float64(cores)

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return usage, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return usage, fmt.Errorf("failed to read memory usage: %w", err)
	}
	usage.MemoryUsedMB = float64(vm.Used) / mb
	usage.MemoryTotalMB = float64(vm.Total) / mb

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return usage, fmt.Errorf("failed to read disk usage: %w", err)
	}
	usage.DiskUsedMB = float64(du.Used) / mb
	usage.DiskTotalMB = float64(du.Total) / mb

	// Network counters are informational only
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		usage.NetBytesSent = counters[0].BytesSent
		usage.NetBytesRecv = counters[0].BytesRecv
	}

	return usage, nil
}

// Process samples one OS process. Handles are cached so CPU percent is
// measured between consecutive calls.
func (s *HostSampler) Process(ctx context.Context, pid int) (types.ProcessUsage, error) {
	var usage types.ProcessUsage

	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			s.mu.Unlock()
			return usage, fmt.Errorf("failed to open process %d: %w", pid, err)
		}
		s.procs[pid] = p
	}
	s.mu.Unlock()

	cpuPercent, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		s.forget(pid)
		return usage, fmt.Errorf("failed to read cpu of process %d: %w", pid, err)
	}
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		s.forget(pid)
		return usage, fmt.Errorf("failed to read memory of process %d: %w", pid, err)
	}

	usage.CPUPercent = cpuPercent
	usage.MemoryMB = float64(memInfo.RSS) / mb
	return usage, nil
}

func (s *HostSampler) forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}
