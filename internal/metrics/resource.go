package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a point-in-time view of a child's resource usage
type ResourceSample struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSSBytes uint64    `json:"memory_rss_bytes"`
	MemoryVMSBytes uint64    `json:"memory_vms_bytes"`
	Threads        int32     `json:"threads"`
	Username       string    `json:"username"`
}

// CollectProcessMetrics samples resource usage of pid
func CollectProcessMetrics(ctx context.Context, pid int) (*ResourceSample, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}

	sample := &ResourceSample{Timestamp: time.Now()}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		sample.CPUPercent = cpu
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		sample.MemoryRSSBytes = memInfo.RSS
		sample.MemoryVMSBytes = memInfo.VMS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		sample.Threads = threads
	}
	if name, err := proc.UsernameWithContext(ctx); err == nil {
		sample.Username = name
	}

	return sample, nil
}

// EffectiveUser returns the user name pid runs as
func EffectiveUser(ctx context.Context, pid int) (string, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return proc.UsernameWithContext(ctx)
}

// UpdatePrometheusMetrics updates the resource gauges of server
func UpdatePrometheusMetrics(server string, sample *ResourceSample) {
	ServerCPUPercent.WithLabelValues(server).Set(sample.CPUPercent)
	ServerMemoryBytes.WithLabelValues(server, "rss").Set(float64(sample.MemoryRSSBytes))
	ServerMemoryBytes.WithLabelValues(server, "vms").Set(float64(sample.MemoryVMSBytes))
	ServerThreads.WithLabelValues(server).Set(float64(sample.Threads))
}
