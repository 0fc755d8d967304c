package encoderd

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is a point-in-time snapshot of worker host health, logged
// periodically so operators can correlate transcode behaviour with load.
type HostStats struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskTotal     uint64  `json:"disk_total_bytes"`
	DiskUsed      uint64  `json:"disk_used_bytes"`
	DiskFree      uint64  `json:"disk_free_bytes"`
	DiskPercent   float64 `json:"disk_percent"`
}

// StatsCollector samples host metrics. workDir selects the filesystem whose
// usage is reported, typically the transcode scratch directory.
type StatsCollector struct {
	hostname string
	workDir  string
}

// NewStatsCollector creates a collector. An empty workDir falls back to the
// process working directory.
func NewStatsCollector(workDir string) *StatsCollector {
	hostname, _ := os.Hostname()
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	return &StatsCollector{
		hostname: hostname,
		workDir:  workDir,
	}
}

// Collect gathers current host statistics. Each probe is best-effort; a
// failing probe leaves its fields zero rather than failing the snapshot.
func (c *StatsCollector) Collect(ctx context.Context) *HostStats {
	stats := &HostStats{
		Hostname: c.hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = counts
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
		stats.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, c.workDir); err == nil {
		stats.DiskTotal = usage.Total
		stats.DiskUsed = usage.Used
		stats.DiskFree = usage.Free
		stats.DiskPercent = usage.UsedPercent
	}

	return stats
}
