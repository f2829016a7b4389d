package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type HostSample struct {
	CapturedAt        time.Time `json:"capturedAt"`
	ProcessRSSBytes   int64     `json:"processRssBytes"`
	SystemMemoryTotal int64     `json:"systemMemoryTotalBytes"`
	SystemMemoryUsed  int64     `json:"systemMemoryUsedBytes"`
	DiskTotalBytes    int64     `json:"diskTotalBytes"`
	DiskUsedBytes     int64     `json:"diskUsedBytes"`
	ProcessCpuLoad    float64   `json:"processCpuLoad"`
	SystemCpuLoad     float64   `json:"systemCpuLoad"`
}

func (s HostSample) MemoryUsedPct() float64 {
	if s.SystemMemoryTotal <= 0 {
		return 0
	}
	return float64(s.SystemMemoryUsed) / float64(s.SystemMemoryTotal) * 100
}

func (s HostSample) DiskUsedPct() float64 {
	if s.DiskTotalBytes <= 0 {
		return 0
	}
	return float64(s.DiskUsedBytes) / float64(s.DiskTotalBytes) * 100
}

// CaptureHostSample reads memory, disk and cpu usage for the host and this
// process. Disk usage falls back to "/" when diskPath does not exist yet.
func CaptureHostSample(ctx context.Context, diskPath string) (HostSample, error) {
	sample := HostSample{CapturedAt: time.Now().UTC()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("memory stats: %w", err)
	}
	sample.SystemMemoryTotal = int64(vm.Total)
	sample.SystemMemoryUsed = int64(vm.Total - vm.Available)

	usage, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		if usage, err = disk.UsageWithContext(ctx, "/"); err != nil {
			return HostSample{}, fmt.Errorf("disk stats: %w", err)
		}
	}
	sample.DiskTotalBytes = int64(usage.Total)
	sample.DiskUsedBytes = int64(usage.Used)

	if loads, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(loads) > 0 {
		sample.SystemCpuLoad = loads[0] / 100
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			sample.ProcessRSSBytes = int64(info.RSS)
		}
		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			sample.ProcessCpuLoad = pct / 100
		}
	}
	return sample, nil
}

// HealthProbe samples the host and raises pressure alerts above thresholds.
type HealthProbe struct {
	DiskPath        string
	DiskThreshold   float64
	MemoryThreshold float64
	Alerts          *AlertRecorder
	Ping            func(ctx context.Context) error
	Sample          func(ctx context.Context, diskPath string) (HostSample, error)

	mu     sync.RWMutex
	latest *HostSample
}

type HealthReport struct {
	Database string      `json:"database"`
	Host     *HostSample `json:"host,omitempty"`
}

func (p *HealthProbe) Check(ctx context.Context) (HostSample, error) {
	sample := p.Sample
	if sample == nil {
		sample = CaptureHostSample
	}
	s, err := sample(ctx, p.DiskPath)
	if err != nil {
		return HostSample{}, err
	}
	p.mu.Lock()
	p.latest = &s
	p.mu.Unlock()

	if p.DiskThreshold > 0 && s.DiskUsedPct() >= p.DiskThreshold {
		p.Alerts.Report(ctx, AlertInput{
			Source: "host", Severity: models.SeverityWarning, EventType: "disk_pressure",
			Message:   fmt.Sprintf("Disk usage at %.1f%%", s.DiskUsedPct()),
			Details:   models.AlertDetails{Extra: map[string]interface{}{"disk_path": p.DiskPath, "used_bytes": s.DiskUsedBytes, "total_bytes": s.DiskTotalBytes}},
			DedupeKey: "host:disk-pressure",
		})
	}
	if p.MemoryThreshold > 0 && s.MemoryUsedPct() >= p.MemoryThreshold {
		p.Alerts.Report(ctx, AlertInput{
			Source: "host", Severity: models.SeverityWarning, EventType: "memory_pressure",
			Message:   fmt.Sprintf("Memory usage at %.1f%%", s.MemoryUsedPct()),
			Details:   models.AlertDetails{Extra: map[string]interface{}{"used_bytes": s.SystemMemoryUsed, "total_bytes": s.SystemMemoryTotal}},
			DedupeKey: "host:memory-pressure",
		})
	}
	return s, nil
}

func (p *HealthProbe) Latest() *HostSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil
	}
	s := *p.latest
	return &s
}

func (p *HealthProbe) Report(ctx context.Context) HealthReport {
	report := HealthReport{Database: "ok", Host: p.Latest()}
	if p.Ping != nil {
		if err := p.Ping(ctx); err != nil {
			report.Database = "unavailable"
		}
	}
	return report
}
