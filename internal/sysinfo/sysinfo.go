// Package sysinfo collects host resource usage for the system health endpoint.
package sysinfo

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	DriveHealthy = "Healthy"
	DriveWarning = "Warning (High Usage)"

	highUsagePercent = 90.0
	mib              = 1024 * 1024
	gib              = 1024 * 1024 * 1024
)

// projectDirs are the directories under the config dir counted as project size.
var projectDirs = []string{"sources", "config", "data"}

// Health is the body of the system health endpoint.
type Health struct {
	Uptime         float64  `json:"uptime"`
	CPUPercent     float64  `json:"cpu_percent"`
	RAMUsed        float64  `json:"ram_used"`
	RAMTotal       float64  `json:"ram_total"`
	DiskUsed       float64  `json:"disk_used"`
	DiskTotal      float64  `json:"disk_total"`
	DiskPercent    float64  `json:"disk_percent"`
	ProjectSize    float64  `json:"project_size"`
	DriveStatus    string   `json:"drive_status"`
	DriveHealthPct float64  `json:"drive_health_pct"`
	Alerts         []string `json:"smart_alerts"`
}

// Fetchers wraps the host queries so tests can replace them.
type Fetchers struct {
	BootTime func(ctx context.Context) (uint64, error)
	CPU      func(ctx context.Context) (float64, error)
	Memory   func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Disk     func(ctx context.Context, path string) (*disk.UsageStat, error)
	Now      func() time.Time
}

// DefaultFetchers queries the running host.
func DefaultFetchers() Fetchers {
	return Fetchers{
		BootTime: host.BootTimeWithContext,
		CPU: func(ctx context.Context) (float64, error) {
			values, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(values) == 0 {
				return 0, nil
			}
			return values[0], nil
		},
		Memory: mem.VirtualMemoryWithContext,
		Disk:   disk.UsageWithContext,
		Now:    time.Now,
	}
}

// Collector gathers Health snapshots.
type Collector struct {
	configDir string
	diskPath  string
	fetch     Fetchers
}

// NewCollector returns a collector over the root filesystem.
func NewCollector(configDir string, fetch Fetchers) *Collector {
	if fetch.Now == nil {
		fetch.Now = time.Now
	}
	return &Collector{configDir: configDir, diskPath: "/", fetch: fetch}
}

// Collect returns the current host health.
func (c *Collector) Collect(ctx context.Context) (Health, error) {
	var h Health

	boot, err := c.fetch.BootTime(ctx)
	if err != nil {
		return Health{}, err
	}
	h.Uptime = c.fetch.Now().Sub(time.Unix(int64(boot), 0)).Seconds()

	if h.CPUPercent, err = c.fetch.CPU(ctx); err != nil {
		return Health{}, err
	}

	vm, err := c.fetch.Memory(ctx)
	if err != nil {
		return Health{}, err
	}
	h.RAMUsed = float64(vm.Used) / mib
	h.RAMTotal = float64(vm.Total) / mib

	usage, err := c.fetch.Disk(ctx, c.diskPath)
	if err != nil {
		return Health{}, err
	}
	h.DiskUsed = float64(usage.Used) / gib
	h.DiskTotal = float64(usage.Total) / gib
	h.DiskPercent = usage.UsedPercent
	h.DriveHealthPct = 100 - usage.UsedPercent
	h.DriveStatus = DriveHealthy
	h.Alerts = []string{}
	if usage.UsedPercent > highUsagePercent {
		h.DriveStatus = DriveWarning
		h.Alerts = append(h.Alerts, "Disk space is critical (>90%)")
	}

	h.ProjectSize = float64(c.projectSize(ctx)) / mib
	return h, nil
}

// projectSize sums regular file sizes. Unreadable entries are skipped.
func (c *Collector) projectSize(ctx context.Context) int64 {
	var total int64
	for _, name := range projectDirs {
		root := filepath.Join(c.configDir, name)
		_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if errors.Is(err, os.ErrNotExist) || d == nil {
					return nil
				}
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
			return nil
		})
	}
	return total
}
