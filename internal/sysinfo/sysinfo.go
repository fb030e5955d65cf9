// Package sysinfo samples host health for the status endpoint.
package sysinfo

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/microscopio/microscopio/internal/log"
)

const mb = 1 << 20

// Snapshot is one sample. Fields the host cannot provide are nil.
type Snapshot struct {
	CPUPercent   *float64 `json:"cpu_percent"`
	RAMUsedMB    *uint64  `json:"ram_used_mb"`
	RAMTotalMB   *uint64  `json:"ram_total_mb"`
	DiskFreeMB   *uint64  `json:"disk_free_mb"`
	DiskFreeGB   *float64 `json:"disk_free_gb"`
	TemperatureC *float64 `json:"temperature_c"`
	UptimeS      *uint64  `json:"uptime_s"`
}

// Collector samples the host. DiskPath selects the filesystem reported.
type Collector struct {
	DiskPath string
	log      zerolog.Logger
}

// New returns a collector reporting free space for diskPath.
func New(diskPath string) *Collector {
	return &Collector{DiskPath: diskPath, log: log.WithComponent("sysinfo")}
}

// Snapshot samples every field, skipping those that fail.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	var s Snapshot

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = &pct[0]
	} else if err != nil {
		c.log.Debug().Err(err).Msg("cpu")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		used, total := vm.Used/mb, vm.Total/mb
		s.RAMUsedMB, s.RAMTotalMB = &used, &total
	} else {
		c.log.Debug().Err(err).Msg("memory")
	}

	if c.DiskPath != "" {
		if du, err := disk.UsageWithContext(ctx, c.DiskPath); err == nil {
			freeMB := du.Free / mb
			freeGB := float64(du.Free) / (1 << 30)
			s.DiskFreeMB, s.DiskFreeGB = &freeMB, &freeGB
		} else {
			c.log.Debug().Err(err).Msg("disk")
		}
	}

	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil || len(temps) > 0 {
		if t, ok := socTemperature(temps); ok {
			s.TemperatureC = &t
		}
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeS = &up
	}
	return s
}

// socTemperature picks the CPU/SoC zone, falling back to the first
// positive reading.
func socTemperature(temps []sensors.TemperatureStat) (float64, bool) {
	var fallback *sensors.TemperatureStat
	for i, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") {
			return t.Temperature, true
		}
		if fallback == nil {
			fallback = &temps[i]
		}
	}
	if fallback == nil {
		return 0, false
	}
	return fallback.Temperature, true
}
