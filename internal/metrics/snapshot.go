// Package metrics samples host resource usage on a fixed interval and
// publishes immutable snapshots.
package metrics

import "time"

// Snapshot is one sample of the host. It is replaced wholesale on every
// tick and never mutated after publication.
type Snapshot struct {
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	CPUCount        int       `json:"cpu_count"`
	RAMUsedMB       uint64    `json:"ram_used_mb"`
	RAMTotalMB      uint64    `json:"ram_total_mb"`
	RAMUsagePercent float64   `json:"ram_usage_percent"`
	GPUAvailable    bool      `json:"gpu_available"`
	GPUUsagePercent *float64  `json:"gpu_usage_percent,omitempty"`
	DiskUsedMB      uint64    `json:"disk_used_mb"`
	DiskAvailableMB uint64    `json:"disk_available_mb"`
	OnBattery       bool      `json:"on_battery"`
	BatteryPercent  *float64  `json:"battery_percent,omitempty"`
	IdleSeconds     uint64    `json:"idle_seconds"`
	IsIdle          bool      `json:"is_idle"`
	Timestamp       time.Time `json:"timestamp"`
	Stale           bool      `json:"stale"`
}

// Reading is what a Source measures; the sampler adds idle state and time.
type Reading struct {
	CPUUsagePercent float64
	CPUCount        int
	RAMUsedMB       uint64
	RAMTotalMB      uint64
	RAMUsagePercent float64
	GPUAvailable    bool
	GPUUsagePercent *float64
	DiskUsedMB      uint64
	DiskAvailableMB uint64
	OnBattery       bool
	BatteryPercent  *float64
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
