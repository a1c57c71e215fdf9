package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Source measures the host.
type Source interface {
	Probe(ctx context.Context) (Reading, error)
}

// HostSource reads CPU, memory and disk through gopsutil, and battery and
// GPU busy state from sysfs.
type HostSource struct {
	diskPath string
	sysRoot  string

	mu        sync.Mutex
	prevTotal float64
	prevIdle  float64
	hasPrev   bool
}

// NewHostSource measures disk usage of the filesystem holding diskPath.
func NewHostSource(diskPath string) *HostSource {
	return newHostSourceFrom(diskPath, "/sys")
}

func newHostSourceFrom(diskPath, sysRoot string) *HostSource {
	if strings.TrimSpace(diskPath) == "" {
		diskPath = "/"
	}
	return &HostSource{diskPath: diskPath, sysRoot: sysRoot}
}

func (h *HostSource) Probe(ctx context.Context) (Reading, error) {
	var r Reading

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return Reading{}, fmt.Errorf("cpu times: %w", err)
	}
	r.CPUUsagePercent = h.cpuPercent(times[0])
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		r.CPUCount = n
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("virtual memory: %w", err)
	}
	r.RAMUsedMB = vm.Used / (1 << 20)
	r.RAMTotalMB = vm.Total / (1 << 20)
	r.RAMUsagePercent = clamp(vm.UsedPercent, 0, 100)

	du, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return Reading{}, fmt.Errorf("disk usage %s: %w", h.diskPath, err)
	}
	r.DiskUsedMB = du.Used / (1 << 20)
	r.DiskAvailableMB = du.Free / (1 << 20)

	r.GPUAvailable, r.GPUUsagePercent = h.gpuBusy()
	r.OnBattery, r.BatteryPercent = h.battery()
	return r, nil
}

// cpuPercent is busy time over the interval since the previous probe. The
// first probe reports the average since boot.
func (h *HostSource) cpuPercent(t cpu.TimesStat) float64 {
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	h.mu.Lock()
	defer h.mu.Unlock()
	dTotal, dIdle := total, idle
	if h.hasPrev {
		dTotal = total - h.prevTotal
		dIdle = idle - h.prevIdle
	}
	h.prevTotal, h.prevIdle, h.hasPrev = total, idle, true
	if dTotal <= 0 {
		return 0
	}
	return clamp((dTotal-dIdle)/dTotal*100, 0, 100)
}

// gpuBusy reports the highest gpu_busy_percent across DRM cards.
func (h *HostSource) gpuBusy() (bool, *float64) {
	paths, _ := filepath.Glob(filepath.Join(h.sysRoot, "class", "drm", "card*", "device", "gpu_busy_percent"))
	found := false
	var peak float64
	for _, p := range paths {
		v, ok := readSysfsFloat(p)
		if !ok {
			continue
		}
		found = true
		if v > peak {
			peak = v
		}
	}
	if !found {
		return false, nil
	}
	peak = clamp(peak, 0, 100)
	return true, &peak
}

// battery reports whether any battery is discharging and the lowest
// capacity among batteries.
func (h *HostSource) battery() (bool, *float64) {
	dirs, _ := filepath.Glob(filepath.Join(h.sysRoot, "class", "power_supply", "*"))
	onBattery := false
	var level *float64
	for _, dir := range dirs {
		if readSysfsString(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		if strings.EqualFold(readSysfsString(filepath.Join(dir, "status")), "Discharging") {
			onBattery = true
		}
		if v, ok := readSysfsFloat(filepath.Join(dir, "capacity")); ok {
			v = clamp(v, 0, 100)
			if level == nil || v < *level {
				level = &v
			}
		}
	}
	return onBattery, level
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsFloat(path string) (float64, bool) {
	s := readSysfsString(path)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
