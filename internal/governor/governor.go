// Package governor 根据最新资源快照与用户限额决定任务能否开始执行。
// Package governor decides whether a task may start given the latest
// host snapshot, the user's resource limits and work already admitted.
package governor

import (
	"fmt"
	"sync"
	"time"

	"localagent/internal/errs"
	"localagent/internal/metrics"
	"localagent/internal/settings"
)

// Reason codes double as message catalog keys.
const (
	CodePaused     = "deny.paused"
	CodeNotIdle    = "deny.not_idle"
	CodeOnBattery  = "deny.on_battery"
	CodeLowBattery = "deny.low_battery"
	CodeCPULimit   = "deny.cpu_limit"
	CodeRAMLimit   = "deny.ram_limit"
	CodeNoGPU      = "deny.gpu_unavailable"
	CodeGPULimit   = "deny.gpu_limit"
)

// DefaultGPUShare is the GPU percent reserved for each admitted GPU task.
const DefaultGPUShare = 10.0

const (
	cpuWait = 30 * time.Second
	ramWait = 60 * time.Second
	gpuWait = 30 * time.Second
)

// Request carries a task's estimated cost in percent of the host.
type Request struct {
	EstimatedCPU float64 `json:"estimated_cpu"`
	EstimatedRAM float64 `json:"estimated_ram"`
	RequiresGPU  bool    `json:"requires_gpu"`
}

// Decision is the outcome of an admission check. When Allowed is false
// Reason is a human readable English message, Code its catalog key and
// Args the values substituted into the translated message.
type Decision struct {
	Allowed       bool          `json:"allowed"`
	Reason        string        `json:"reason,omitempty"`
	Code          string        `json:"code,omitempty"`
	Args          []any         `json:"-"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// Err converts a denial into an *errs.ResourceDeniedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &errs.ResourceDeniedError{Reason: d.Reason, EstimatedWait: d.EstimatedWait}
}

// SnapshotSource supplies the most recent host snapshot.
type SnapshotSource interface {
	Latest() metrics.Snapshot
}

// SettingsSource supplies the current settings.
type SettingsSource interface {
	Get() settings.Settings
}

// Usage is the sum of outstanding reservations.
type Usage struct {
	CPU   float64 `json:"cpu"`
	RAM   float64 `json:"ram"`
	GPU   float64 `json:"gpu"`
	Tasks int     `json:"tasks"`
}

// Governor 在一个互斥锁下完成评估与预留，保证并发准入不会超出预算。
// Governor evaluates and reserves under one mutex so concurrent
// admissions cannot jointly overshoot the budget before the next sample.
type Governor struct {
	snaps    SnapshotSource
	settings SettingsSource
	gpuShare float64

	mu       sync.Mutex
	reserved Usage
}

// New builds a Governor. gpuShare is the GPU percent reserved per GPU task;
// zero selects DefaultGPUShare.
func New(snaps SnapshotSource, s SettingsSource, gpuShare float64) *Governor {
	if gpuShare <= 0 {
		gpuShare = DefaultGPUShare
	}
	return &Governor{snaps: snaps, settings: s, gpuShare: gpuShare}
}

// CanExecute is a pure check; it records nothing.
func (g *Governor) CanExecute(req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return evaluate(g.snaps.Latest(), g.settings.Get(), g.reserved, g.gpuShare, req)
}

// Admit evaluates req and, when allowed, reserves its estimates until the
// returned Reservation is released. A denied request returns a nil
// Reservation.
func (g *Governor) Admit(req Request) (Decision, *Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := evaluate(g.snaps.Latest(), g.settings.Get(), g.reserved, g.gpuShare, req)
	if !d.Allowed {
		return d, nil
	}
	u := Usage{CPU: req.EstimatedCPU, RAM: req.EstimatedRAM, Tasks: 1}
	if req.RequiresGPU {
		u.GPU = g.gpuShare
	}
	g.reserved.CPU += u.CPU
	g.reserved.RAM += u.RAM
	g.reserved.GPU += u.GPU
	g.reserved.Tasks++
	return d, &Reservation{g: g, usage: u}
}

// Reserved reports the totals currently held by admitted tasks.
func (g *Governor) Reserved() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved
}

func (g *Governor) release(u Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved.CPU = nonNegative(g.reserved.CPU - u.CPU)
	g.reserved.RAM = nonNegative(g.reserved.RAM - u.RAM)
	g.reserved.GPU = nonNegative(g.reserved.GPU - u.GPU)
	if g.reserved.Tasks > 0 {
		g.reserved.Tasks--
	}
}

// Reservation holds admitted estimates until released.
type Reservation struct {
	g     *Governor
	usage Usage
	once  sync.Once
}

// Release returns the estimates to the budget. Later calls do nothing.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.g.release(r.usage) })
}

// evaluate checks req against the snapshot plus reservations. A GPU
// request is charged gpuShare, the amount Admit would reserve for it.
func evaluate(snap metrics.Snapshot, s settings.Settings, res Usage, gpuShare float64, req Request) Decision {
	lim := s.ResourceLimits
	if s.Paused {
		return deny(CodePaused, 0, "execution is paused")
	}
	if lim.IdleOnly && !snap.IsIdle {
		wait := time.Duration(0)
		if lim.IdleThresholdSeconds > snap.IdleSeconds {
			wait = time.Duration(lim.IdleThresholdSeconds-snap.IdleSeconds) * time.Second
		}
		return deny(CodeNotIdle, wait, "waiting for system idle (%d/%ds)", snap.IdleSeconds, lim.IdleThresholdSeconds)
	}
	if snap.OnBattery && !lim.RunOnBattery {
		return deny(CodeOnBattery, 0, "running on battery")
	}
	if snap.OnBattery && snap.BatteryPercent != nil && *snap.BatteryPercent < lim.MinBatteryPercent {
		return deny(CodeLowBattery, 0, "battery too low (%.0f%%, minimum %.0f%%)", *snap.BatteryPercent, lim.MinBatteryPercent)
	}
	if cpu := snap.CPUUsagePercent + res.CPU + req.EstimatedCPU; cpu > lim.MaxCPUPercent {
		return deny(CodeCPULimit, cpuWait, "CPU limit would be exceeded (%.1f%% > %.0f%%)", cpu, lim.MaxCPUPercent)
	}
	if ram := snap.RAMUsagePercent + res.RAM + req.EstimatedRAM; ram > lim.MaxRAMPercent {
		return deny(CodeRAMLimit, ramWait, "RAM limit would be exceeded (%.1f%% > %.0f%%)", ram, lim.MaxRAMPercent)
	}
	if req.RequiresGPU {
		if !snap.GPUAvailable {
			return deny(CodeNoGPU, 0, "GPU not available")
		}
		var busy float64
		if snap.GPUUsagePercent != nil {
			busy = *snap.GPUUsagePercent
		}
		if gpu := busy + res.GPU + gpuShare; gpu > lim.MaxGPUPercent {
			return deny(CodeGPULimit, gpuWait, "GPU limit would be exceeded (%.1f%% > %.0f%%)", gpu, lim.MaxGPUPercent)
		}
	}
	return Decision{Allowed: true}
}

func deny(code string, wait time.Duration, format string, args ...any) Decision {
	return Decision{
		Code:          code,
		Reason:        fmt.Sprintf(format, args...),
		Args:          args,
		EstimatedWait: wait,
	}
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
