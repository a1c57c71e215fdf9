package metrics

import (
	"sync"
	"time"
)

// IdleCPUPercent is the CPU level below which the host counts as idle.
const IdleCPUPercent = 5.0

// IdleDetector tracks how long the host has been idle. Idle time restarts
// on reported user activity or when CPU usage rises to IdleCPUPercent.
type IdleDetector struct {
	mu    sync.Mutex
	since time.Time
}

func NewIdleDetector(now time.Time) *IdleDetector {
	return &IdleDetector{since: now}
}

// RecordActivity marks user activity at now.
func (d *IdleDetector) RecordActivity(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.After(d.since) {
		d.since = now
	}
}

// Observe feeds a CPU sample taken at now and returns idle seconds.
func (d *IdleDetector) Observe(cpuPercent float64, now time.Time) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cpuPercent >= IdleCPUPercent {
		d.since = now
		return 0
	}
	if now.Before(d.since) {
		return 0
	}
	return uint64(now.Sub(d.since) / time.Second)
}
