package metrics

import "sync"

// Stats aggregates the retained samples.
type Stats struct {
	Samples        int     `json:"samples"`
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	AvgRAMPercent  float64 `json:"avg_ram_percent"`
	PeakRAMPercent float64 `json:"peak_ram_percent"`
	IdlePercentage float64 `json:"idle_percentage"`
}

// History keeps the most recent fresh snapshots in a ring.
type History struct {
	mu   sync.Mutex
	buf  []Snapshot
	next int
	full bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 720
	}
	return &History{buf: make([]Snapshot, size)}
}

func (h *History) Add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	st := Stats{Samples: n}
	if n == 0 {
		return st
	}
	idle := 0
	for _, s := range h.buf[:n] {
		st.AvgCPUPercent += s.CPUUsagePercent
		st.AvgRAMPercent += s.RAMUsagePercent
		if s.CPUUsagePercent > st.PeakCPUPercent {
			st.PeakCPUPercent = s.CPUUsagePercent
		}
		if s.RAMUsagePercent > st.PeakRAMPercent {
			st.PeakRAMPercent = s.RAMUsagePercent
		}
		if s.IsIdle {
			idle++
		}
	}
	st.AvgCPUPercent /= float64(n)
	st.AvgRAMPercent /= float64(n)
	st.IdlePercentage = float64(idle) / float64(n) * 100
	return st
}
