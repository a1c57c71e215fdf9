package control

import (
	"context"
	"sort"

	"localagent/internal/governor"
	"localagent/internal/metrics"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

// Overview is everything the dashboard and the status command show.
type Overview struct {
	Metrics  metrics.Snapshot           `json:"metrics"`
	Stats    metrics.Stats              `json:"stats"`
	Limits   settings.ResourceLimits    `json:"limits"`
	Paused   bool                       `json:"paused"`
	Offline  bool                       `json:"offline"`
	Reserved governor.Usage             `json:"reserved"`
	Sync     syncer.Status              `json:"sync"`
	Tasks    map[storage.TaskStatus]int `json:"tasks"`
	Running  []string                   `json:"running"`
}

func (s *Surface) Overview(ctx context.Context) (Overview, error) {
	counts, err := s.store.TaskCounts(ctx)
	if err != nil {
		return Overview{}, err
	}
	cfg := s.settings.Get()
	running := s.sched.Running()
	sort.Strings(running)
	return Overview{
		Metrics:  s.sampler.Latest(),
		Stats:    s.sampler.Stats(),
		Limits:   cfg.ResourceLimits,
		Paused:   cfg.Paused,
		Offline:  cfg.OfflineMode,
		Reserved: s.gov.Reserved(),
		Sync:     s.sync.Status(),
		Tasks:    counts,
		Running:  running,
	}, nil
}
