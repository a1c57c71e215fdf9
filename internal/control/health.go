package control

import (
	"context"
	"time"

	"localagent/internal/syncer"
)

// HealthState grades a component or the whole runtime.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

type ComponentHealth struct {
	State   HealthState `json:"state"`
	Message string      `json:"message,omitempty"`
}

// Health aggregates component checks. The worst component decides State;
// tasks may run while the runtime is at most degraded.
type Health struct {
	State       HealthState                `json:"state"`
	CanRunTasks bool                       `json:"can_run_tasks"`
	Components  map[string]ComponentHealth `json:"components"`
	CheckedAt   time.Time                  `json:"checked_at"`
}

// Health checks the database, the sync engine and the metrics sampler.
// Being offline only degrades the runtime; a dead database makes it
// unhealthy.
func (s *Surface) Health(ctx context.Context) Health {
	comps := map[string]ComponentHealth{
		"database":         s.databaseHealth(ctx),
		"sync_service":     syncHealth(s.sync.Status()),
		"resource_monitor": {State: Healthy},
	}
	if snap := s.sampler.Latest(); snap.Stale {
		comps["resource_monitor"] = ComponentHealth{State: Degraded, Message: "metrics are stale"}
	}

	h := Health{State: Healthy, Components: comps, CheckedAt: time.Now().UTC()}
	for _, c := range comps {
		switch {
		case c.State == Unhealthy:
			h.State = Unhealthy
		case c.State == Degraded && h.State == Healthy:
			h.State = Degraded
		}
	}
	h.CanRunTasks = h.State != Unhealthy
	return h
}

func (s *Surface) databaseHealth(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{State: Unhealthy, Message: err.Error()}
	}
	return ComponentHealth{State: Healthy}
}

func syncHealth(st syncer.Status) ComponentHealth {
	switch st.State {
	case syncer.StateDisconnected:
		return ComponentHealth{State: Degraded, Message: "remote unreachable: " + st.LastError}
	case syncer.StateFailed:
		return ComponentHealth{State: Degraded, Message: st.LastError}
	}
	if n := len(st.Conflicts); n > 0 {
		return ComponentHealth{State: Degraded, Message: "open conflicts need resolution"}
	}
	return ComponentHealth{State: Healthy}
}
