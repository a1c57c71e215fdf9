// Package control 是所有入口（HTTP、命令行、交互式终端、仪表盘）共用的命令面。
// Package control is the command surface shared by every front end: the
// HTTP API, the CLI, the interactive shell and the dashboard. Commands
// return typed errors from internal/errs and never panic.
package control

import (
	"time"

	"go.uber.org/zap"

	"localagent/internal/governor"
	"localagent/internal/inference"
	"localagent/internal/metrics"
	"localagent/internal/scheduler"
	"localagent/internal/search"
	"localagent/internal/security"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

type Deps struct {
	Settings  *settings.Manager
	Sampler   *metrics.Sampler
	Governor  *governor.Governor
	Store     *storage.SQLiteStore
	Sync      *syncer.Engine
	Scheduler *scheduler.Scheduler
	Index     search.Index
	Service   inference.Service
	Catalog   *inference.Catalog
	Roots     *security.MediaRoots
	Logger    *zap.Logger
}

type Surface struct {
	settings *settings.Manager
	sampler  *metrics.Sampler
	gov      *governor.Governor
	store    *storage.SQLiteStore
	sync     *syncer.Engine
	sched    *scheduler.Scheduler
	index    search.Index
	svc      inference.Service
	catalog  *inference.Catalog
	roots    *security.MediaRoots
	log      *zap.Logger
}

func New(d Deps) *Surface {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Surface{
		settings: d.Settings,
		sampler:  d.Sampler,
		gov:      d.Governor,
		store:    d.Store,
		sync:     d.Sync,
		sched:    d.Scheduler,
		index:    d.Index,
		svc:      d.Service,
		catalog:  d.Catalog,
		roots:    d.Roots,
		log:      log.Named("control"),
	}
}

func (s *Surface) GetSettings() settings.Settings { return s.settings.Get() }

// UpdateSettings 校验并持久化部分更新；调度器被唤醒以便立即应用新限额。
// UpdateSettings validates and persists a partial update. The scheduler
// is woken so new limits or a resume apply right away.
func (s *Surface) UpdateSettings(p settings.Patch) (settings.Settings, error) {
	next, err := s.settings.Update(p)
	if err != nil {
		return settings.Settings{}, err
	}
	s.wake()
	return next, nil
}

func (s *Surface) ResetSettings() (settings.Settings, error) {
	next, err := s.settings.Reset()
	if err != nil {
		return settings.Settings{}, err
	}
	s.wake()
	return next, nil
}

// SetPaused toggles the global pause switch.
func (s *Surface) SetPaused(paused bool) (settings.Settings, error) {
	return s.UpdateSettings(settings.Patch{Paused: &paused})
}

func (s *Surface) GetResourceLimits() settings.ResourceLimits { return s.settings.Limits() }

func (s *Surface) SetResourceLimits(l settings.ResourceLimits) (settings.ResourceLimits, error) {
	next, err := s.settings.SetLimits(l)
	if err != nil {
		return settings.ResourceLimits{}, err
	}
	s.wake()
	return next.ResourceLimits, nil
}

func (s *Surface) GetSystemMetrics() metrics.Snapshot { return s.sampler.Latest() }

func (s *Surface) GetMetricsStats() metrics.Stats { return s.sampler.Stats() }

// RecordActivity marks user activity, resetting the idle timer.
func (s *Surface) RecordActivity() { s.sampler.RecordActivity() }

// TaskCheck is the answer to CanExecuteTask.
type TaskCheck struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason,omitempty"`
	Code                 string `json:"code,omitempty"`
	EstimatedWaitSeconds *int64 `json:"estimated_wait_seconds,omitempty"`
	// Args are the Code message arguments, for localized display.
	Args []any `json:"-"`
}

// CanExecuteTask asks the governor whether work with these estimates
// could start now. Nothing is reserved.
func (s *Surface) CanExecuteTask(cpu, ram float64, gpu bool) TaskCheck {
	d := s.gov.CanExecute(governor.Request{EstimatedCPU: cpu, EstimatedRAM: ram, RequiresGPU: gpu})
	return checkFromDecision(d)
}

func checkFromDecision(d governor.Decision) TaskCheck {
	out := TaskCheck{Allowed: d.Allowed, Reason: d.Reason, Code: d.Code, Args: d.Args}
	if !d.Allowed && d.EstimatedWait > 0 {
		secs := int64(d.EstimatedWait / time.Second)
		out.EstimatedWaitSeconds = &secs
	}
	return out
}

func (s *Surface) Reserved() governor.Usage { return s.gov.Reserved() }

func (s *Surface) wake() {
	if s.sched != nil {
		s.sched.Wake()
	}
}
