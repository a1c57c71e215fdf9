package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"localagent/internal/clock"
	"localagent/internal/events"
)

// Options configures a Sampler. Zero values fall back to defaults.
type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// IdleThreshold returns the idle threshold in seconds; it is read on
	// every sample so settings changes apply without restart.
	IdleThreshold func() uint64
	HistorySize   int
	Clock         clock.Clock
	Logger        *zap.Logger
	Bus           *events.Bus
}

// Sampler 按固定间隔采样主机资源并发布快照。
// Sampler probes the host on a fixed interval and publishes snapshots.
// A failed probe keeps the previous snapshot and marks it stale.
type Sampler struct {
	src        Source
	clk        clock.Clock
	log        *zap.Logger
	bus        *events.Bus
	interval   time.Duration
	staleAfter time.Duration
	threshold  func() uint64
	idle       *IdleDetector
	history    *History

	mu         sync.RWMutex
	latest     Snapshot
	staleSince time.Time
	warned     bool
	nextID     int
	subs       map[int]chan Snapshot
}

func NewSampler(src Source, opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleThreshold == nil {
		opts.IdleThreshold = func() uint64 { return 120 }
	}
	now := opts.Clock.Now()
	return &Sampler{
		src:        src,
		clk:        opts.Clock,
		log:        opts.Logger,
		bus:        opts.Bus,
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
		threshold:  opts.IdleThreshold,
		idle:       NewIdleDetector(now),
		history:    NewHistory(opts.HistorySize),
		latest:     Snapshot{Timestamp: now.UTC(), Stale: true},
		subs:       make(map[int]chan Snapshot),
	}
}

// Latest returns the current snapshot. Before the first successful probe
// it is a zero snapshot marked stale.
func (s *Sampler) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Stats summarizes the retained history.
func (s *Sampler) Stats() Stats { return s.history.Stats() }

// RecordActivity restarts the idle timer.
func (s *Sampler) RecordActivity() {
	s.idle.RecordActivity(s.clk.Now())
}

// Subscribe returns a channel that always holds the most recent snapshot
// not yet read. cancel closes it.
func (s *Sampler) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// SampleOnce probes the source and publishes the result.
func (s *Sampler) SampleOnce(ctx context.Context) Snapshot {
	now := s.clk.Now()
	r, err := s.src.Probe(ctx)

	s.mu.Lock()
	var snap Snapshot
	if err != nil {
		snap = s.latest
		snap.Stale = true
		if s.staleSince.IsZero() {
			s.staleSince = now
		}
		if !s.warned && now.Sub(s.staleSince) >= s.staleAfter {
			s.warned = true
			s.log.Warn("metrics stale", zap.Duration("since", now.Sub(s.staleSince)), zap.Error(err))
		} else {
			s.log.Debug("metrics probe failed", zap.Error(err))
		}
	} else {
		idleSecs := s.idle.Observe(r.CPUUsagePercent, now)
		snap = Snapshot{
			CPUUsagePercent: r.CPUUsagePercent,
			CPUCount:        r.CPUCount,
			RAMUsedMB:       r.RAMUsedMB,
			RAMTotalMB:      r.RAMTotalMB,
			RAMUsagePercent: r.RAMUsagePercent,
			GPUAvailable:    r.GPUAvailable,
			GPUUsagePercent: r.GPUUsagePercent,
			DiskUsedMB:      r.DiskUsedMB,
			DiskAvailableMB: r.DiskAvailableMB,
			OnBattery:       r.OnBattery,
			BatteryPercent:  r.BatteryPercent,
			IdleSeconds:     idleSecs,
			IsIdle:          idleSecs >= s.threshold(),
			Timestamp:       now.UTC(),
		}
		if s.warned {
			s.log.Info("metrics recovered")
		}
		s.staleSince = time.Time{}
		s.warned = false
	}
	s.latest = snap
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	s.mu.Unlock()

	if err == nil {
		s.history.Add(snap)
	}
	s.bus.Publish(events.KindMetrics, snap)
	return snap
}

// Run samples immediately and then on every tick until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	s.SampleOnce(ctx)
	t := s.clk.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.SampleOnce(ctx)
		}
	}
}
