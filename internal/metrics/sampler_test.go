package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"localagent/internal/clock"
)

type fakeSource struct {
	mu      sync.Mutex
	reading Reading
	err     error
}

func (f *fakeSource) set(r Reading, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading, f.err = r, err
}

func (f *fakeSource) Probe(context.Context) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, f.err
}

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSampler(src Source) (*Sampler, *clock.Fake) {
	clk := clock.NewFake(start)
	s := NewSampler(src, Options{
		Interval:      5 * time.Second,
		StaleAfter:    10 * time.Second,
		IdleThreshold: func() uint64 { return 60 },
		Clock:         clk,
	})
	return s, clk
}

func TestLatestBeforeFirstSampleIsStale(t *testing.T) {
	s, _ := newTestSampler(&fakeSource{})
	require.True(t, s.Latest().Stale)
}

func TestFailedProbeRetainsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(Reading{CPUUsagePercent: 42, RAMUsagePercent: 10, CPUCount: 8}, nil)
	s, clk := newTestSampler(src)

	first := s.SampleOnce(context.Background())
	require.False(t, first.Stale)
	require.Equal(t, 42.0, first.CPUUsagePercent)

	src.set(Reading{}, errors.New("probe failed"))
	clk.Advance(5 * time.Second)
	second := s.SampleOnce(context.Background())
	require.True(t, second.Stale)
	require.Equal(t, 42.0, second.CPUUsagePercent)
	require.Equal(t, 8, second.CPUCount)
	require.Equal(t, first.Timestamp, second.Timestamp)

	src.set(Reading{CPUUsagePercent: 3}, nil)
	clk.Advance(5 * time.Second)
	require.False(t, s.SampleOnce(context.Background()).Stale)
}

func TestIdleAccumulatesUnderLowCPU(t *testing.T) {
	src := &fakeSource{}
	src.set(Reading{CPUUsagePercent: 1}, nil)
	s, clk := newTestSampler(src)

	clk.Advance(30 * time.Second)
	snap := s.SampleOnce(context.Background())
	require.EqualValues(t, 30, snap.IdleSeconds)
	require.False(t, snap.IsIdle)

	clk.Advance(30 * time.Second)
	snap = s.SampleOnce(context.Background())
	require.EqualValues(t, 60, snap.IdleSeconds)
	require.True(t, snap.IsIdle)

	s.RecordActivity()
	clk.Advance(10 * time.Second)
	snap = s.SampleOnce(context.Background())
	require.EqualValues(t, 10, snap.IdleSeconds)

	src.set(Reading{CPUUsagePercent: 50}, nil)
	clk.Advance(10 * time.Second)
	snap = s.SampleOnce(context.Background())
	require.Zero(t, snap.IdleSeconds)
	require.False(t, snap.IsIdle)
}

func TestSubscribeDeliversLatest(t *testing.T) {
	src := &fakeSource{}
	s, _ := newTestSampler(src)
	ch, cancel := s.Subscribe()
	defer cancel()

	src.set(Reading{CPUUsagePercent: 10}, nil)
	s.SampleOnce(context.Background())
	src.set(Reading{CPUUsagePercent: 20}, nil)
	s.SampleOnce(context.Background())

	got := <-ch
	require.Equal(t, 20.0, got.CPUUsagePercent)
	cancel()
	_, ok := <-ch
	require.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{}
	src.set(Reading{CPUUsagePercent: 7}, nil)
	s, clk := newTestSampler(src)
	ch, cancelSub := s.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-ch
	clk.WaitForTimers(1)
	src.set(Reading{CPUUsagePercent: 9}, nil)
	clk.Advance(5 * time.Second)
	require.Equal(t, 9.0, (<-ch).CPUUsagePercent)

	cancel()
	require.NoError(t, <-done)
}

func TestHistoryStats(t *testing.T) {
	h := NewHistory(3)
	require.Zero(t, h.Stats().Samples)
	for _, cpu := range []float64{10, 20, 30, 40} {
		h.Add(Snapshot{CPUUsagePercent: cpu, RAMUsagePercent: cpu / 2, IsIdle: cpu < 25})
	}
	st := h.Stats()
	require.Equal(t, 3, st.Samples)
	require.InDelta(t, 30, st.AvgCPUPercent, 1e-9)
	require.InDelta(t, 40, st.PeakCPUPercent, 1e-9)
	require.InDelta(t, 100.0/3, st.IdlePercentage, 1e-9)
}

func writeSysfs(t *testing.T, root, rel, value string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(value+"\n"), 0o644))
}

func TestHostSourceReadsSysfs(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, "class/power_supply/AC/type", "Mains")
	writeSysfs(t, root, "class/power_supply/BAT0/type", "Battery")
	writeSysfs(t, root, "class/power_supply/BAT0/status", "Discharging")
	writeSysfs(t, root, "class/power_supply/BAT0/capacity", "37")
	writeSysfs(t, root, "class/drm/card0/device/gpu_busy_percent", "12")
	writeSysfs(t, root, "class/drm/card1/device/gpu_busy_percent", "55")

	h := newHostSourceFrom("", root)
	onBattery, level := h.battery()
	require.True(t, onBattery)
	require.NotNil(t, level)
	require.Equal(t, 37.0, *level)

	avail, busy := h.gpuBusy()
	require.True(t, avail)
	require.Equal(t, 55.0, *busy)
}

func TestHostSourceWithoutBatteryOrGPU(t *testing.T) {
	h := newHostSourceFrom("", t.TempDir())
	onBattery, level := h.battery()
	require.False(t, onBattery)
	require.Nil(t, level)
	avail, busy := h.gpuBusy()
	require.False(t, avail)
	require.Nil(t, busy)
}
