package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"localagent/internal/control"
	"localagent/internal/events"
	"localagent/internal/i18n"
	"localagent/internal/inference"
	"localagent/internal/metrics"
	"localagent/internal/scheduler"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

type fakeSource struct {
	overview  control.Overview
	tasks     []storage.PendingTask
	conflicts []storage.Conflict
	models    []inference.ModelInfo
	syncRes   control.SyncResult
	syncErr   error
	pauseErr  error
	paused    []bool
	activity  int
}

func (f *fakeSource) Overview(context.Context) (control.Overview, error) { return f.overview, nil }

func (f *fakeSource) ListTasks(context.Context, storage.TaskFilter) ([]storage.PendingTask, error) {
	return f.tasks, nil
}

func (f *fakeSource) ListConflicts(context.Context) ([]storage.Conflict, error) {
	return f.conflicts, nil
}

func (f *fakeSource) GetModelStatus() []inference.ModelInfo { return f.models }

func (f *fakeSource) SetPaused(p bool) (settings.Settings, error) {
	if f.pauseErr != nil {
		return settings.Settings{}, f.pauseErr
	}
	f.paused = append(f.paused, p)
	s := settings.Default()
	s.Paused = p
	return s, nil
}

func (f *fakeSource) SyncNow(context.Context) (control.SyncResult, error) {
	return f.syncRes, f.syncErr
}

func (f *fakeSource) RecordActivity() { f.activity++ }

func newTestApp(src *fakeSource) App {
	app := NewApp(src, nil, i18n.New("en"))
	app.width, app.height = 120, 30
	app.relayout()
	return app
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

// load runs a refresh command and feeds its message back, as the program loop would.
func load(t *testing.T, app App) App {
	t.Helper()
	msg := app.refresh()()
	m, _ := app.Update(msg)
	return m.(App)
}

func TestAppUpdate_PanelSwitching(t *testing.T) {
	src := &fakeSource{}
	app := newTestApp(src)

	want := []PanelID{PanelConflicts, PanelModels, PanelEvents, PanelTasks}
	for _, p := range want {
		m, _ := app.Update(tea.KeyMsg{Type: tea.KeyTab})
		app = m.(App)
		if app.activePanel != p {
			t.Fatalf("expected panel %v, got %v", p, app.activePanel)
		}
	}
	if src.activity != len(want) {
		t.Fatalf("expected every key to count as activity, got %d", src.activity)
	}
}

func TestAppUpdate_SnapshotFillsPanels(t *testing.T) {
	gpu := 12.0
	src := &fakeSource{
		overview: control.Overview{
			Metrics: metrics.Snapshot{
				CPUUsagePercent: 42.5,
				RAMUsagePercent: 10,
				GPUAvailable:    true,
				GPUUsagePercent: &gpu,
				DiskUsedMB:      1024,
				DiskAvailableMB: 1024,
			},
			Limits: settings.DefaultLimits(),
			Tasks:  map[storage.TaskStatus]int{storage.TaskQueued: 3, storage.TaskRunning: 1},
			Sync:   syncer.Status{State: syncer.StateIdle},
		},
		tasks: []storage.PendingTask{
			{ID: "0123456789abcdef", Type: storage.TaskSyncMemory, Status: storage.TaskFailed, RetryCount: 3, MaxRetries: 3, LastError: "boom"},
		},
		conflicts: []storage.Conflict{{ID: "c1", EntityType: storage.EntityMemory, EntityID: "m1", DetectedAt: time.Now()}},
		models:    []inference.ModelInfo{{ID: "whisper-tiny", Tier: 1, SizeMB: 75, Downloaded: true}},
	}
	app := load(t, newTestApp(src))

	if !app.loaded || app.lastError != "" {
		t.Fatalf("expected loaded snapshot, err=%q", app.lastError)
	}
	out := app.View()
	for _, want := range []string{"3 queued, 1 running, 0 failed", "42.5%", "Never synced", "Conflicts (1)", "01234567", "sync_memory", "boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("view missing %q:\n%s", want, out)
		}
	}

	app.activePanel = PanelModels
	if got := app.panelContent(60); !strings.Contains(got, "whisper-tiny") || !strings.Contains(got, "installed") {
		t.Fatalf("unexpected models panel: %q", got)
	}
	app.activePanel = PanelConflicts
	if got := app.panelContent(60); !strings.Contains(got, "memory") || !strings.Contains(got, "m1") {
		t.Fatalf("unexpected conflicts panel: %q", got)
	}
}

func TestAppUpdate_PauseToggles(t *testing.T) {
	src := &fakeSource{}
	app := newTestApp(src)

	m, cmd := app.Update(runeKey('p'))
	app = m.(App)
	if !app.overview.Paused || cmd == nil {
		t.Fatalf("expected paused with a refresh queued")
	}
	m, _ = app.Update(runeKey('p'))
	app = m.(App)
	if app.overview.Paused {
		t.Fatalf("expected resumed")
	}
	if len(src.paused) != 2 || !src.paused[0] || src.paused[1] {
		t.Fatalf("unexpected SetPaused calls: %v", src.paused)
	}

	src.pauseErr = errors.New("settings locked")
	m, _ = app.Update(runeKey('p'))
	app = m.(App)
	if app.lastError != "settings locked" {
		t.Fatalf("unexpected last error: %q", app.lastError)
	}
	if !strings.Contains(app.View(), "settings locked") {
		t.Fatalf("error not shown in footer")
	}
}

func TestAppUpdate_SyncNow(t *testing.T) {
	src := &fakeSource{syncRes: control.SyncResult{
		Result: syncer.ResultSuccess,
		Report: syncer.Report{Result: syncer.ResultSuccess, Uploaded: 2, Downloaded: 1},
	}}
	app := newTestApp(src)

	m, cmd := app.Update(runeKey('s'))
	app = m.(App)
	if !app.syncing || cmd == nil {
		t.Fatalf("expected sync in flight")
	}
	m, again := app.Update(runeKey('s'))
	if again != nil {
		t.Fatalf("second sync key should be ignored while syncing")
	}
	app = m.(App)

	m, _ = app.Update(cmd())
	app = m.(App)
	if app.syncing {
		t.Fatalf("expected sync finished")
	}
	log := strings.Join(app.eventLines, "\n")
	if !strings.Contains(log, "Sync started") || !strings.Contains(log, "Sync success: 2 uploaded, 1 downloaded, 0 conflicts") {
		t.Fatalf("unexpected event log: %q", log)
	}

	src.syncErr = errors.New("remote unreachable")
	m, cmd = app.Update(runeKey('s'))
	app = m.(App)
	m, _ = app.Update(cmd())
	app = m.(App)
	if app.lastError != "remote unreachable" {
		t.Fatalf("unexpected last error: %q", app.lastError)
	}
}

func TestAppUpdate_Events(t *testing.T) {
	src := &fakeSource{models: []inference.ModelInfo{{ID: "m1"}}}
	app := load(t, newTestApp(src))
	now := time.Now()

	m, _ := app.Update(eventMsg(events.Event{Kind: events.KindMetrics, At: now, Data: metrics.Snapshot{CPUUsagePercent: 77}}))
	app = m.(App)
	if app.overview.Metrics.CPUUsagePercent != 77 || len(app.eventLines) != 0 {
		t.Fatalf("metrics should update the panel without logging")
	}

	m, _ = app.Update(eventMsg(events.Event{Kind: events.KindTask, At: now, Data: scheduler.TaskEvent{
		ID: "abcdef0123456789", Type: storage.TaskGenerateEmbedding, Status: storage.TaskFailed, Error: "no model",
	}}))
	app = m.(App)
	if !strings.Contains(app.eventLines[0], "abcdef01 generate_embedding failed: no model") {
		t.Fatalf("unexpected task line: %q", app.eventLines[0])
	}

	m, _ = app.Update(eventMsg(events.Event{Kind: events.KindModel, At: now, Data: inference.DownloadProgress{ModelID: "m1", Progress: 0.5}}))
	app = m.(App)
	if p := app.models[0].DownloadProgress; p == nil || *p != 0.5 {
		t.Fatalf("expected download progress recorded")
	}
	m, _ = app.Update(eventMsg(events.Event{Kind: events.KindModel, At: now, Data: inference.DownloadProgress{ModelID: "m1", Progress: 1}}))
	app = m.(App)
	if !app.models[0].Downloaded || app.models[0].DownloadProgress != nil {
		t.Fatalf("expected model marked downloaded")
	}

	s := settings.Default()
	s.Paused = true
	s.APIKey = "secret"
	m, _ = app.Update(eventMsg(events.Event{Kind: events.KindSettings, At: now, Data: s}))
	app = m.(App)
	if !app.overview.Paused {
		t.Fatalf("settings event should update paused state")
	}
	if strings.Contains(strings.Join(app.eventLines, "\n"), "secret") {
		t.Fatalf("api key leaked into event log")
	}
}

func TestAppUpdate_EventLogIsBounded(t *testing.T) {
	app := newTestApp(&fakeSource{})
	for i := 0; i < maxEventLines+25; i++ {
		app.appendLine(time.Now(), events.KindConflict, "x")
	}
	if len(app.eventLines) != maxEventLines {
		t.Fatalf("expected %d lines, got %d", maxEventLines, len(app.eventLines))
	}
}

func TestAppView_NarrowTerminal(t *testing.T) {
	app := newTestApp(&fakeSource{})
	m, _ := app.Update(tea.WindowSizeMsg{Width: 60, Height: 20})
	app = m.(App)
	out := app.View()
	if strings.Contains(out, "Tasks") {
		t.Fatalf("narrow layout should hide the tabbed panel:\n%s", out)
	}
	if !strings.Contains(out, "System") {
		t.Fatalf("narrow layout should keep the system panel")
	}
}

func TestAppUpdate_Quit(t *testing.T) {
	app := newTestApp(&fakeSource{})
	_, cmd := app.Update(runeKey('q'))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestRenderHelpers(t *testing.T) {
	theme := DarkTheme()
	if got := renderBar(50, 80, 10, theme); !strings.HasPrefix(got, "[") || strings.Count(got, "█") != 5 {
		t.Fatalf("unexpected bar: %q", got)
	}
	if got := renderBar(150, 0, 4, theme); strings.Count(got, "█") != 4 {
		t.Fatalf("bar should clamp at width: %q", got)
	}
	if got := fit("hello world", 5); got != "hell…" {
		t.Fatalf("unexpected fit: %q", got)
	}
	if got := fit("ab", 4); got != "ab  " {
		t.Fatalf("fit should pad: %q", got)
	}
	if got := fit("数据同步", 5); got != "数据…" && got != "数据… " {
		t.Fatalf("wide runes should count double: %q", got)
	}
	if got := row(20, []int{3, 3}, "abcdef", "x", "tail text that is long"); got != "ab… x   tail text t…" {
		t.Fatalf("unexpected row: %q", got)
	}
	if summarize(map[string]string{"a": "b"}) != `{"a":"b"}` {
		t.Fatalf("unexpected summary")
	}
	if shortID("abc") != "abc" || shortID("0123456789") != "01234567" {
		t.Fatalf("unexpected short ids")
	}
}
