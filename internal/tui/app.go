// Package tui renders a live terminal dashboard over the control surface:
// host load against the resource budget, sync state, the task queue,
// open conflicts, model status and a rolling event log.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

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

// PanelID 标识右侧活动面板
// PanelID identifies the active right-hand panel
type PanelID int

const (
	PanelTasks PanelID = iota
	PanelConflicts
	PanelModels
	PanelEvents
	panelCount
)

const (
	refreshInterval = 2 * time.Second
	refreshTimeout  = 5 * time.Second
	maxEventLines   = 200
	taskListLimit   = 50
)

// Source 是仪表盘读取和控制的运行时接口，*control.Surface 满足它
// Source is the slice of the control surface the dashboard uses
type Source interface {
	Overview(ctx context.Context) (control.Overview, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.PendingTask, error)
	ListConflicts(ctx context.Context) ([]storage.Conflict, error)
	GetModelStatus() []inference.ModelInfo
	SetPaused(paused bool) (settings.Settings, error)
	SyncNow(ctx context.Context) (control.SyncResult, error)
	RecordActivity()
}

var _ Source = (*control.Surface)(nil)

type snapshotMsg struct {
	overview  control.Overview
	tasks     []storage.PendingTask
	conflicts []storage.Conflict
	models    []inference.ModelInfo
	err       error
}

type eventMsg events.Event

type tickMsg time.Time

type syncDoneMsg struct {
	result control.SyncResult
	err    error
}

// App 仪表盘主模型
// App is the dashboard model
type App struct {
	width       int
	height      int
	activePanel PanelID

	view    viewport.Model
	spinner spinner.Model

	overview   control.Overview
	tasks      []storage.PendingTask
	conflicts  []storage.Conflict
	models     []inference.ModelInfo
	eventLines []string
	loaded     bool
	syncing    bool
	lastError  string

	src    Source
	events <-chan events.Event
	theme  Theme
	keys   KeyMap
	locale *i18n.I18n
}

// NewApp 创建仪表盘模型；evs 可以为 nil
// NewApp builds the dashboard. evs may be nil, in which case the
// dashboard only refreshes on its timer.
func NewApp(src Source, evs <-chan events.Event, locale *i18n.I18n) App {
	if locale == nil {
		locale = i18n.Global()
	}
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	return App{
		src:     src,
		events:  evs,
		spinner: sp,
		view:    viewport.New(0, 0),
		theme:   DarkTheme(),
		keys:    DefaultKeyMap(),
		locale:  locale,
	}
}

func (a App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), tick(), a.waitEvent(), a.spinner.Tick)
}

func (a App) refresh() tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		var m snapshotMsg
		if m.overview, m.err = src.Overview(ctx); m.err != nil {
			return m
		}
		if m.tasks, m.err = src.ListTasks(ctx, storage.TaskFilter{Limit: taskListLimit}); m.err != nil {
			return m
		}
		if m.conflicts, m.err = src.ListConflicts(ctx); m.err != nil {
			return m
		}
		m.models = src.GetModelStatus()
		return m
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a App) waitEvent() tea.Cmd {
	ch := a.events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (a App) syncNow() tea.Cmd {
	src := a.src
	return func() tea.Msg {
		res, err := src.SyncNow(context.Background())
		return syncDoneMsg{result: res, err: err}
	}
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.relayout()
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), tick())

	case snapshotMsg:
		if msg.err != nil {
			a.lastError = msg.err.Error()
			return a, nil
		}
		a.overview = msg.overview
		a.tasks = msg.tasks
		a.conflicts = msg.conflicts
		a.models = msg.models
		a.loaded = true
		a.lastError = ""
		a.syncView()
		return a, nil

	case eventMsg:
		return a.handleEvent(events.Event(msg))

	case syncDoneMsg:
		a.syncing = false
		switch {
		case msg.err != nil:
			a.lastError = msg.err.Error()
		case msg.result.Error != "":
			a.lastError = msg.result.Error
		default:
			a.lastError = ""
		}
		if msg.err == nil {
			rep := msg.result.Report
			a.appendLine(time.Now(), events.KindSync, a.locale.T("sync.report",
				rep.Result, rep.Uploaded, rep.Downloaded, rep.Conflicts))
		}
		a.syncView()
		return a, a.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	a.src.RecordActivity()
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.SwitchPanel):
		a.activePanel = (a.activePanel + 1) % panelCount
		a.syncView()
		a.view.GotoTop()
		return a, nil

	case key.Matches(msg, a.keys.Pause):
		cfg, err := a.src.SetPaused(!a.overview.Paused)
		if err != nil {
			a.lastError = err.Error()
			return a, nil
		}
		a.overview.Paused = cfg.Paused
		return a, a.refresh()

	case key.Matches(msg, a.keys.Sync):
		if a.syncing {
			return a, nil
		}
		a.syncing = true
		a.appendLine(time.Now(), events.KindSync, a.locale.T("sync.started"))
		a.syncView()
		return a, a.syncNow()

	case key.Matches(msg, a.keys.Refresh):
		return a, a.refresh()
	}

	var cmd tea.Cmd
	a.view, cmd = a.view.Update(msg)
	return a, cmd
}

func (a App) handleEvent(ev events.Event) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{a.waitEvent()}
	switch data := ev.Data.(type) {
	case metrics.Snapshot:
		// Samples arrive every few seconds; they update the system panel
		// but stay out of the event log.
		a.overview.Metrics = data
		return a, tea.Batch(cmds...)
	case settings.Settings:
		a.overview.Paused = data.Paused
		a.overview.Offline = data.OfflineMode
		a.overview.Limits = data.ResourceLimits
		a.appendLine(ev.At, ev.Kind, fmt.Sprintf("paused=%t offline=%t", data.Paused, data.OfflineMode))
	case scheduler.TaskEvent:
		line := fmt.Sprintf("%s %s %s", shortID(data.ID), data.Type, data.Status)
		if data.Error != "" {
			line += ": " + data.Error
		}
		a.appendLine(ev.At, ev.Kind, line)
		cmds = append(cmds, a.refresh())
	case inference.DownloadProgress:
		a.setModelProgress(data)
		if data.Progress >= 1 {
			a.appendLine(ev.At, ev.Kind, a.locale.T("model.downloaded", data.ModelID))
			cmds = append(cmds, a.refresh())
		}
	default:
		a.appendLine(ev.At, ev.Kind, summarize(ev.Data))
		if ev.Kind == events.KindSync || ev.Kind == events.KindConflict {
			cmds = append(cmds, a.refresh())
		}
	}
	a.syncView()
	return a, tea.Batch(cmds...)
}

func (a *App) setModelProgress(p inference.DownloadProgress) {
	for i := range a.models {
		if a.models[i].ID != p.ModelID {
			continue
		}
		if p.Progress >= 1 {
			a.models[i].Downloaded = true
			a.models[i].DownloadProgress = nil
		} else {
			v := p.Progress
			a.models[i].DownloadProgress = &v
		}
	}
}

func (a *App) appendLine(at time.Time, kind events.Kind, text string) {
	line := fmt.Sprintf("%s %-8s %s", at.Local().Format("15:04:05"), kind, text)
	a.eventLines = append(a.eventLines, line)
	if n := len(a.eventLines); n > maxEventLines {
		a.eventLines = append([]string(nil), a.eventLines[n-maxEventLines:]...)
	}
}

func (a App) layout() (sideWidth, mainWidth, bodyHeight int) {
	bodyHeight = max(a.height-2, 1)
	if a.width < 80 {
		return a.width, 0, bodyHeight
	}
	sideWidth = min(max(a.width*2/5, 32), 48)
	return sideWidth, a.width - sideWidth - 2, bodyHeight
}

func (a *App) relayout() {
	_, mainWidth, bodyHeight := a.layout()
	// The main panel's left padding takes one column.
	a.view.Width = max(mainWidth-1, 1)
	a.view.Height = max(bodyHeight-2, 1)
	a.syncView()
}

func (a *App) syncView() {
	follow := a.activePanel == PanelEvents && a.view.AtBottom()
	a.view.SetContent(a.panelContent(a.view.Width))
	if follow {
		a.view.GotoBottom()
	}
}

func (a App) panelContent(width int) string {
	switch a.activePanel {
	case PanelTasks:
		return a.renderTasks(width)
	case PanelConflicts:
		return a.renderConflicts(width)
	case PanelModels:
		return a.renderModels(width)
	default:
		if len(a.eventLines) == 0 {
			return a.theme.MutedStyle.Render("-")
		}
		lines := make([]string, len(a.eventLines))
		for i, l := range a.eventLines {
			lines[i] = clip(l, width)
		}
		return strings.Join(lines, "\n")
	}
}

func (a App) renderTasks(width int) string {
	if len(a.tasks) == 0 {
		return a.theme.MutedStyle.Render(a.locale.T("task.none"))
	}
	cols := []int{8, 18, 9, 5}
	lines := make([]string, 0, len(a.tasks))
	for _, t := range a.tasks {
		retries := fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)
		line := row(width, cols, shortID(t.ID), string(t.Type), string(t.Status), retries, t.LastError)
		switch t.Status {
		case storage.TaskFailed:
			line = a.theme.ErrorStyle.Render(line)
		case storage.TaskRunning:
			line = a.theme.SuccessStyle.Render(line)
		case storage.TaskCompleted, storage.TaskCancelled:
			line = a.theme.MutedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a App) renderConflicts(width int) string {
	if len(a.conflicts) == 0 {
		return a.theme.MutedStyle.Render(a.locale.T("conflict.none"))
	}
	cols := []int{8, 10, 14}
	lines := make([]string, 0, len(a.conflicts))
	for _, c := range a.conflicts {
		lines = append(lines, row(width, cols, shortID(c.ID), string(c.EntityType),
			humanize.Time(c.DetectedAt), c.EntityID))
	}
	return strings.Join(lines, "\n")
}

func (a App) renderModels(width int) string {
	if len(a.models) == 0 {
		return a.theme.MutedStyle.Render("-")
	}
	cols := []int{22, 2, 9}
	lines := make([]string, 0, len(a.models))
	for _, m := range a.models {
		state := a.locale.T("model.missing")
		style := a.theme.MutedStyle
		switch {
		case m.DownloadProgress != nil:
			state = a.locale.T("model.downloading", *m.DownloadProgress*100)
			style = a.theme.WarningStyle
		case m.Downloaded:
			state = a.locale.T("model.installed")
			style = a.theme.SuccessStyle
		}
		size := humanize.IBytes(m.SizeMB << 20)
		lines = append(lines, style.Render(row(width, cols, m.ID, fmt.Sprint(m.Tier), size, state)))
	}
	return strings.Join(lines, "\n")
}

func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "Initializing..."
	}
	sideWidth, mainWidth, bodyHeight := a.layout()

	side := a.theme.PanelStyle.
		Width(sideWidth).
		Height(bodyHeight).
		Render(a.renderSystem(sideWidth) + "\n\n" + a.renderSync(sideWidth))

	body := side
	if mainWidth > 0 {
		main := a.theme.SidebarStyle.
			Width(mainWidth).
			Height(bodyHeight).
			Render(a.renderTabs() + "\n\n" + a.view.View())
		body = lipgloss.JoinHorizontal(lipgloss.Top, side, main)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		a.renderHeader(),
		body,
		a.renderFooter(),
	)
}

func (a App) renderHeader() string {
	title := a.theme.TitleStyle.Render(" localagent ")
	var status string
	switch {
	case a.overview.Paused:
		status = a.theme.PausedStyle.Render(a.locale.T("status.paused"))
	case a.overview.Offline:
		status = a.theme.WarningStyle.Render(a.locale.T("status.offline"))
	default:
		status = a.theme.SuccessStyle.Render(a.locale.T("status.ready"))
	}
	counts := a.locale.T("task.counts",
		a.overview.Tasks[storage.TaskQueued],
		a.overview.Tasks[storage.TaskRunning],
		a.overview.Tasks[storage.TaskFailed])
	return lipgloss.NewStyle().MaxWidth(a.width).Render(title + " " + status + "  " + a.theme.MutedStyle.Render(counts))
}

func (a App) renderTabs() string {
	names := []string{"panel.tasks", "panel.conflicts", "panel.models", "panel.events"}
	tabs := make([]string, len(names))
	for i, n := range names {
		label := a.locale.T(n)
		if PanelID(i) == PanelConflicts && len(a.conflicts) > 0 {
			label = fmt.Sprintf("%s (%d)", label, len(a.conflicts))
		}
		if PanelID(i) == a.activePanel {
			tabs[i] = a.theme.ActiveTabStyle.Render(label)
		} else {
			tabs[i] = a.theme.InactiveTabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a App) renderSystem(width int) string {
	m := a.overview.Metrics
	l := a.overview.Limits
	heading := a.locale.T("panel.system")
	if m.Stale {
		heading += " (" + a.locale.T("metrics.stale") + ")"
	}
	barWidth := max(width-22, 4)
	label := func(k string) string { return fit(a.locale.T(k), 5) }

	parts := []string{a.theme.HeadingStyle.Render(heading)}
	parts = append(parts, fmt.Sprintf("%s %s %5.1f%%", label("metrics.cpu"),
		renderBar(m.CPUUsagePercent, l.MaxCPUPercent, barWidth, a.theme), m.CPUUsagePercent))
	parts = append(parts, fmt.Sprintf("%s %s %5.1f%%", label("metrics.ram"),
		renderBar(m.RAMUsagePercent, l.MaxRAMPercent, barWidth, a.theme), m.RAMUsagePercent))
	if m.GPUAvailable && m.GPUUsagePercent != nil {
		parts = append(parts, fmt.Sprintf("%s %s %5.1f%%", label("metrics.gpu"),
			renderBar(*m.GPUUsagePercent, l.MaxGPUPercent, barWidth, a.theme), *m.GPUUsagePercent))
	} else {
		parts = append(parts, label("metrics.gpu")+" "+a.theme.MutedStyle.Render(a.locale.T("metrics.no_gpu")))
	}
	parts = append(parts, clip(fmt.Sprintf("%s %s / %s",
		label("metrics.disk"),
		humanize.IBytes(m.DiskUsedMB<<20),
		humanize.IBytes((m.DiskUsedMB+m.DiskAvailableMB)<<20)), width))

	power := a.locale.T("metrics.ac")
	if m.OnBattery {
		power = a.locale.T("metrics.battery")
	}
	if m.BatteryPercent != nil {
		power += fmt.Sprintf(" %.0f%%", *m.BatteryPercent)
	}
	activity := a.locale.T("metrics.active")
	if m.IsIdle {
		activity = a.locale.T("metrics.idle", m.IdleSeconds)
	}
	parts = append(parts, clip(power+" · "+activity, width))
	parts = append(parts, a.theme.MutedStyle.Render(clip(a.locale.T("metrics.budget", l.MaxCPUPercent)+" · "+
		a.locale.T("status.reserved", a.overview.Reserved.CPU, a.overview.Reserved.RAM, a.overview.Reserved.Tasks), width)))
	return strings.Join(parts, "\n")
}

func (a App) renderSync(width int) string {
	st := a.overview.Sync
	heading := a.locale.T("panel.sync")
	state := a.locale.T("sync.state." + string(st.State))
	if a.syncing || st.IsSyncing {
		state = a.spinner.View() + " " + a.locale.T("sync.state.syncing")
	}
	stateStyle := a.theme.PanelStyle
	switch st.State {
	case syncer.StateFailed, syncer.StateDisconnected:
		stateStyle = a.theme.ErrorStyle
	case syncer.StateSucceeded:
		stateStyle = a.theme.SuccessStyle
	}

	parts := []string{a.theme.HeadingStyle.Render(heading) + " " + stateStyle.Render(state)}
	if st.LastSync != nil {
		parts = append(parts, clip(a.locale.T("sync.last", humanize.Time(*st.LastSync), st.LastSyncResult), width))
	} else {
		parts = append(parts, a.locale.T("sync.never"))
	}
	parts = append(parts, clip(a.locale.T("sync.pending", st.PendingUploads, st.PendingDownloads, len(st.Conflicts)), width))
	parts = append(parts, clip(a.locale.T("sync.transferred",
		humanize.Bytes(uint64(max(st.BytesUploaded, 0))),
		humanize.Bytes(uint64(max(st.BytesDownloaded, 0)))), width))
	if st.LastError != "" {
		parts = append(parts, a.theme.ErrorStyle.Render(clip(st.LastError, width)))
	}
	return strings.Join(parts, "\n")
}

func (a App) renderFooter() string {
	hints := make([]string, 0, 5)
	for _, k := range a.keys.footerKeys() {
		hints = append(hints, a.locale.T(k))
	}
	line := " " + strings.Join(hints, " · ")
	if a.lastError != "" {
		line += "  " + a.theme.ErrorStyle.Render(a.lastError)
	}
	return a.theme.StatusBarStyle.Width(a.width).MaxWidth(a.width).Render(line)
}

// Run 启动全屏仪表盘，直到用户退出或 ctx 取消
// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source, bus *events.Bus, locale *i18n.I18n) error {
	var evs <-chan events.Event
	if bus != nil {
		ch, cancel := bus.Subscribe(64)
		defer cancel()
		evs = ch
	}
	p := tea.NewProgram(NewApp(src, evs, locale), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
