package repl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"localagent/internal/control"
	"localagent/internal/inference"
	"localagent/internal/metrics"
	"localagent/internal/search"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

const previewRunes = 80

func (s *Shell) formatOverview(ov control.Overview) string {
	var b strings.Builder
	switch {
	case ov.Paused:
		fmt.Fprintf(&b, "**%s**\n\n", s.tr.T("status.paused"))
	case ov.Offline:
		fmt.Fprintf(&b, "**%s**\n\n", s.tr.T("status.offline"))
	default:
		fmt.Fprintf(&b, "**%s**\n\n", s.tr.T("status.ready"))
	}
	b.WriteString(s.formatMetrics(ov.Metrics, ov.Stats, ov.Limits))
	fmt.Fprintf(&b, "\n%s\n", s.tr.T("status.reserved", ov.Reserved.CPU, ov.Reserved.RAM, ov.Reserved.Tasks))

	fmt.Fprintf(&b, "\n## %s\n\n", s.tr.T("panel.sync"))
	b.WriteString(s.formatSync(ov.Sync))

	fmt.Fprintf(&b, "\n## %s\n\n", s.tr.T("panel.tasks"))
	fmt.Fprintf(&b, "%s\n", s.tr.T("task.counts",
		ov.Tasks[storage.TaskQueued], ov.Tasks[storage.TaskRunning], ov.Tasks[storage.TaskFailed]))
	for _, id := range ov.Running {
		fmt.Fprintf(&b, "- `%s`\n", id)
	}
	return b.String()
}

func (s *Shell) formatMetrics(m metrics.Snapshot, st metrics.Stats, lim settings.ResourceLimits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s", s.tr.T("panel.system"))
	if m.Stale {
		fmt.Fprintf(&b, " (%s)", s.tr.T("metrics.stale"))
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "- %s: %.1f%% (%s), %d cores\n", s.tr.T("metrics.cpu"), m.CPUUsagePercent,
		s.tr.T("metrics.budget", lim.MaxCPUPercent), m.CPUCount)
	fmt.Fprintf(&b, "- %s: %.1f%% of %s (%s)\n", s.tr.T("metrics.ram"), m.RAMUsagePercent,
		humanize.IBytes(m.RAMTotalMB<<20), s.tr.T("metrics.budget", lim.MaxRAMPercent))
	if m.GPUAvailable && m.GPUUsagePercent != nil {
		fmt.Fprintf(&b, "- %s: %.1f%%\n", s.tr.T("metrics.gpu"), *m.GPUUsagePercent)
	} else {
		fmt.Fprintf(&b, "- %s: %s\n", s.tr.T("metrics.gpu"), s.tr.T("metrics.no_gpu"))
	}
	fmt.Fprintf(&b, "- %s: %s used, %s free\n", s.tr.T("metrics.disk"),
		humanize.IBytes(m.DiskUsedMB<<20), humanize.IBytes(m.DiskAvailableMB<<20))
	switch {
	case m.BatteryPercent == nil:
		fmt.Fprintf(&b, "- %s\n", s.tr.T("metrics.ac"))
	case m.OnBattery:
		fmt.Fprintf(&b, "- %s: %.0f%%\n", s.tr.T("metrics.battery"), *m.BatteryPercent)
	default:
		fmt.Fprintf(&b, "- %s, %s %.0f%%\n", s.tr.T("metrics.ac"), s.tr.T("metrics.battery"), *m.BatteryPercent)
	}
	if m.IsIdle {
		fmt.Fprintf(&b, "- %s\n", s.tr.T("metrics.idle", m.IdleSeconds))
	} else {
		fmt.Fprintf(&b, "- %s\n", s.tr.T("metrics.active"))
	}
	if st.Samples > 0 {
		fmt.Fprintf(&b, "\navg CPU %.1f%% (peak %.1f%%), avg RAM %.1f%% (peak %.1f%%), idle %.0f%% of %d samples\n",
			st.AvgCPUPercent, st.PeakCPUPercent, st.AvgRAMPercent, st.PeakRAMPercent, st.IdlePercentage, st.Samples)
	}
	return b.String()
}

func (s *Shell) formatSync(st syncer.Status) string {
	var b strings.Builder
	state := s.tr.T("sync.state." + string(st.State))
	if st.LastSync != nil {
		fmt.Fprintf(&b, "%s: %s\n\n", state, s.tr.T("sync.last", humanize.Time(*st.LastSync), st.LastSyncResult))
	} else {
		fmt.Fprintf(&b, "%s: %s\n\n", state, s.tr.T("sync.never"))
	}
	fmt.Fprintf(&b, "%s\n\n", s.tr.T("sync.pending", st.PendingUploads, st.PendingDownloads, len(st.Conflicts)))
	fmt.Fprintf(&b, "%s\n", s.tr.T("sync.transferred",
		humanize.Bytes(uint64(st.BytesUploaded)), humanize.Bytes(uint64(st.BytesDownloaded))))
	if st.LastError != "" {
		fmt.Fprintf(&b, "\n%s\n", s.tr.T("error.generic", st.LastError))
	}
	return b.String()
}

func (s *Shell) formatCheck(c control.TaskCheck) string {
	if c.Allowed {
		return s.tr.T("allowed")
	}
	text := c.Reason
	if c.Code != "" && s.tr.Has(c.Code) {
		text = s.tr.T(c.Code, c.Args...)
	}
	if c.EstimatedWaitSeconds != nil {
		text += " (" + s.tr.T("deny.wait", fmt.Sprintf("%ds", *c.EstimatedWaitSeconds)) + ")"
	}
	return text
}

// formatSettings masks the API key.
func formatSettings(cfg settings.Settings) string {
	if cfg.APIKey != "" {
		cfg.APIKey = "********"
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return "```json\n" + string(data) + "\n```"
}

func (s *Shell) formatTasks(list []storage.PendingTask) string {
	if len(list) == 0 {
		return s.tr.T("task.none")
	}
	var b strings.Builder
	b.WriteString("| id | type | status | priority | retries | created | error |\n|---|---|---|---|---|---|---|\n")
	for _, t := range list {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %d/%d | %s | %s |\n",
			t.ID, t.Type, t.Status, t.Priority, t.RetryCount, t.MaxRetries,
			humanize.Time(t.CreatedAt), cell(t.LastError))
	}
	return b.String()
}

func (s *Shell) formatConflicts(list []storage.Conflict) string {
	if len(list) == 0 {
		return s.tr.T("conflict.none")
	}
	var b strings.Builder
	b.WriteString("| id | entity | detected |\n|---|---|---|\n")
	for _, c := range list {
		fmt.Fprintf(&b, "| `%s` | %s `%s` | %s |\n", c.ID, c.EntityType, c.EntityID, humanize.Time(c.DetectedAt))
	}
	return b.String()
}

func (s *Shell) formatModels(list []inference.ModelInfo) string {
	var b strings.Builder
	b.WriteString("| id | name | tier | size | status |\n|---|---|---|---|---|\n")
	for _, m := range list {
		status := s.tr.T("model.missing")
		switch {
		case m.DownloadProgress != nil:
			status = s.tr.T("model.downloading", *m.DownloadProgress)
		case m.Downloaded:
			status = s.tr.T("model.installed")
		}
		fmt.Fprintf(&b, "| `%s` | %s | %d | %s | %s |\n", m.ID, m.Name, m.Tier, humanize.IBytes(m.SizeMB<<20), status)
	}
	return b.String()
}

func formatMemories(list []storage.LocalMemory) string {
	if len(list) == 0 {
		return "-"
	}
	var b strings.Builder
	b.WriteString("| id | type | content | synced |\n|---|---|---|---|\n")
	for _, m := range list {
		synced := "no"
		if !m.PendingSync {
			synced = "yes"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n", m.ID, m.MemoryType, cell(preview(m.Content)), synced)
	}
	return b.String()
}

func formatResults(list []search.Result) string {
	if len(list) == 0 {
		return "-"
	}
	var b strings.Builder
	for i, r := range list {
		fmt.Fprintf(&b, "%d. **%.3f** %s `%s`\n", i+1, r.Score, preview(r.Memory.Content), r.Memory.ID)
	}
	return b.String()
}

func formatSessions(list []storage.LocalSession) string {
	if len(list) == 0 {
		return "-"
	}
	var b strings.Builder
	b.WriteString("| id | type | messages | updated |\n|---|---|---|---|\n")
	for _, sess := range list {
		fmt.Fprintf(&b, "| `%s` | %s | %d | %s |\n", sess.ID, sess.SessionType, len(sess.Messages), humanize.Time(sess.UpdatedAt))
	}
	return b.String()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes-1]) + "…"
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}
