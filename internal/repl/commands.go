package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"localagent/internal/control"
	"localagent/internal/errs"
	"localagent/internal/i18n"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

type command struct {
	name    string
	aliases []string
	usage   string
	help    string
	minArgs int
	run     func(ctx context.Context, args []string) (any, string, error)
}

func (s *Shell) add(c *command) {
	if s.commands == nil {
		s.commands = make(map[string]*command)
	}
	s.commands[c.name] = c
	for _, a := range c.aliases {
		s.commands[a] = c
	}
	s.order = append(s.order, c)
}

func (s *Shell) register() {
	s.add(&command{name: "/help", usage: "/help", help: "list commands", run: s.cmdHelp})
	s.add(&command{name: "/quit", aliases: []string{"/exit"}, usage: "/quit", help: "leave the shell",
		run: func(context.Context, []string) (any, string, error) { return nil, "", ErrQuit }})

	s.add(&command{name: "/status", usage: "/status", help: "system, sync and task overview", run: s.cmdStatus})
	s.add(&command{name: "/metrics", usage: "/metrics", help: "latest host sample and averages", run: s.cmdMetrics})
	s.add(&command{name: "/check", usage: "/check <cpu%> <ram%> [gpu]", help: "ask whether work could start now", minArgs: 2, run: s.cmdCheck})

	s.add(&command{name: "/settings", usage: "/settings", help: "show settings", run: s.cmdSettings})
	s.add(&command{name: "/set", usage: "/set <key> <value>", help: "change one setting", minArgs: 2, run: s.cmdSet})
	s.add(&command{name: "/reset", usage: "/reset", help: "restore default settings", run: s.cmdReset})
	s.add(&command{name: "/pause", usage: "/pause", help: "pause background work", run: s.cmdPause(true)})
	s.add(&command{name: "/resume", usage: "/resume", help: "resume background work", run: s.cmdPause(false)})
	s.add(&command{name: "/lang", usage: "/lang <en|da>", help: "switch display language", minArgs: 1, run: s.cmdLang})

	s.add(&command{name: "/sync", usage: "/sync", help: "run a sync pass now", run: s.cmdSync})
	s.add(&command{name: "/pending", usage: "/pending", help: "count unsynced changes", run: s.cmdPending})
	s.add(&command{name: "/conflicts", usage: "/conflicts", help: "list open conflicts", run: s.cmdConflicts})
	s.add(&command{name: "/resolve", usage: "/resolve <id> <keep_local|keep_remote|merge>", help: "resolve a conflict", minArgs: 2, run: s.cmdResolve})

	s.add(&command{name: "/tasks", usage: "/tasks [status,...]", help: "list background tasks", run: s.cmdTasks})
	s.add(&command{name: "/queue", usage: "/queue <task_type> [json payload]", help: "queue a background task", minArgs: 1, run: s.cmdQueue})
	s.add(&command{name: "/cancel", usage: "/cancel <task id>", help: "cancel a task", minArgs: 1, run: s.cmdCancel})

	s.add(&command{name: "/remember", usage: "/remember <text>", help: "save a memory", minArgs: 1, run: s.cmdRemember})
	s.add(&command{name: "/memories", usage: "/memories [type]", help: "list memories", run: s.cmdMemories})
	s.add(&command{name: "/forget", usage: "/forget <memory id>", help: "delete a memory", minArgs: 1, run: s.cmdForget})
	s.add(&command{name: "/search", usage: "/search <text>", help: "semantic memory search", minArgs: 1, run: s.cmdSearch})
	s.add(&command{name: "/sessions", usage: "/sessions", help: "list sessions", run: s.cmdSessions})

	s.add(&command{name: "/embed", usage: "/embed <text>", help: "embed text", minArgs: 1, run: s.cmdEmbed})
	s.add(&command{name: "/transcribe", usage: "/transcribe <path> [language]", help: "transcribe an audio file", minArgs: 1, run: s.cmdTranscribe})
	s.add(&command{name: "/ocr", usage: "/ocr <path>", help: "extract text from an image", minArgs: 1, run: s.cmdOCR})
	s.add(&command{name: "/models", usage: "/models", help: "model install status", run: s.cmdModels})
	s.add(&command{name: "/download", usage: "/download <model id>", help: "download a model", minArgs: 1, run: s.cmdDownload})
}

func (s *Shell) cmdHelp(context.Context, []string) (any, string, error) {
	var b strings.Builder
	b.WriteString("| command | |\n|---|---|\n")
	for _, c := range s.order {
		fmt.Fprintf(&b, "| `%s` | %s |\n", c.usage, c.help)
	}
	return nil, b.String(), nil
}

func (s *Shell) cmdStatus(ctx context.Context, _ []string) (any, string, error) {
	ov, err := s.surface.Overview(ctx)
	if err != nil {
		return nil, "", err
	}
	return ov, s.formatOverview(ov), nil
}

func (s *Shell) cmdMetrics(context.Context, []string) (any, string, error) {
	snap, stats := s.surface.GetSystemMetrics(), s.surface.GetMetricsStats()
	out := struct {
		Snapshot any `json:"snapshot"`
		Stats    any `json:"stats"`
	}{snap, stats}
	return out, s.formatMetrics(snap, stats, s.surface.GetResourceLimits()), nil
}

func (s *Shell) cmdCheck(_ context.Context, args []string) (any, string, error) {
	cpu, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, "", errs.Invalid("cpu", "not a number: %q", args[0])
	}
	ram, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, "", errs.Invalid("ram", "not a number: %q", args[1])
	}
	gpu := len(args) > 2 && (args[2] == "gpu" || args[2] == "true")
	check := s.surface.CanExecuteTask(cpu, ram, gpu)
	return check, s.formatCheck(check), nil
}

func (s *Shell) cmdSettings(context.Context, []string) (any, string, error) {
	cfg := s.surface.GetSettings()
	return cfg, formatSettings(cfg), nil
}

func (s *Shell) cmdSet(_ context.Context, args []string) (any, string, error) {
	p, err := parsePatch(args[0], strings.Join(args[1:], " "))
	if err != nil {
		return nil, "", err
	}
	cfg, err := s.surface.UpdateSettings(p)
	if err != nil {
		return nil, "", err
	}
	return cfg, s.tr.T("settings.updated"), nil
}

// parsePatch turns "key value" into a Patch through its JSON form, so key
// names match the settings file. Values that are not valid JSON are
// taken as strings.
func parsePatch(key, value string) (settings.Patch, error) {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	raw, err := json.Marshal(map[string]any{key: v})
	if err != nil {
		return settings.Patch{}, errs.Invalid(key, "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p settings.Patch
	if err := dec.Decode(&p); err != nil {
		return settings.Patch{}, errs.Invalid(key, "%v", err)
	}
	return p, nil
}

func (s *Shell) cmdReset(context.Context, []string) (any, string, error) {
	cfg, err := s.surface.ResetSettings()
	if err != nil {
		return nil, "", err
	}
	return cfg, s.tr.T("settings.reset"), nil
}

func (s *Shell) cmdPause(paused bool) func(context.Context, []string) (any, string, error) {
	return func(context.Context, []string) (any, string, error) {
		cfg, err := s.surface.SetPaused(paused)
		if err != nil {
			return nil, "", err
		}
		if paused {
			return cfg, s.tr.T("settings.paused"), nil
		}
		return cfg, s.tr.T("settings.resumed"), nil
	}
}

func (s *Shell) cmdLang(_ context.Context, args []string) (any, string, error) {
	locale := strings.ToLower(args[0])
	cfg, err := s.surface.UpdateSettings(settings.Patch{Locale: &locale})
	if err != nil {
		return nil, "", err
	}
	s.tr = i18n.New(cfg.Locale)
	return cfg, s.tr.T("settings.updated"), nil
}

func (s *Shell) cmdSync(ctx context.Context, _ []string) (any, string, error) {
	res, err := s.surface.SyncNow(ctx)
	if err != nil {
		return nil, "", err
	}
	text := s.tr.T("sync.report", res.Result, res.Report.Uploaded, res.Report.Downloaded, res.Report.Conflicts)
	if res.Error != "" {
		text += "\n\n" + s.tr.T("error.generic", res.Error)
	}
	return res, text, nil
}

func (s *Shell) cmdPending(ctx context.Context, _ []string) (any, string, error) {
	p, err := s.surface.GetPendingChanges(ctx)
	if err != nil {
		return nil, "", err
	}
	return p, s.tr.T("sync.pending", p.Uploads, p.Downloads, p.Conflicts), nil
}

func (s *Shell) cmdConflicts(ctx context.Context, _ []string) (any, string, error) {
	list, err := s.surface.ListConflicts(ctx)
	if err != nil {
		return nil, "", err
	}
	return list, s.formatConflicts(list), nil
}

func (s *Shell) cmdResolve(ctx context.Context, args []string) (any, string, error) {
	strategy := syncer.Strategy(args[1])
	if err := s.surface.ResolveConflict(ctx, args[0], strategy); err != nil {
		return nil, "", err
	}
	return map[string]string{"id": args[0], "strategy": string(strategy)}, s.tr.T("conflict.resolved", args[0], strategy), nil
}

func (s *Shell) cmdTasks(ctx context.Context, args []string) (any, string, error) {
	var f storage.TaskFilter
	if len(args) > 0 {
		for _, st := range strings.Split(args[0], ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, storage.TaskStatus(st))
			}
		}
	}
	f.Limit = 50
	list, err := s.surface.ListTasks(ctx, f)
	if err != nil {
		return nil, "", err
	}
	return list, s.formatTasks(list), nil
}

func (s *Shell) cmdQueue(ctx context.Context, args []string) (any, string, error) {
	req := control.TaskRequest{Type: storage.TaskType(args[0])}
	if len(args) > 1 {
		req.Payload = json.RawMessage(strings.Join(args[1:], " "))
	}
	t, err := s.surface.QueueTask(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return t, s.tr.T("task.queued", t.ID), nil
}

func (s *Shell) cmdCancel(ctx context.Context, args []string) (any, string, error) {
	st, err := s.surface.CancelTask(ctx, args[0])
	if err != nil {
		return nil, "", err
	}
	return map[string]string{"id": args[0], "status": string(st)}, s.tr.T("task.cancelled", args[0], st), nil
}

func (s *Shell) cmdRemember(ctx context.Context, args []string) (any, string, error) {
	m, err := s.surface.SaveMemory(ctx, control.MemoryInput{Content: strings.Join(args, " ")})
	if err != nil {
		return nil, "", err
	}
	return m, fmt.Sprintf("`%s` %s", m.ID, m.Content), nil
}

func (s *Shell) cmdMemories(ctx context.Context, args []string) (any, string, error) {
	f := storage.MemoryFilter{Limit: 50}
	if len(args) > 0 {
		f.MemoryType = args[0]
	}
	list, err := s.surface.ListMemories(ctx, f)
	if err != nil {
		return nil, "", err
	}
	return list, formatMemories(list), nil
}

func (s *Shell) cmdForget(ctx context.Context, args []string) (any, string, error) {
	if err := s.surface.DeleteMemory(ctx, args[0]); err != nil {
		return nil, "", err
	}
	return map[string]string{"deleted": args[0]}, "", nil
}

func (s *Shell) cmdSearch(ctx context.Context, args []string) (any, string, error) {
	res, err := s.surface.SearchMemories(ctx, control.SearchRequest{Text: strings.Join(args, " ")})
	if err != nil {
		return nil, "", err
	}
	return res, formatResults(res), nil
}

func (s *Shell) cmdSessions(ctx context.Context, _ []string) (any, string, error) {
	list, err := s.surface.ListSessions(ctx, 50)
	if err != nil {
		return nil, "", err
	}
	return list, formatSessions(list), nil
}

func (s *Shell) cmdEmbed(ctx context.Context, args []string) (any, string, error) {
	res, err := s.surface.GenerateEmbedding(ctx, strings.Join(args, " "))
	if err != nil {
		return nil, "", err
	}
	return res, fmt.Sprintf("%d dimensions, model `%s`, %d ms", len(res.Embedding), res.ModelUsed, res.ProcessingTimeMS), nil
}

func (s *Shell) cmdTranscribe(ctx context.Context, args []string) (any, string, error) {
	lang := ""
	if len(args) > 1 {
		lang = args[1]
	}
	res, err := s.surface.TranscribeAudio(ctx, args[0], lang)
	if err != nil {
		return nil, "", err
	}
	return res, res.Text, nil
}

func (s *Shell) cmdOCR(ctx context.Context, args []string) (any, string, error) {
	res, err := s.surface.ExtractText(ctx, args[0])
	if err != nil {
		return nil, "", err
	}
	return res, res.Text, nil
}

func (s *Shell) cmdModels(context.Context, []string) (any, string, error) {
	list := s.surface.GetModelStatus()
	return list, s.formatModels(list), nil
}

func (s *Shell) cmdDownload(ctx context.Context, args []string) (any, string, error) {
	if err := s.surface.DownloadModel(ctx, args[0]); err != nil {
		return nil, "", err
	}
	return map[string]string{"downloaded": args[0]}, s.tr.T("model.downloaded", args[0]), nil
}
