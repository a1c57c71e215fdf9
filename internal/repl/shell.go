// Package repl 是交互式命令行：以斜杠命令调用控制面，并用 glamour 渲染结果。
// Package repl is the interactive shell. Slash commands call the control
// surface and results are rendered as markdown through glamour. The same
// dispatcher backs the one-shot CLI subcommands.
package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"

	"localagent/internal/control"
	"localagent/internal/errs"
	"localagent/internal/i18n"
)

// ErrQuit is returned by Exec for /quit.
var ErrQuit = errors.New("quit")

type Options struct {
	Out        io.Writer
	Translator *i18n.I18n
	// Markdown renders output through glamour; otherwise the markdown
	// source is printed as is.
	Markdown bool
	// JSON prints command results as indented JSON instead of text.
	JSON  bool
	Width int
}

type Shell struct {
	surface  *control.Surface
	out      io.Writer
	tr       *i18n.I18n
	renderer *glamour.TermRenderer
	json     bool

	commands map[string]*command
	order    []*command
}

func New(surface *control.Surface, opts Options) *Shell {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	tr := opts.Translator
	if tr == nil {
		tr = i18n.Global()
	}
	s := &Shell{surface: surface, out: out, tr: tr, json: opts.JSON}
	if opts.Markdown && !opts.JSON {
		width := opts.Width
		if width <= 0 {
			width = 100
		}
		if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width)); err == nil {
			s.renderer = r
		}
	}
	s.register()
	return s
}

// CommandNames lists every command and alias, for completion.
func (s *Shell) CommandNames() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandInfo describes one shell command for other front ends.
type CommandInfo struct {
	Name    string
	Usage   string
	Help    string
	MinArgs int
}

// Commands lists the commands in help order, without aliases.
func (s *Shell) Commands() []CommandInfo {
	out := make([]CommandInfo, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, CommandInfo{Name: c.name, Usage: c.usage, Help: c.help, MinArgs: c.minArgs})
	}
	return out
}

// Exec runs one command line and prints its result. Lines without a
// leading slash are treated as a memory search.
func (s *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		line = "/search " + line
	}
	fields := strings.Fields(line)
	cmd, ok := s.commands[fields[0]]
	if !ok {
		return errs.Invalid("command", "%s", s.tr.T("repl.unknown", fields[0]))
	}
	args := fields[1:]
	if len(args) < cmd.minArgs {
		return errs.Invalid("command", "%s", s.tr.T("repl.usage", cmd.usage))
	}
	result, text, err := cmd.run(ctx, args)
	if err != nil {
		return err
	}
	if s.json && result != nil {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	}
	s.print(text)
	return nil
}

// Run reads commands from in until EOF or /quit. Every line counts as user
// activity for idle detection.
func (s *Shell) Run(ctx context.Context, in LineInput) error {
	s.print(s.tr.T("repl.welcome"))
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadLine(s.prompt())
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(s.out, s.tr.T("repl.bye"))
			return nil
		case err != nil:
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.surface.RecordActivity()
		if err := s.Exec(ctx, line); err != nil {
			if errors.Is(err, ErrQuit) {
				fmt.Fprintln(s.out, s.tr.T("repl.bye"))
				return nil
			}
			fmt.Fprintln(s.out, s.DescribeError(err))
		}
	}
}

func (s *Shell) prompt() string {
	cfg := s.surface.GetSettings()
	switch {
	case cfg.Paused:
		return "localagent [" + s.tr.T("status.paused") + "]> "
	case cfg.OfflineMode:
		return "localagent [" + s.tr.T("status.offline") + "]> "
	}
	return "localagent> "
}

func (s *Shell) print(md string) {
	if md == "" {
		return
	}
	if s.renderer != nil {
		if rendered, err := s.renderer.Render(md); err == nil {
			fmt.Fprintln(s.out, strings.TrimRight(rendered, "\n"))
			return
		}
	}
	fmt.Fprintln(s.out, strings.TrimRight(md, "\n"))
}

// DescribeError localizes err by its kind.
func (s *Shell) DescribeError(err error) string {
	var (
		verr *errs.ValidationError
		deny *errs.ResourceDeniedError
	)
	switch {
	case errors.As(err, &verr):
		if verr.Field == "command" {
			return verr.Message
		}
		return s.tr.T("error.validation", verr.Error())
	case errors.Is(err, errs.ErrNotFound):
		return s.tr.T("error.not_found", err.Error())
	case errors.As(err, &deny):
		return s.tr.T("error.denied", deny.Reason)
	case errs.IsNetwork(err):
		return s.tr.T("error.network", err.Error())
	}
	return s.tr.T("error.generic", err.Error())
}
