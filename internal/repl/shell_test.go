package repl

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"localagent/internal/control/controltest"
	"localagent/internal/errs"
	"localagent/internal/i18n"
	"localagent/internal/settings"
)

func newTestShell(t *testing.T, asJSON bool) (*Shell, *controltest.Harness, *bytes.Buffer) {
	t.Helper()
	h := controltest.New(t)
	var out bytes.Buffer
	sh := New(h.Surface, Options{Out: &out, Translator: i18n.New("en"), JSON: asJSON})
	return sh, h, &out
}

func TestExecHelpAndUnknown(t *testing.T) {
	sh, _, out := newTestShell(t, false)
	ctx := context.Background()

	require.NoError(t, sh.Exec(ctx, "/help"))
	require.Contains(t, out.String(), "/status")
	require.Contains(t, out.String(), "/resolve <id>")

	err := sh.Exec(ctx, "/teleport")
	require.True(t, errs.IsValidation(err))
	require.Equal(t, "Unknown command: /teleport", sh.DescribeError(err))

	err = sh.Exec(ctx, "/check 5")
	require.Contains(t, sh.DescribeError(err), "Usage: /check")

	require.ErrorIs(t, sh.Exec(ctx, "/exit"), ErrQuit)
	require.Contains(t, sh.CommandNames(), "/exit")
}

func TestExecSettings(t *testing.T) {
	sh, h, out := newTestShell(t, false)
	ctx := context.Background()

	require.NoError(t, sh.Exec(ctx, "/set max_cpu_percent 50"))
	require.Equal(t, 50.0, h.Surface.GetSettings().MaxCPUPercent)
	require.Contains(t, out.String(), "Settings updated")

	require.NoError(t, sh.Exec(ctx, "/set remote_endpoint http://sync.local:9000"))
	require.Equal(t, "http://sync.local:9000", h.Surface.GetSettings().RemoteEndpoint)

	err := sh.Exec(ctx, "/set max_cpu_percent 95")
	require.True(t, errs.IsValidation(err))
	err = sh.Exec(ctx, "/set warp_drive true")
	require.True(t, errs.IsValidation(err), "err=%v", err)

	require.NoError(t, sh.Exec(ctx, "/pause"))
	require.True(t, h.Surface.GetSettings().Paused)
	require.Contains(t, sh.prompt(), "Paused")
	require.NoError(t, sh.Exec(ctx, "/resume"))
	require.Equal(t, "localagent> ", sh.prompt())

	require.NoError(t, sh.Exec(ctx, "/lang da"))
	require.Equal(t, "da", h.Surface.GetSettings().Locale)
	require.Equal(t, "da", sh.tr.Locale())
}

func TestParsePatch(t *testing.T) {
	p, err := parsePatch("idle_only", "false")
	require.NoError(t, err)
	require.NotNil(t, p.IdleOnly)
	require.False(t, *p.IdleOnly)

	p, err = parsePatch("api_key", "abc def")
	require.NoError(t, err)
	require.Equal(t, "abc def", *p.APIKey)

	_, err = parsePatch("max_cpu_percent", `"lots"`)
	require.Error(t, err)
}

func TestExecCheckLocalizesDenial(t *testing.T) {
	sh, _, out := newTestShell(t, false)
	require.NoError(t, sh.Exec(context.Background(), "/check 5 5"))
	require.Contains(t, out.String(), "Waiting for system idle")
	require.Contains(t, out.String(), "retry in 120s")
}

func TestExecMemoriesAndSearch(t *testing.T) {
	sh, h, out := newTestShell(t, false)
	ctx := context.Background()
	h.Service.Vectors = map[string][]float32{"oat milk": {1, 0, 0}}

	require.NoError(t, sh.Exec(ctx, "/remember buy oat milk"))
	require.NoError(t, sh.Exec(ctx, "/memories"))
	require.Contains(t, out.String(), "buy oat milk")

	out.Reset()
	require.NoError(t, sh.Exec(ctx, "/tasks queued"))
	require.Contains(t, out.String(), "generate_embedding")

	// A memory without an embedding is not searchable yet.
	out.Reset()
	require.NoError(t, sh.Exec(ctx, "oat milk"))
	require.Equal(t, "-\n", out.String())

	err := sh.Exec(ctx, "/cancel nope")
	require.Contains(t, sh.DescribeError(err), "Not found")
}

func TestExecJSONOutput(t *testing.T) {
	sh, _, out := newTestShell(t, true)
	require.NoError(t, sh.Exec(context.Background(), "/settings"))
	var got settings.Settings
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, settings.Default(), got)
}

func TestExecSyncReportsDisconnect(t *testing.T) {
	sh, h, _ := newTestShell(t, false)
	h.Remote.SetDown(true)
	err := sh.Exec(context.Background(), "/sync")
	require.True(t, errs.IsNetwork(err), "err=%v", err)
	require.True(t, strings.HasPrefix(sh.DescribeError(err), "Remote unavailable"))
}

func TestRunReadsUntilQuit(t *testing.T) {
	sh, _, out := newTestShell(t, false)
	in := NewBasicLineInput(strings.NewReader("/status\n\n/nope\n/quit\n/status\n"), nil)

	require.NoError(t, sh.Run(context.Background(), in))
	text := out.String()
	require.Contains(t, text, "Type /help for commands")
	require.Contains(t, text, "Ready")
	require.Contains(t, text, "Unknown command: /nope")
	require.Equal(t, 1, strings.Count(text, "## System"), "commands after /quit must not run")
	require.True(t, strings.HasSuffix(text, "Bye\n"))
}

func TestRunStopsAtEOF(t *testing.T) {
	sh, _, out := newTestShell(t, false)
	require.NoError(t, sh.Run(context.Background(), NewBasicLineInput(strings.NewReader("/pending"), nil)))
	require.Contains(t, out.String(), "Pending: 0 up, 0 down, 0 conflicts")
	require.True(t, strings.HasSuffix(out.String(), "Bye\n"))
}

func TestCommandsListsEachCommandOnce(t *testing.T) {
	sh := New(nil, Options{Translator: i18n.New("en")})
	cmds := sh.Commands()
	require.Equal(t, "/help", cmds[0].Name)

	seen := map[string]bool{}
	for _, c := range cmds {
		require.False(t, seen[c.Name], "duplicate %s", c.Name)
		seen[c.Name] = true
		require.NotEmpty(t, c.Help)
	}
	require.False(t, seen["/exit"], "aliases are not listed")
	require.True(t, seen["/resolve"])
}
