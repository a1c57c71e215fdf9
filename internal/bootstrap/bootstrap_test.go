package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"localagent/internal/config"
	"localagent/internal/settings"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.BaseDir = filepath.Join(dir, "data")
	cfg.Sampler.DiskPath = dir
	cfg.Media.Roots = []string{dir}
	cfg.API.Listen = ""
	return cfg
}

func TestBuildWiresSurface(t *testing.T) {
	rt, err := Build(testConfig(t), nil)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Surface)
	require.Nil(t, rt.API, "empty listen disables the API")
	require.Equal(t, settings.Default(), rt.Surface.GetSettings())
	require.FileExists(t, rt.Config.SettingsPath())
	require.Nil(t, rt.APIAddr())
}

func TestBuildRejectsMissingMediaRoots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Media.Roots = nil
	_, err := Build(cfg, nil)
	require.Error(t, err)
}

func TestStartServesAPIAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
	cfg := testConfig(t)
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Sync.StartupDelayMS = int(time.Hour / time.Millisecond)

	rt, err := Build(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	require.Error(t, rt.Start(context.Background()), "second start")

	addr := rt.APIAddr()
	require.NotNil(t, addr)
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr.String() + "/api/v1/settings")
	require.NoError(t, err)
	var got settings.Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Equal(t, settings.Default(), got)

	require.NoError(t, rt.Close())
}
