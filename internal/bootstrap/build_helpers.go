package bootstrap

import (
	"context"
	"fmt"
	"time"

	"localagent/internal/config"
	"localagent/internal/inference"
	"localagent/internal/remote"
	"localagent/internal/scheduler"
	"localagent/internal/security"
	"localagent/internal/settings"
	"localagent/internal/syncer"
)

func mediaRoots(cfg config.Config) (*security.MediaRoots, error) {
	roots, err := security.NewMediaRoots(cfg.Media.Roots...)
	if err != nil {
		return nil, fmt.Errorf("init media roots: %w", err)
	}
	return roots, nil
}

// newRemote reads endpoint and key from settings on every request, so an
// edit takes effect without a restart.
func newRemote(cfg config.Config, mgr *settings.Manager) *remote.HTTPClient {
	return remote.NewHTTPClient(func() (string, string) {
		s := mgr.Get()
		return s.RemoteEndpoint, s.APIKey
	}, remote.HTTPOptions{
		Timeout:          config.Duration(cfg.Remote.TimeoutMS),
		UploadRatePerSec: cfg.Remote.UploadRatePerSec,
		UploadBurst:      cfg.Remote.UploadBurst,
		Compress:         cfg.Remote.Compress,
	})
}

func newService(cfg config.Config) *inference.OpenAIClient {
	return inference.NewOpenAIClient(inference.OpenAIConfig{
		BaseURL:             cfg.Provider.BaseURL,
		APIKey:              cfg.Provider.APIKey,
		EmbeddingModel:      cfg.Provider.EmbeddingModel,
		TranscriptionModel:  cfg.Provider.TranscriptionModel,
		OCRModel:            cfg.Provider.OCRModel,
		TimeoutMS:           cfg.Provider.TimeoutMS,
		MaxRetries:          cfg.Provider.MaxRetries,
		EmbeddingTokenLimit: cfg.Provider.EmbeddingTokenLimit,
	})
}

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }

// followSettings wakes the scheduler on every settings change, since a
// resume or a raised limit can unblock queued work, and triggers a sync
// pass when offline mode is switched off.
func followSettings(ctx context.Context, mgr *settings.Manager, sched *scheduler.Scheduler, eng *syncer.Engine) {
	ch, cancel := mgr.Subscribe()
	defer cancel()
	prev := mgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			sched.Wake()
			if prev.OfflineMode && !s.OfflineMode {
				eng.Trigger()
			}
			prev = s
		}
	}
}
