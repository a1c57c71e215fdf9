// Package jobs 实现调度器执行的后台任务：嵌入、转写、OCR、同步与知识预载。
// Package jobs implements the background task handlers run by the scheduler.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"localagent/internal/errs"
	"localagent/internal/inference"
	"localagent/internal/scheduler"
	"localagent/internal/security"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

type Store interface {
	GetMemory(ctx context.Context, id string) (storage.LocalMemory, bool, error)
	SaveMemory(ctx context.Context, m storage.LocalMemory) (storage.LocalMemory, error)
	SetMemoryEmbedding(ctx context.Context, id, hash string, vec []float32) (bool, error)
}

type Syncer interface {
	SyncNow(ctx context.Context) (syncer.Report, error)
}

type SettingsSource interface {
	Get() settings.Settings
}

type Registrar interface {
	Register(tt storage.TaskType, h scheduler.Handler)
}

// Handlers 持有任务执行所需的依赖。
// Handlers holds the collaborators every task handler needs.
type Handlers struct {
	store    Store
	svc      inference.Service
	sync     Syncer
	settings SettingsSource
	roots    *security.MediaRoots
	log      *zap.Logger
}

type Deps struct {
	Store    Store
	Service  inference.Service
	Syncer   Syncer
	Settings SettingsSource
	// Roots limits media paths; nil accepts any readable path.
	Roots  *security.MediaRoots
	Logger *zap.Logger
}

func New(d Deps) *Handlers {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		store:    d.Store,
		svc:      d.Service,
		sync:     d.Syncer,
		settings: d.Settings,
		roots:    d.Roots,
		log:      log.Named("jobs"),
	}
}

// RegisterAll wires every task type into r.
func (h *Handlers) RegisterAll(r Registrar) {
	r.Register(storage.TaskGenerateEmbedding, h.bounded(storage.TaskGenerateEmbedding, h.GenerateEmbedding))
	r.Register(storage.TaskTranscribeAudio, h.bounded(storage.TaskTranscribeAudio, h.TranscribeAudio))
	r.Register(storage.TaskExtractText, h.bounded(storage.TaskExtractText, h.ExtractText))
	r.Register(storage.TaskSyncMemory, h.bounded(storage.TaskSyncMemory, h.SyncMemory))
	r.Register(storage.TaskPreloadKnowledge, h.bounded(storage.TaskPreloadKnowledge, h.PreloadKnowledge))
}

func (h *Handlers) bounded(tt storage.TaskType, fn scheduler.HandlerFunc) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, t storage.PendingTask) error {
		ctx, cancel := context.WithTimeout(ctx, Timeout(tt))
		defer cancel()
		return fn(ctx, t)
	})
}

// GenerateEmbedding embeds the memory's current content. The vector is
// written only if the content did not change while embedding ran.
func (h *Handlers) GenerateEmbedding(ctx context.Context, t storage.PendingTask) error {
	if !h.settings.Get().EnableEmbeddings {
		return errs.Invalid("enable_embeddings", "embeddings are disabled")
	}
	var p EmbeddingPayload
	if err := storage.UnmarshalPayload(t.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	m, ok, err := h.store.GetMemory(ctx, p.MemoryID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("memory", p.MemoryID)
	}
	res, err := h.svc.Embed(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("embed memory %s: %w", m.ID, err)
	}
	stored, err := h.store.SetMemoryEmbedding(ctx, m.ID, m.ContentHash, res.Embedding)
	if err != nil {
		return err
	}
	if !stored {
		h.log.Info("memory changed during embedding, vector dropped", zap.String("memory", m.ID))
	}
	return nil
}

func (h *Handlers) TranscribeAudio(ctx context.Context, t storage.PendingTask) error {
	if !h.settings.Get().EnableTranscription {
		return errs.Invalid("enable_transcription", "transcription is disabled")
	}
	var p MediaPayload
	if err := storage.UnmarshalPayload(t.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	path, err := security.ValidatePath(p.Path, h.roots, security.AudioExtensions)
	if err != nil {
		return err
	}
	res, err := h.svc.Transcribe(ctx, path, p.Language)
	if err != nil {
		return fmt.Errorf("transcribe %s: %w", path, err)
	}
	return h.remember(ctx, res.Text, firstNonEmpty(p.MemoryType, "transcript"), p.Topics, 0.5)
}

func (h *Handlers) ExtractText(ctx context.Context, t storage.PendingTask) error {
	if !h.settings.Get().EnableOCR {
		return errs.Invalid("enable_ocr", "OCR is disabled")
	}
	var p MediaPayload
	if err := storage.UnmarshalPayload(t.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	path, err := security.ValidatePath(p.Path, h.roots, security.ImageExtensions)
	if err != nil {
		return err
	}
	res, err := h.svc.ExtractText(ctx, path)
	if err != nil {
		return fmt.Errorf("extract text %s: %w", path, err)
	}
	return h.remember(ctx, res.Text, firstNonEmpty(p.MemoryType, "document"), p.Topics, 0.5)
}

// SyncMemory runs one sync pass. A partial pass counts as success; the
// failed entities stay pending for the next pass.
func (h *Handlers) SyncMemory(ctx context.Context, t storage.PendingTask) error {
	rep, err := h.sync.SyncNow(ctx)
	if err != nil {
		return err
	}
	if rep.Result == syncer.ResultError {
		return fmt.Errorf("sync pass failed: %s", strings.Join(rep.Errors, "; "))
	}
	return nil
}

// PreloadKnowledge stores each chunk as a memory and embeds it when
// embeddings are enabled. Chunks already present are not duplicated.
func (h *Handlers) PreloadKnowledge(ctx context.Context, t storage.PendingTask) error {
	var p PreloadPayload
	if err := storage.UnmarshalPayload(t.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	embed := h.settings.Get().EnableEmbeddings
	memType := firstNonEmpty(p.MemoryType, "knowledge")
	for i, chunk := range p.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk = strings.TrimSpace(security.SanitizeText(chunk))
		if err := security.ValidateMemoryContent(chunk); err != nil {
			h.log.Debug("skip preload chunk", zap.Int("chunk", i), zap.Error(err))
			continue
		}
		m, err := h.store.SaveMemory(ctx, storage.LocalMemory{
			Content:    chunk,
			MemoryType: memType,
			Topics:     p.Topics,
			Importance: p.Importance,
		})
		if err != nil {
			return err
		}
		if !embed || len(m.Embedding) > 0 {
			continue
		}
		res, err := h.svc.Embed(ctx, m.Content)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		if _, err := h.store.SetMemoryEmbedding(ctx, m.ID, m.ContentHash, res.Embedding); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) remember(ctx context.Context, text, memType string, topics []string, importance float64) error {
	text = strings.TrimSpace(security.SanitizeText(text))
	if err := security.ValidateMemoryContent(text); err != nil {
		h.log.Info("no usable text extracted", zap.Error(err))
		return nil
	}
	m, err := h.store.SaveMemory(ctx, storage.LocalMemory{
		Content:    text,
		MemoryType: memType,
		Topics:     topics,
		Importance: importance,
	})
	if err != nil {
		return err
	}
	h.log.Info("memory created from media", zap.String("memory", m.ID), zap.String("type", memType))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
