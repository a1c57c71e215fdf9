package control

import (
	"context"
	"errors"
	"fmt"
	"os"

	"localagent/internal/errs"
	"localagent/internal/inference"
	"localagent/internal/security"
)

// GenerateEmbedding embeds text in the foreground. Interactive inference
// is not admission-gated; background work goes through the scheduler.
func (s *Surface) GenerateEmbedding(ctx context.Context, text string) (inference.EmbeddingResult, error) {
	if !s.settings.Get().EnableEmbeddings {
		return inference.EmbeddingResult{}, errs.Invalid("enable_embeddings", "embeddings are disabled in settings")
	}
	if err := security.ValidateText("text", text); err != nil {
		return inference.EmbeddingResult{}, err
	}
	return s.svc.Embed(ctx, text)
}

func (s *Surface) TranscribeAudio(ctx context.Context, path, language string) (inference.TranscriptionResult, error) {
	if !s.settings.Get().EnableTranscription {
		return inference.TranscriptionResult{}, errs.Invalid("enable_transcription", "transcription is disabled in settings")
	}
	resolved, err := s.mediaPath(path, security.AudioExtensions)
	if err != nil {
		return inference.TranscriptionResult{}, err
	}
	return s.svc.Transcribe(ctx, resolved, language)
}

func (s *Surface) ExtractText(ctx context.Context, path string) (inference.TextExtractionResult, error) {
	if !s.settings.Get().EnableOCR {
		return inference.TextExtractionResult{}, errs.Invalid("enable_ocr", "OCR is disabled in settings")
	}
	resolved, err := s.mediaPath(path, security.ImageExtensions)
	if err != nil {
		return inference.TextExtractionResult{}, err
	}
	return s.svc.ExtractText(ctx, resolved)
}

// mediaPath validates path and requires the file to exist.
func (s *Surface) mediaPath(path string, allowed []string) (string, error) {
	resolved, err := security.ValidatePath(path, s.roots, allowed)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return "", errs.NotFound("file", path)
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", errs.Invalid("path", "%s is a directory", path)
	}
	return resolved, nil
}

func (s *Surface) GetModelStatus() []inference.ModelInfo { return s.catalog.Status() }

// DownloadModel fetches a model into the models dir under the current
// tier switches and disk budget.
func (s *Surface) DownloadModel(ctx context.Context, id string) error {
	return s.catalog.Download(ctx, id, s.settings.Get())
}
