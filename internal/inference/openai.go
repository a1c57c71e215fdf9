package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"localagent/internal/errs"
)

const ocrPrompt = "Extract all text visible in this image. Reply with the text only, preserving line breaks. Reply with an empty message if there is no text."

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	BaseURL             string
	APIKey              string
	EmbeddingModel      string
	TranscriptionModel  string
	OCRModel            string
	TimeoutMS           int
	MaxRetries          int
	EmbeddingTokenLimit int
}

// OpenAIClient 通过 OpenAI 兼容接口执行嵌入、转写与 OCR
// OpenAIClient runs embeddings, transcription and OCR against an
// OpenAI-compatible API.
type OpenAIClient struct {
	client    *openai.Client
	cfg       OpenAIConfig
	tokenizer *Tokenizer
}

var _ Service = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(config),
		cfg:       cfg,
		tokenizer: NewTokenizerForModel(cfg.EmbeddingModel),
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) (EmbeddingResult, error) {
	start := time.Now()
	input, truncated := c.tokenizer.Truncate(text, c.cfg.EmbeddingTokenLimit)

	var resp openai.EmbeddingResponse
	err := c.retry(ctx, "embedding", func() error {
		var err error
		resp, err = c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: []string{input},
			Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		})
		return err
	})
	if err != nil {
		return EmbeddingResult{}, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return EmbeddingResult{}, errors.New("embedding response is empty")
	}
	model := string(resp.Model)
	if model == "" {
		model = c.cfg.EmbeddingModel
	}
	return EmbeddingResult{
		Embedding:        resp.Data[0].Embedding,
		ModelUsed:        model,
		Truncated:        truncated,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audioPath, language string) (TranscriptionResult, error) {
	start := time.Now()
	var resp openai.AudioResponse
	err := c.retry(ctx, "transcription", func() error {
		var err error
		resp, err = c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.cfg.TranscriptionModel,
			FilePath: audioPath,
			Language: language,
			Format:   openai.AudioResponseFormatVerboseJSON,
		})
		return err
	})
	if err != nil {
		return TranscriptionResult{}, err
	}

	out := TranscriptionResult{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Segments: make([]TranscriptionSegment, 0, len(resp.Segments)),
	}
	var sum float64
	for _, s := range resp.Segments {
		conf := math.Exp(s.AvgLogprob)
		if conf > 1 {
			conf = 1
		}
		sum += conf
		out.Segments = append(out.Segments, TranscriptionSegment{
			StartMS:    int64(s.Start * 1000),
			EndMS:      int64(s.End * 1000),
			Text:       strings.TrimSpace(s.Text),
			Confidence: conf,
		})
	}
	if len(out.Segments) > 0 {
		out.Confidence = sum / float64(len(out.Segments))
	}
	out.ProcessingTimeMS = time.Since(start).Milliseconds()
	return out, nil
}

func (c *OpenAIClient) ExtractText(ctx context.Context, imagePath string) (TextExtractionResult, error) {
	start := time.Now()
	dataURL, err := imageDataURL(imagePath)
	if err != nil {
		return TextExtractionResult{}, err
	}
	var resp openai.ChatCompletionResponse
	err = c.retry(ctx, "ocr", func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.OCRModel,
			Messages: []openai.ChatCompletionMessage{{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: ocrPrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailHigh,
					}},
				},
			}},
		})
		return err
	})
	if err != nil {
		return TextExtractionResult{}, err
	}
	if len(resp.Choices) == 0 {
		return TextExtractionResult{}, errors.New("ocr response has no choices")
	}
	return TextExtractionResult{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// retry runs call with exponential backoff. Cancellation and client
// errors other than 429 are not retried.
func (c *OpenAIClient) retry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !retryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return &errs.NetworkError{Op: op, Err: fmt.Errorf("failed after %d retries: %w", c.cfg.MaxRetries, lastErr)}
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	var pathErr *os.PathError
	return !errors.As(err, &pathErr)
}

var imageMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func imageDataURL(path string) (string, error) {
	mime, ok := imageMIME[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", errs.Invalid("path", "unsupported image type %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
