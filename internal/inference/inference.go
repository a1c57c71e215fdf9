// Package inference 封装模型执行服务（嵌入、转写、OCR）以及本地模型目录。
// Package inference wraps the model execution service (embeddings,
// transcription, OCR) and the local model catalog.
package inference

import "context"

// EmbeddingResult is one embedding vector.
type EmbeddingResult struct {
	Embedding        []float32 `json:"embedding"`
	ModelUsed        string    `json:"model_used"`
	Truncated        bool      `json:"truncated,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
}

type TranscriptionSegment struct {
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type TranscriptionResult struct {
	Text             string                 `json:"text"`
	Language         string                 `json:"language,omitempty"`
	Confidence       float64                `json:"confidence"`
	Segments         []TranscriptionSegment `json:"segments"`
	ProcessingTimeMS int64                  `json:"processing_time_ms"`
}

type TextExtractionResult struct {
	Text             string `json:"text"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

// Service 模型执行服务接口；实现可以是远端 API 或本地引擎
// Service is the model execution backend.
type Service interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
	Transcribe(ctx context.Context, audioPath, language string) (TranscriptionResult, error)
	ExtractText(ctx context.Context, imagePath string) (TextExtractionResult, error)
}
