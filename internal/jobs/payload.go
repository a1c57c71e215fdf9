package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"localagent/internal/errs"
	"localagent/internal/governor"
	"localagent/internal/storage"
)

const (
	PriorityHigh   = 10
	PriorityNormal = 5
	PriorityLow    = 1
)

// EmbeddingPayload 为已有记忆生成本地向量。
// EmbeddingPayload asks for a local embedding of an existing memory.
type EmbeddingPayload struct {
	MemoryID string `cbor:"memory_id" json:"memory_id"`
}

// MediaPayload 描述一个待转写或 OCR 的文件，结果写成新记忆。
// MediaPayload names a file to transcribe or OCR; the text becomes a new memory.
type MediaPayload struct {
	Path       string   `cbor:"path" json:"path"`
	Language   string   `cbor:"language,omitempty" json:"language,omitempty"`
	MemoryType string   `cbor:"memory_type,omitempty" json:"memory_type,omitempty"`
	Topics     []string `cbor:"topics,omitempty" json:"topics,omitempty"`
}

type SyncPayload struct {
	Reason string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// PreloadPayload carries knowledge chunks to store as embedded memories.
type PreloadPayload struct {
	Chunks     []string `cbor:"chunks" json:"chunks"`
	MemoryType string   `cbor:"memory_type,omitempty" json:"memory_type,omitempty"`
	Topics     []string `cbor:"topics,omitempty" json:"topics,omitempty"`
	Importance float64  `cbor:"importance,omitempty" json:"importance,omitempty"`
}

// profile is the admission estimate and run budget of one task type.
type profile struct {
	cpu     float64
	ram     float64
	gpu     bool
	timeout time.Duration
}

var profiles = map[storage.TaskType]profile{
	storage.TaskGenerateEmbedding: {cpu: 8, ram: 2, timeout: 30 * time.Second},
	storage.TaskTranscribeAudio:   {cpu: 20, ram: 8, timeout: 10 * time.Minute},
	storage.TaskExtractText:       {cpu: 12, ram: 5, timeout: 2 * time.Minute},
	storage.TaskSyncMemory:        {cpu: 3, ram: 1, timeout: 5 * time.Minute},
	storage.TaskPreloadKnowledge:  {cpu: 10, ram: 6, timeout: 10 * time.Minute},
}

// Estimate returns the admission request for one run of tt.
func Estimate(tt storage.TaskType) governor.Request {
	p := profiles[tt]
	return governor.Request{EstimatedCPU: p.cpu, EstimatedRAM: p.ram, RequiresGPU: p.gpu}
}

// Timeout returns the run budget for tt.
func Timeout(tt storage.TaskType) time.Duration {
	if p, ok := profiles[tt]; ok {
		return p.timeout
	}
	return time.Minute
}

// NewTask builds a queueable task of type tt with the type's resource
// estimates and payload encoded as CBOR.
func NewTask(tt storage.TaskType, priority int, payload any) (storage.PendingTask, error) {
	p, ok := profiles[tt]
	if !ok {
		return storage.PendingTask{}, errs.Invalid("task_type", "unknown task type %q", tt)
	}
	if err := checkPayload(tt, payload); err != nil {
		return storage.PendingTask{}, err
	}
	data, err := storage.MarshalPayload(payload)
	if err != nil {
		return storage.PendingTask{}, fmt.Errorf("encode %s payload: %w", tt, err)
	}
	return storage.PendingTask{
		Type:         tt,
		Priority:     priority,
		Payload:      data,
		EstimatedCPU: p.cpu,
		EstimatedRAM: p.ram,
		RequiresGPU:  p.gpu,
	}, nil
}

// DecodePayload parses a JSON payload into the payload type tt expects.
// An empty payload is accepted for task types whose payload has no
// required fields.
func DecodePayload(tt storage.TaskType, raw json.RawMessage) (any, error) {
	var dst any
	switch tt {
	case storage.TaskGenerateEmbedding:
		dst = &EmbeddingPayload{}
	case storage.TaskTranscribeAudio, storage.TaskExtractText:
		dst = &MediaPayload{}
	case storage.TaskSyncMemory:
		dst = &SyncPayload{}
	case storage.TaskPreloadKnowledge:
		dst = &PreloadPayload{}
	default:
		return nil, errs.Invalid("task_type", "unknown task type %q", tt)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, errs.Invalid("payload", "%v", err)
		}
	}
	return reflect.ValueOf(dst).Elem().Interface(), nil
}

func checkPayload(tt storage.TaskType, payload any) error {
	switch tt {
	case storage.TaskGenerateEmbedding:
		p, ok := payload.(EmbeddingPayload)
		if !ok {
			return errs.Invalid("payload", "%s wants EmbeddingPayload, got %T", tt, payload)
		}
		if strings.TrimSpace(p.MemoryID) == "" {
			return errs.Invalid("memory_id", "is required")
		}
	case storage.TaskTranscribeAudio, storage.TaskExtractText:
		p, ok := payload.(MediaPayload)
		if !ok {
			return errs.Invalid("payload", "%s wants MediaPayload, got %T", tt, payload)
		}
		if strings.TrimSpace(p.Path) == "" {
			return errs.Invalid("path", "is required")
		}
	case storage.TaskSyncMemory:
		if _, ok := payload.(SyncPayload); !ok {
			return errs.Invalid("payload", "%s wants SyncPayload, got %T", tt, payload)
		}
	case storage.TaskPreloadKnowledge:
		p, ok := payload.(PreloadPayload)
		if !ok {
			return errs.Invalid("payload", "%s wants PreloadPayload, got %T", tt, payload)
		}
		if len(p.Chunks) == 0 {
			return errs.Invalid("chunks", "cannot be empty")
		}
	}
	return nil
}
