package storage

import (
	"encoding/json"
	"time"
)

// EntityType 标识可同步实体的类别
// EntityType names a syncable entity kind
type EntityType string

const (
	EntityMemory  EntityType = "memory"
	EntitySession EntityType = "session"
)

// LocalMemory 本地记忆条目
// LocalMemory is a locally stored memory record
type LocalMemory struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash"`
	MemoryType  string     `json:"memory_type"`
	Topics      []string   `json:"topics"`
	Embedding   []float32  `json:"embedding_local,omitempty"`
	Importance  float64    `json:"importance"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	CloudID     string     `json:"cloud_id,omitempty"`
	RemoteRev   string     `json:"remote_rev,omitempty"`
	PendingSync bool       `json:"pending_sync"`
}

// SessionMessage 会话中的单条消息
// SessionMessage is one message inside a session
type SessionMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LocalSession 本地会话
// LocalSession is a locally stored session
type LocalSession struct {
	ID          string           `json:"id"`
	SessionType string           `json:"session_type"`
	Context     json.RawMessage  `json:"context"`
	Messages    []SessionMessage `json:"messages"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	SyncedAt    *time.Time       `json:"synced_at,omitempty"`
	CloudID     string           `json:"cloud_id,omitempty"`
	RemoteRev   string           `json:"remote_rev,omitempty"`
	PendingSync bool             `json:"pending_sync"`
}

type TaskType string

const (
	TaskGenerateEmbedding TaskType = "generate_embedding"
	TaskTranscribeAudio   TaskType = "transcribe_audio"
	TaskExtractText       TaskType = "extract_text"
	TaskSyncMemory        TaskType = "sync_memory"
	TaskPreloadKnowledge  TaskType = "preload_knowledge"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskGenerateEmbedding, TaskTranscribeAudio, TaskExtractText, TaskSyncMemory, TaskPreloadKnowledge:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

const DefaultMaxRetries = 3

// PendingTask 队列中的后台任务
// PendingTask is a unit of queued background work
type PendingTask struct {
	ID              string     `json:"id"`
	Type            TaskType   `json:"task_type"`
	Priority        int        `json:"priority"`
	Payload         []byte     `json:"payload,omitempty"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	AvailableAt     time.Time  `json:"available_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	LastError       string     `json:"last_error,omitempty"`
	EstimatedCPU    float64    `json:"estimated_cpu"`
	EstimatedRAM    float64    `json:"estimated_ram"`
	RequiresGPU     bool       `json:"requires_gpu"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// TaskFilter 任务列表过滤条件；空 Statuses 表示全部
// TaskFilter narrows ListTasks; empty Statuses means all
type TaskFilter struct {
	Statuses []TaskStatus
	Limit    int
}

// Conflict 同步冲突记录，每个实体最多一条
// Conflict is an open sync conflict; at most one per entity
type Conflict struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	LocalVersion  json.RawMessage `json:"local_version"`
	RemoteVersion json.RawMessage `json:"remote_version"`
	RemoteRev     string          `json:"remote_rev"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// ApplyOutcome 描述一次远端变更落地的结果
// ApplyOutcome reports what applying one remote change did
type ApplyOutcome string

const (
	ApplyInserted   ApplyOutcome = "inserted"
	ApplyUpdated    ApplyOutcome = "updated"
	ApplySkipped    ApplyOutcome = "skipped"
	ApplyConflicted ApplyOutcome = "conflicted"
)

// PendingCounts 汇总待上传与冲突数量
// PendingCounts summarizes unsynced work
type PendingCounts struct {
	Memories  int `json:"memories"`
	Sessions  int `json:"sessions"`
	Conflicts int `json:"conflicts"`
}

// Resolution 是冲突解决后要写回的最终实体
// Resolution is the entity state written back when a conflict closes
type Resolution struct {
	Memory  *LocalMemory
	Session *LocalSession
	// Pending 为 true 时结果需要再次上传
	// Pending marks the result for upload on the next pass
	Pending   bool
	RemoteRev string
}
