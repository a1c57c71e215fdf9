package storage

import (
	"context"
	"time"
)

// Store 本地持久化接口；所有操作要么完整提交要么不生效
// Store is the local persistence interface. Every operation commits
// fully or not at all.
type Store interface {
	// 记忆 / Memories
	SaveMemory(ctx context.Context, m LocalMemory) (LocalMemory, error)
	GetMemory(ctx context.Context, id string) (LocalMemory, bool, error)
	FindMemoryByHash(ctx context.Context, hash string) (LocalMemory, bool, error)
	ListMemories(ctx context.Context, f MemoryFilter) ([]LocalMemory, error)
	ListEmbeddedMemories(ctx context.Context) ([]LocalMemory, error)
	DeleteMemory(ctx context.Context, id string) error
	SetMemoryEmbedding(ctx context.Context, id, hash string, vec []float32) (bool, error)

	// 会话 / Sessions
	SaveSession(ctx context.Context, sess LocalSession) (LocalSession, error)
	AppendSessionMessages(ctx context.Context, id string, msgs []SessionMessage) (LocalSession, error)
	GetSession(ctx context.Context, id string) (LocalSession, bool, error)
	ListSessions(ctx context.Context, limit int) ([]LocalSession, error)
	DeleteSession(ctx context.Context, id string) error

	// 任务队列 / Task queue
	QueueTask(ctx context.Context, t PendingTask) (PendingTask, error)
	GetNextTask(ctx context.Context) (PendingTask, bool, error)
	GetTask(ctx context.Context, id string) (PendingTask, bool, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]PendingTask, error)
	CompleteTask(ctx context.Context, id string) error
	RequeueTask(ctx context.Context, id, note string) error
	FailTask(ctx context.Context, id, cause string, delay func(retry int) time.Duration) (PendingTask, error)
	CancelTask(ctx context.Context, id string) (TaskStatus, error)
	MarkTaskCancelled(ctx context.Context, id string) error
	RecoverRunningTasks(ctx context.Context) (int, error)
	PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error)
	TaskCounts(ctx context.Context) (map[TaskStatus]int, error)

	// 同步 / Sync
	PendingMemories(ctx context.Context) ([]LocalMemory, error)
	PendingSessions(ctx context.Context) ([]LocalSession, error)
	MarkMemorySynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error)
	MarkSessionSynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error)
	ApplyRemoteMemory(ctx context.Context, remote LocalMemory, localChanged bool) (ApplyOutcome, error)
	ApplyRemoteSession(ctx context.Context, remote LocalSession, localChanged bool) (ApplyOutcome, error)
	ListConflicts(ctx context.Context) ([]Conflict, error)
	GetConflict(ctx context.Context, id string) (Conflict, bool, error)
	ResolveConflict(ctx context.Context, conflictID string, res Resolution) error
	Checkpoint(ctx context.Context) (string, error)
	SetCheckpoint(ctx context.Context, cursor string) error
	CountPending(ctx context.Context) (PendingCounts, error)

	// 生命周期 / Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
