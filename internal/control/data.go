package control

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"localagent/internal/errs"
	"localagent/internal/jobs"
	"localagent/internal/search"
	"localagent/internal/security"
	"localagent/internal/storage"
)

const (
	defaultSearchK = 10
	maxSearchK     = 100
	maxListLimit   = 500
)

// MemoryInput is a memory create or update request.
type MemoryInput struct {
	ID         string   `json:"id,omitempty"`
	Content    string   `json:"content"`
	MemoryType string   `json:"memory_type,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	Importance float64  `json:"importance,omitempty"`
}

// SaveMemory 保存记忆；启用嵌入时排队一个后台嵌入任务。
// SaveMemory stores a memory and, when embeddings are enabled and the
// record has none, queues a background embedding task.
func (s *Surface) SaveMemory(ctx context.Context, in MemoryInput) (storage.LocalMemory, error) {
	content := strings.TrimSpace(in.Content)
	if err := security.ValidateMemoryContent(content); err != nil {
		return storage.LocalMemory{}, err
	}
	if in.Importance < 0 || in.Importance > 1 {
		return storage.LocalMemory{}, errs.Invalid("importance", "must be between 0 and 1")
	}
	memType := strings.TrimSpace(in.MemoryType)
	if memType == "" {
		memType = "note"
	}
	m, err := s.store.SaveMemory(ctx, storage.LocalMemory{
		ID:         in.ID,
		Content:    content,
		MemoryType: memType,
		Topics:     in.Topics,
		Importance: in.Importance,
	})
	if err != nil {
		return storage.LocalMemory{}, err
	}
	if len(m.Embedding) == 0 && s.settings.Get().EnableEmbeddings {
		if _, err := s.queue(ctx, storage.TaskGenerateEmbedding, jobs.PriorityNormal, jobs.EmbeddingPayload{MemoryID: m.ID}); err != nil {
			s.log.Warn("queue embedding", zap.String("memory", m.ID), zap.Error(err))
		}
	}
	return m, nil
}

func (s *Surface) GetMemory(ctx context.Context, id string) (storage.LocalMemory, error) {
	m, ok, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return storage.LocalMemory{}, err
	}
	if !ok {
		return storage.LocalMemory{}, errs.NotFound("memory", id)
	}
	return m, nil
}

func (s *Surface) ListMemories(ctx context.Context, f storage.MemoryFilter) ([]storage.LocalMemory, error) {
	f.Limit = clampLimit(f.Limit)
	list, err := s.store.ListMemories(ctx, f)
	if list == nil && err == nil {
		list = []storage.LocalMemory{}
	}
	return list, err
}

// DeleteMemory is a no-op for unknown ids.
// DeleteMemory refuses while the memory has an open conflict; the
// conflict must be resolved first so neither side is dropped unseen.
func (s *Surface) DeleteMemory(ctx context.Context, id string) error {
	if err := s.checkNoConflict(ctx, storage.EntityMemory, id); err != nil {
		return err
	}
	return s.store.DeleteMemory(ctx, id)
}

// SearchRequest carries either query text, which is embedded first, or a
// ready query vector.
type SearchRequest struct {
	Text   string    `json:"text,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	K      int       `json:"k,omitempty"`
}

func (s *Surface) SearchMemories(ctx context.Context, req SearchRequest) ([]search.Result, error) {
	k := req.K
	switch {
	case k <= 0:
		k = defaultSearchK
	case k > maxSearchK:
		k = maxSearchK
	}
	query := req.Vector
	if len(query) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			return nil, errs.Invalid("query", "text or vector is required")
		}
		res, err := s.GenerateEmbedding(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		query = res.Embedding
	}
	out, err := s.index.Search(ctx, query, k)
	if out == nil && err == nil {
		out = []search.Result{}
	}
	return out, err
}

// SessionInput is a session create or update request.
type SessionInput struct {
	ID          string                   `json:"id,omitempty"`
	SessionType string                   `json:"session_type,omitempty"`
	Context     json.RawMessage          `json:"context,omitempty"`
	Messages    []storage.SessionMessage `json:"messages,omitempty"`
}

func (s *Surface) SaveSession(ctx context.Context, in SessionInput) (storage.LocalSession, error) {
	if err := security.ValidateSessionContext(in.Context); err != nil {
		return storage.LocalSession{}, err
	}
	if err := validateMessages(in.Messages); err != nil {
		return storage.LocalSession{}, err
	}
	sessType := strings.TrimSpace(in.SessionType)
	if sessType == "" {
		sessType = "chat"
	}
	return s.store.SaveSession(ctx, storage.LocalSession{
		ID:          in.ID,
		SessionType: sessType,
		Context:     in.Context,
		Messages:    in.Messages,
	})
}

func (s *Surface) AppendSessionMessages(ctx context.Context, id string, msgs []storage.SessionMessage) (storage.LocalSession, error) {
	if len(msgs) == 0 {
		return storage.LocalSession{}, errs.Invalid("messages", "cannot be empty")
	}
	if err := validateMessages(msgs); err != nil {
		return storage.LocalSession{}, err
	}
	return s.store.AppendSessionMessages(ctx, id, msgs)
}

func validateMessages(msgs []storage.SessionMessage) error {
	for _, m := range msgs {
		if strings.TrimSpace(m.Role) == "" {
			return errs.Invalid("messages.role", "is required")
		}
		if err := security.ValidateText("messages.content", m.Content); err != nil {
			return err
		}
	}
	return nil
}

func (s *Surface) GetSession(ctx context.Context, id string) (storage.LocalSession, error) {
	sess, ok, err := s.store.GetSession(ctx, id)
	if err != nil {
		return storage.LocalSession{}, err
	}
	if !ok {
		return storage.LocalSession{}, errs.NotFound("session", id)
	}
	return sess, nil
}

func (s *Surface) ListSessions(ctx context.Context, limit int) ([]storage.LocalSession, error) {
	list, err := s.store.ListSessions(ctx, clampLimit(limit))
	if list == nil && err == nil {
		list = []storage.LocalSession{}
	}
	return list, err
}

func (s *Surface) DeleteSession(ctx context.Context, id string) error {
	if err := s.checkNoConflict(ctx, storage.EntitySession, id); err != nil {
		return err
	}
	return s.store.DeleteSession(ctx, id)
}

func (s *Surface) checkNoConflict(ctx context.Context, kind storage.EntityType, id string) error {
	list, err := s.store.ListConflicts(ctx)
	if err != nil {
		return err
	}
	for _, c := range list {
		if c.EntityType == kind && c.EntityID == id {
			return &errs.ConflictError{EntityType: string(kind), EntityID: id, ConflictID: c.ID}
		}
	}
	return nil
}

// TaskRequest queues background work; Payload is the JSON form of the
// task type's payload.
type TaskRequest struct {
	Type     storage.TaskType `json:"task_type"`
	Priority *int             `json:"priority,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

func (s *Surface) QueueTask(ctx context.Context, req TaskRequest) (storage.PendingTask, error) {
	payload, err := jobs.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return storage.PendingTask{}, err
	}
	priority := jobs.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	return s.queue(ctx, req.Type, priority, payload)
}

func (s *Surface) queue(ctx context.Context, tt storage.TaskType, priority int, payload any) (storage.PendingTask, error) {
	t, err := jobs.NewTask(tt, priority, payload)
	if err != nil {
		return storage.PendingTask{}, err
	}
	t, err = s.store.QueueTask(ctx, t)
	if err != nil {
		return storage.PendingTask{}, err
	}
	s.wake()
	return t, nil
}

func (s *Surface) GetTask(ctx context.Context, id string) (storage.PendingTask, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil {
		return storage.PendingTask{}, err
	}
	if !ok {
		return storage.PendingTask{}, errs.NotFound("task", id)
	}
	return t, nil
}

func (s *Surface) ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.PendingTask, error) {
	for _, st := range f.Statuses {
		switch st {
		case storage.TaskQueued, storage.TaskRunning, storage.TaskCompleted, storage.TaskFailed, storage.TaskCancelled:
		default:
			return nil, errs.Invalid("status", "unknown task status %q", st)
		}
	}
	f.Limit = clampLimit(f.Limit)
	list, err := s.store.ListTasks(ctx, f)
	if list == nil && err == nil {
		list = []storage.PendingTask{}
	}
	return list, err
}

// CancelTask cancels a queued task outright or signals a running one.
// The returned status is the task's status after the call.
func (s *Surface) CancelTask(ctx context.Context, id string) (storage.TaskStatus, error) {
	return s.sched.Cancel(ctx, id)
}

func clampLimit(n int) int {
	if n <= 0 || n > maxListLimit {
		return maxListLimit
	}
	return n
}
