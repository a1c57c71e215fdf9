package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"localagent/internal/errs"
)

const taskCols = `id, task_type, priority, payload, status, created_at, available_at, started_at,
	finished_at, retry_count, max_retries, last_error, estimated_cpu, estimated_ram,
	requires_gpu, cancel_requested`

func scanTask(r rowScanner) (PendingTask, error) {
	var (
		t                      PendingTask
		createdAt, availableAt string
		startedAt, finishedAt  sql.NullString
		gpu, cancelReq         int
	)
	if err := r.Scan(&t.ID, &t.Type, &t.Priority, &t.Payload, &t.Status, &createdAt, &availableAt,
		&startedAt, &finishedAt, &t.RetryCount, &t.MaxRetries, &t.LastError,
		&t.EstimatedCPU, &t.EstimatedRAM, &gpu, &cancelReq); err != nil {
		return PendingTask{}, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return PendingTask{}, err
	}
	if t.AvailableAt, err = parseTime(availableAt); err != nil {
		return PendingTask{}, err
	}
	if startedAt.Valid {
		if t.StartedAt, err = parseTimePtr(&startedAt.String); err != nil {
			return PendingTask{}, err
		}
	}
	if finishedAt.Valid {
		if t.FinishedAt, err = parseTimePtr(&finishedAt.String); err != nil {
			return PendingTask{}, err
		}
	}
	t.RequiresGPU = gpu != 0
	t.CancelRequested = cancelReq != 0
	return t, nil
}

// QueueTask 入队一个任务并返回落库后的记录
// QueueTask enqueues a task and returns the stored record
func (s *SQLiteStore) QueueTask(ctx context.Context, t PendingTask) (PendingTask, error) {
	if !t.Type.Valid() {
		return PendingTask{}, errs.Invalid("task_type", "unknown task type %q", t.Type)
	}
	if t.ID = strings.TrimSpace(t.ID); t.ID == "" {
		t.ID = NewID()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	now := s.now()
	t.Status = TaskQueued
	t.CreatedAt = now
	if t.AvailableAt.Before(now) {
		t.AvailableAt = now
	}
	t.RetryCount = 0
	t.StartedAt, t.FinishedAt = nil, nil
	t.LastError = ""
	t.CancelRequested = false

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, '', ?, ?, ?, 0)`,
		t.ID, t.Type, t.Priority, t.Payload, t.Status, formatTime(t.CreatedAt), formatTime(t.AvailableAt),
		t.MaxRetries, t.EstimatedCPU, t.EstimatedRAM, boolToInt(t.RequiresGPU))
	if err != nil {
		return PendingTask{}, errs.Storage("queue task", err)
	}
	return t, nil
}

// GetNextTask 原子地取出优先级最高的可执行任务并标记为 running。
// 排序：priority 降序，created_at 升序，插入顺序升序。
// GetNextTask atomically selects the highest-priority eligible queued task
// and marks it running. Order: priority DESC, created_at ASC, insertion
// order ASC. ok is false when nothing is eligible.
func (s *SQLiteStore) GetNextTask(ctx context.Context) (PendingTask, bool, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	now := formatTime(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET status='running', started_at=?
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE status='queued' AND available_at <= ?
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING `+taskCols, now, now)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTask{}, false, nil
	}
	if err != nil {
		return PendingTask{}, false, errs.Storage("get next task", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (PendingTask, bool, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, "SELECT "+taskCols+" FROM tasks WHERE id=?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTask{}, false, nil
	}
	if err != nil {
		return PendingTask{}, false, errs.Storage("get task", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]PendingTask, error) {
	query := "SELECT " + taskCols + " FROM tasks"
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("list tasks", err)
	}
	defer rows.Close()
	var out []PendingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errs.Storage("list tasks", err)
		}
		out = append(out, t)
	}
	return out, errs.Storage("list tasks", rows.Err())
}

// CompleteTask 将 running 任务标记为 completed
// CompleteTask marks a running task completed
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='completed', finished_at=?, last_error=''
		WHERE id=? AND status='running'`, formatTime(s.now()), id)
	if err != nil {
		return errs.Storage("complete task", err)
	}
	return s.requireRow(ctx, res, id)
}

// RequeueTask 将 running 任务退回队列，不计入重试（准入被拒时使用）
// RequeueTask returns a running task to the queue without counting a
// retry. note is kept in last_error for display. A task with a pending
// cancel request becomes cancelled instead.
func (s *SQLiteStore) RequeueTask(ctx context.Context, id, note string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=CASE WHEN cancel_requested=1 THEN 'cancelled' ELSE 'queued' END,
			started_at=NULL,
			finished_at=CASE WHEN cancel_requested=1 THEN ? ELSE NULL END,
			last_error=?
		WHERE id=? AND status='running'`, formatTime(s.now()), note, id)
	if err != nil {
		return errs.Storage("requeue task", err)
	}
	return s.requireRow(ctx, res, id)
}

// FailTask 记录一次失败：未超上限则按 delay(重试次数) 退避后重新排队，否则永久失败。
// 已请求取消的任务直接转为 cancelled。
// FailTask records a failed attempt. Below the retry cap the task is
// re-queued after delay(retryCount); at the cap it becomes failed. A task
// with a pending cancel request becomes cancelled instead.
func (s *SQLiteStore) FailTask(ctx context.Context, id, cause string, delay func(retry int) time.Duration) (PendingTask, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	var out PendingTask
	err := s.withTx(ctx, "fail task", func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskCols+" FROM tasks WHERE id=?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("task", id)
		}
		if err != nil {
			return err
		}
		now := s.now()
		t.RetryCount++
		t.LastError = cause
		switch {
		case t.CancelRequested:
			t.Status = TaskCancelled
			t.FinishedAt = &now
		case t.RetryCount >= t.MaxRetries:
			t.Status = TaskFailed
			t.FinishedAt = &now
		default:
			t.Status = TaskQueued
			t.StartedAt = nil
			wait := time.Duration(0)
			if delay != nil {
				wait = delay(t.RetryCount)
			}
			t.AvailableAt = now.Add(wait)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status=?, retry_count=?, last_error=?, available_at=?, started_at=?, finished_at=?
			WHERE id=?`,
			t.Status, t.RetryCount, t.LastError, formatTime(t.AvailableAt),
			formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt), id)
		out = t
		return err
	})
	return out, err
}

// CancelTask 取消任务：queued 直接转为 cancelled；running 只记录取消请求，由调度器中断执行。
// 返回取消后的状态；终态任务保持不变。
// CancelTask cancels a task. A queued task becomes cancelled at once; a
// running task only gets cancel_requested so the scheduler can interrupt
// it. Terminal tasks are left as they are. The resulting status is returned.
func (s *SQLiteStore) CancelTask(ctx context.Context, id string) (TaskStatus, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	var status TaskStatus
	err := s.withTx(ctx, "cancel task", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id=?", id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("task", id)
			}
			return err
		}
		switch status {
		case TaskQueued:
			status = TaskCancelled
			_, err := tx.ExecContext(ctx, "UPDATE tasks SET status='cancelled', finished_at=? WHERE id=?", formatTime(s.now()), id)
			return err
		case TaskRunning:
			_, err := tx.ExecContext(ctx, "UPDATE tasks SET cancel_requested=1 WHERE id=?", id)
			return err
		}
		return nil
	})
	return status, err
}

// MarkTaskCancelled 结束一个被中断的 running 任务
// MarkTaskCancelled finishes a running task that was interrupted
func (s *SQLiteStore) MarkTaskCancelled(ctx context.Context, id string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='cancelled', finished_at=?, last_error='cancelled'
		WHERE id=? AND status='running'`, formatTime(s.now()), id)
	if err != nil {
		return errs.Storage("mark task cancelled", err)
	}
	return s.requireRow(ctx, res, id)
}

// RecoverRunningTasks 启动时把上次遗留的 running 任务放回队列
// RecoverRunningTasks re-queues tasks left running by a previous process
func (s *SQLiteStore) RecoverRunningTasks(ctx context.Context) (int, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=CASE WHEN cancel_requested=1 THEN 'cancelled' ELSE 'queued' END,
			started_at=NULL,
			finished_at=CASE WHEN cancel_requested=1 THEN ? ELSE NULL END
		WHERE status='running'`, formatTime(s.now()))
	if err != nil {
		return 0, errs.Storage("recover running tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeTerminalTasks 删除结束时间早于 before 的终态任务
// PurgeTerminalTasks deletes terminal tasks that finished before before
func (s *SQLiteStore) PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at IS NOT NULL AND finished_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, errs.Storage("purge tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TaskCounts 按状态统计任务数量
// TaskCounts returns the number of tasks per status
func (s *SQLiteStore) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, errs.Storage("count tasks", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{}
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errs.Storage("count tasks", err)
		}
		out[st] = n
	}
	return out, errs.Storage("count tasks", rows.Err())
}

// requireRow turns a zero-row update into NotFound or a state error.
func (s *SQLiteStore) requireRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Storage("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id=?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("task", id)
	}
	if err != nil {
		return errs.Storage("load task status", err)
	}
	return errs.Storage("update task", fmt.Errorf("task %s is %s, not running", id, status))
}
