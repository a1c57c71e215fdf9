package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"localagent/internal/errs"
)

const memoryCols = `id, content, content_hash, memory_type, topics, embedding, importance,
	created_at, updated_at, synced_at, cloud_id, remote_rev, pending_sync`

// MemoryFilter 记忆列表过滤条件
// MemoryFilter narrows ListMemories
type MemoryFilter struct {
	MemoryType string
	Limit      int
	Offset     int
}

func scanMemory(r rowScanner) (LocalMemory, error) {
	var (
		m                    LocalMemory
		topics               string
		embedding            []byte
		createdAt, updatedAt string
		syncedAt, cloudID    sql.NullString
		pending              int
	)
	if err := r.Scan(&m.ID, &m.Content, &m.ContentHash, &m.MemoryType, &topics, &embedding,
		&m.Importance, &createdAt, &updatedAt, &syncedAt, &cloudID, &m.RemoteRev, &pending); err != nil {
		return LocalMemory{}, err
	}
	if err := json.Unmarshal([]byte(topics), &m.Topics); err != nil {
		return LocalMemory{}, fmt.Errorf("decode topics of %s: %w", m.ID, err)
	}
	vec, err := decodeEmbedding(embedding)
	if err != nil {
		return LocalMemory{}, err
	}
	m.Embedding = vec
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return LocalMemory{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return LocalMemory{}, err
	}
	if syncedAt.Valid {
		if m.SyncedAt, err = parseTimePtr(&syncedAt.String); err != nil {
			return LocalMemory{}, err
		}
	}
	m.CloudID = cloudID.String
	m.PendingSync = pending != 0
	return m, nil
}

func getMemory(ctx context.Context, q queryer, where string, arg any) (LocalMemory, bool, error) {
	m, err := scanMemory(q.QueryRowContext(ctx, "SELECT "+memoryCols+" FROM memories WHERE "+where+" LIMIT 1", arg))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalMemory{}, false, nil
	}
	if err != nil {
		return LocalMemory{}, false, fmt.Errorf("load memory: %w", err)
	}
	return m, true, nil
}

func normalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := map[string]struct{}{}
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// nextUpdatedAt keeps updated_at strictly increasing per record so
// optimistic sync checks always observe a local edit.
func nextUpdatedAt(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func insertMemory(ctx context.Context, q queryer, m LocalMemory) error {
	topics, err := json.Marshal(normalizeTopics(m.Topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	emb, err := encodeEmbedding(m.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	var cloudID any
	if m.CloudID != "" {
		cloudID = m.CloudID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO memories (`+memoryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, m.ContentHash, m.MemoryType, string(topics), emb, m.Importance,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), formatTimePtr(m.SyncedAt),
		cloudID, m.RemoteRev, boolToInt(m.PendingSync))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// writeMemory overwrites every mutable column of an existing row.
func writeMemory(ctx context.Context, q queryer, m LocalMemory) error {
	topics, err := json.Marshal(normalizeTopics(m.Topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	emb, err := encodeEmbedding(m.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	var cloudID any
	if m.CloudID != "" {
		cloudID = m.CloudID
	}
	_, err = q.ExecContext(ctx, `
		UPDATE memories SET content=?, content_hash=?, memory_type=?, topics=?, embedding=?,
			importance=?, updated_at=?, synced_at=?, cloud_id=?, remote_rev=?, pending_sync=?
		WHERE id=?`,
		m.Content, m.ContentHash, m.MemoryType, string(topics), emb, m.Importance,
		formatTime(m.UpdatedAt), formatTimePtr(m.SyncedAt), cloudID, m.RemoteRev,
		boolToInt(m.PendingSync), m.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// SaveMemory 插入或更新记忆。新 ID 的内容若与已有记录哈希相同，则直接返回已有记录且不写入。
// SaveMemory inserts or updates a memory as a local edit (pending_sync).
// A new record whose content hash already exists is not inserted; the
// existing record is returned instead.
func (s *SQLiteStore) SaveMemory(ctx context.Context, m LocalMemory) (LocalMemory, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = NewID()
	}
	m.ContentHash = HashContent(m.Content)
	m.Topics = normalizeTopics(m.Topics)

	s.memMu.Lock()
	defer s.memMu.Unlock()

	var out LocalMemory
	err := s.withTx(ctx, "save memory", func(tx *sql.Tx) error {
		now := s.now()
		prev, ok, err := getMemory(ctx, tx, "id=?", m.ID)
		if err != nil {
			return err
		}
		if ok {
			next := prev
			next.Content = m.Content
			next.MemoryType = m.MemoryType
			next.Topics = m.Topics
			next.Importance = m.Importance
			if prev.ContentHash != m.ContentHash {
				next.ContentHash = m.ContentHash
				next.Embedding = m.Embedding
			} else if len(m.Embedding) > 0 {
				next.Embedding = m.Embedding
			}
			next.UpdatedAt = nextUpdatedAt(now, prev.UpdatedAt)
			next.PendingSync = true
			out = next
			if err := writeMemory(ctx, tx, next); err != nil {
				return err
			}
			return refreshConflictLocal(ctx, tx, EntityMemory, next.ID, next)
		}

		dup, ok, err := getMemory(ctx, tx, "content_hash=?", m.ContentHash)
		if err != nil {
			return err
		}
		if ok {
			out = dup
			return nil
		}

		m.CreatedAt = now
		m.UpdatedAt = now
		m.SyncedAt = nil
		m.CloudID = ""
		m.RemoteRev = ""
		m.PendingSync = true
		out = m
		return insertMemory(ctx, tx, m)
	})
	if err != nil {
		return LocalMemory{}, err
	}
	return out, nil
}

// GetMemory 按 ID 读取；不存在时返回 ok=false
// GetMemory loads a memory by id; ok is false when absent
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (LocalMemory, bool, error) {
	m, ok, err := getMemory(ctx, s.db, "id=?", strings.TrimSpace(id))
	return m, ok, errs.Storage("get memory", err)
}

func (s *SQLiteStore) FindMemoryByHash(ctx context.Context, hash string) (LocalMemory, bool, error) {
	m, ok, err := getMemory(ctx, s.db, "content_hash=?", hash)
	return m, ok, errs.Storage("find memory by hash", err)
}

func (s *SQLiteStore) ListMemories(ctx context.Context, f MemoryFilter) ([]LocalMemory, error) {
	query := "SELECT " + memoryCols + " FROM memories"
	var args []any
	if t := strings.TrimSpace(f.MemoryType); t != "" {
		query += " WHERE memory_type=?"
		args = append(args, t)
	}
	query += " ORDER BY updated_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	return s.queryMemories(ctx, "list memories", query, args...)
}

// ListEmbeddedMemories 返回所有已有本地向量的记忆
// ListEmbeddedMemories returns every memory with a local embedding
func (s *SQLiteStore) ListEmbeddedMemories(ctx context.Context) ([]LocalMemory, error) {
	return s.queryMemories(ctx, "list embedded memories",
		"SELECT "+memoryCols+" FROM memories WHERE embedding IS NOT NULL ORDER BY updated_at DESC")
}

func (s *SQLiteStore) queryMemories(ctx context.Context, op, query string, args ...any) ([]LocalMemory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer rows.Close()

	var out []LocalMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.Storage(op, err)
		}
		out = append(out, m)
	}
	return out, errs.Storage(op, rows.Err())
}

// DeleteMemory 删除记忆及其未决冲突；不存在时为空操作
// DeleteMemory removes a memory and any open conflict; absent ids are a no-op
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.withTx(ctx, "delete memory", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id=?", id); err != nil {
			return fmt.Errorf("delete memory: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM conflicts WHERE entity_type=? AND entity_id=?", EntityMemory, id); err != nil {
			return fmt.Errorf("delete memory conflict: %w", err)
		}
		return nil
	})
}

// SetMemoryEmbedding 写入本地向量；仅当内容哈希仍等于 hash 时生效
// SetMemoryEmbedding stores a local embedding only if the content hash
// still equals hash, so a stale embedding never lands on edited content.
// The embedding is local-only and does not mark the record for sync.
func (s *SQLiteStore) SetMemoryEmbedding(ctx context.Context, id, hash string, vec []float32) (bool, error) {
	emb, err := encodeEmbedding(vec)
	if err != nil {
		return false, errs.Storage("set embedding", err)
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	res, err := s.db.ExecContext(ctx, "UPDATE memories SET embedding=? WHERE id=? AND content_hash=?", emb, id, hash)
	if err != nil {
		return false, errs.Storage("set embedding", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CountMemories(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, errs.Storage("count memories", err)
}
