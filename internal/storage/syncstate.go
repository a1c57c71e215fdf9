package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"localagent/internal/errs"
)

const conflictCols = "id, entity_type, entity_id, local_version, remote_version, remote_rev, detected_at"

const notInConflict = "NOT EXISTS (SELECT 1 FROM conflicts c WHERE c.entity_type=? AND c.entity_id=%s.id)"

// PendingMemories 返回待上传且没有未决冲突的记忆
// PendingMemories returns memories awaiting upload with no open conflict
func (s *SQLiteStore) PendingMemories(ctx context.Context) ([]LocalMemory, error) {
	return s.queryMemories(ctx, "pending memories",
		"SELECT "+memoryCols+" FROM memories WHERE pending_sync=1 AND "+
			fmt.Sprintf(notInConflict, "memories")+" ORDER BY updated_at", EntityMemory)
}

// PendingSessions 返回待上传且没有未决冲突的会话
// PendingSessions returns sessions awaiting upload with no open conflict
func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]LocalSession, error) {
	return s.querySessions(ctx, "pending sessions",
		"SELECT "+sessionCols+" FROM sessions WHERE pending_sync=1 AND "+
			fmt.Sprintf(notInConflict, "sessions")+" ORDER BY updated_at", EntitySession)
}

// MarkMemorySynced 记录上传确认。仅当 updated_at 未变时清除 pending_sync；
// 上传期间发生的本地修改保持待同步。
// MarkMemorySynced records an upload acknowledgement. pending_sync is
// cleared only when updated_at still equals uploadedAt; an edit made
// during the upload stays pending. cloud_id and remote_rev are always kept.
func (s *SQLiteStore) MarkMemorySynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.markSynced(ctx, "memories", id, uploadedAt, cloudID, rev)
}

func (s *SQLiteStore) MarkSessionSynced(ctx context.Context, id string, uploadedAt time.Time, cloudID, rev string) (bool, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.markSynced(ctx, "sessions", id, uploadedAt, cloudID, rev)
}

func (s *SQLiteStore) markSynced(ctx context.Context, table, id string, uploadedAt time.Time, cloudID, rev string) (bool, error) {
	var cleared bool
	err := s.withTx(ctx, "mark synced", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE `+table+`
			SET pending_sync=0, synced_at=?, cloud_id=?, remote_rev=?
			WHERE id=? AND updated_at=?`,
			formatTime(s.now()), cloudID, rev, id, formatTime(uploadedAt))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			cleared = true
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET cloud_id=?, remote_rev=? WHERE id=?`, cloudID, rev, id)
		return err
	})
	return cleared, err
}

// ApplyRemoteMemory 落地一条远端记忆变更：
// 同版本跳过；本地无待同步修改则覆盖；本地有待同步修改则记录冲突。
// ApplyRemoteMemory lands one downloaded memory. The same revision is
// skipped; a clean local copy is overwritten; a pending local copy, or one
// the caller reports as changed since the checkpoint (localChanged), gets
// a conflict record. An entity already in conflict only has that
// conflict's remote side refreshed; its row is never overwritten. The
// entity row and the conflict row commit together.
func (s *SQLiteStore) ApplyRemoteMemory(ctx context.Context, remote LocalMemory, localChanged bool) (ApplyOutcome, error) {
	if remote.CloudID == "" {
		return "", errs.Invalid("cloud_id", "remote memory has no cloud id")
	}
	remote.ContentHash = HashContent(remote.Content)
	remote.Topics = normalizeTopics(remote.Topics)

	s.memMu.Lock()
	defer s.memMu.Unlock()

	var outcome ApplyOutcome
	err := s.withTx(ctx, "apply remote memory", func(tx *sql.Tx) error {
		now := s.now()
		local, ok, err := getMemory(ctx, tx, "cloud_id=?", remote.CloudID)
		if err != nil {
			return err
		}
		if !ok && remote.ID != "" {
			if local, ok, err = getMemory(ctx, tx, "id=?", remote.ID); err != nil {
				return err
			}
		}
		if !ok {
			// 内容已存在的本地记录直接关联云端 ID
			dup, found, err := getMemory(ctx, tx, "content_hash=?", remote.ContentHash)
			if err != nil {
				return err
			}
			if found {
				outcome = ApplySkipped
				if dup.CloudID == "" {
					_, err = tx.ExecContext(ctx, "UPDATE memories SET cloud_id=?, remote_rev=? WHERE id=?",
						remote.CloudID, remote.RemoteRev, dup.ID)
				}
				return err
			}
			if remote.ID == "" {
				remote.ID = NewID()
			}
			if remote.CreatedAt.IsZero() {
				remote.CreatedAt = now
			}
			remote.UpdatedAt = now
			remote.SyncedAt = &now
			remote.PendingSync = false
			remote.Embedding = nil
			outcome = ApplyInserted
			return insertMemory(ctx, tx, remote)
		}

		if local.RemoteRev != "" && local.RemoteRev == remote.RemoteRev {
			outcome = ApplySkipped
			return nil
		}
		inConflict, err := hasConflict(ctx, tx, EntityMemory, local.ID)
		if err != nil {
			return err
		}
		if local.PendingSync || localChanged || inConflict {
			outcome = ApplyConflicted
			return upsertConflict(ctx, tx, EntityMemory, local.ID, local, remote, remote.RemoteRev, now)
		}

		next := local
		next.Content = remote.Content
		next.MemoryType = remote.MemoryType
		next.Topics = remote.Topics
		next.Importance = remote.Importance
		if next.ContentHash != remote.ContentHash {
			next.ContentHash = remote.ContentHash
			next.Embedding = nil
		}
		next.CloudID = remote.CloudID
		next.RemoteRev = remote.RemoteRev
		next.UpdatedAt = nextUpdatedAt(now, local.UpdatedAt)
		next.SyncedAt = &now
		next.PendingSync = false
		outcome = ApplyUpdated
		return writeMemory(ctx, tx, next)
	})
	return outcome, err
}

// ApplyRemoteSession 与 ApplyRemoteMemory 规则相同
// ApplyRemoteSession follows the same rules as ApplyRemoteMemory
func (s *SQLiteStore) ApplyRemoteSession(ctx context.Context, remote LocalSession, localChanged bool) (ApplyOutcome, error) {
	if remote.CloudID == "" {
		return "", errs.Invalid("cloud_id", "remote session has no cloud id")
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var outcome ApplyOutcome
	err := s.withTx(ctx, "apply remote session", func(tx *sql.Tx) error {
		now := s.now()
		local, ok, err := getSession(ctx, tx, "cloud_id=?", remote.CloudID)
		if err != nil {
			return err
		}
		if !ok && remote.ID != "" {
			if local, ok, err = getSession(ctx, tx, "id=?", remote.ID); err != nil {
				return err
			}
		}
		if !ok {
			if remote.ID == "" {
				remote.ID = NewID()
			}
			if remote.CreatedAt.IsZero() {
				remote.CreatedAt = now
			}
			remote.UpdatedAt = now
			remote.SyncedAt = &now
			remote.PendingSync = false
			outcome = ApplyInserted
			return upsertSession(ctx, tx, remote)
		}
		if local.RemoteRev != "" && local.RemoteRev == remote.RemoteRev {
			outcome = ApplySkipped
			return nil
		}
		inConflict, err := hasConflict(ctx, tx, EntitySession, local.ID)
		if err != nil {
			return err
		}
		if local.PendingSync || localChanged || inConflict {
			outcome = ApplyConflicted
			return upsertConflict(ctx, tx, EntitySession, local.ID, local, remote, remote.RemoteRev, now)
		}
		next := local
		next.SessionType = remote.SessionType
		next.Context = remote.Context
		next.Messages = remote.Messages
		next.CloudID = remote.CloudID
		next.RemoteRev = remote.RemoteRev
		next.UpdatedAt = nextUpdatedAt(now, local.UpdatedAt)
		next.SyncedAt = &now
		next.PendingSync = false
		outcome = ApplyUpdated
		return upsertSession(ctx, tx, next)
	})
	return outcome, err
}

func upsertConflict(ctx context.Context, tx *sql.Tx, kind EntityType, entityID string, local, remote any, rev string, now time.Time) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("encode local version: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("encode remote version: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			local_version=excluded.local_version,
			remote_version=excluded.remote_version,
			remote_rev=excluded.remote_rev`,
		NewID(), kind, entityID, string(localJSON), string(remoteJSON), rev, formatTime(now))
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

// hasConflict reports whether the entity already has an open conflict; a
// newer remote revision then only refreshes that conflict's remote side.
func hasConflict(ctx context.Context, tx *sql.Tx, kind EntityType, entityID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conflicts WHERE entity_type=? AND entity_id=?", kind, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check conflict: %w", err)
	}
	return n > 0, nil
}

// refreshConflictLocal keeps an open conflict's local side equal to the
// row as it is now, so a resolution never replays a stale local edit.
func refreshConflictLocal(ctx context.Context, tx *sql.Tx, kind EntityType, entityID string, local any) error {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("encode local version: %w", err)
	}
	_, err = tx.ExecContext(ctx, "UPDATE conflicts SET local_version=? WHERE entity_type=? AND entity_id=?",
		string(localJSON), kind, entityID)
	if err != nil {
		return fmt.Errorf("refresh conflict: %w", err)
	}
	return nil
}

func scanConflict(r rowScanner) (Conflict, error) {
	var (
		c                   Conflict
		localV, remoteV, at string
	)
	if err := r.Scan(&c.ID, &c.EntityType, &c.EntityID, &localV, &remoteV, &c.RemoteRev, &at); err != nil {
		return Conflict{}, err
	}
	c.LocalVersion = json.RawMessage(localV)
	c.RemoteVersion = json.RawMessage(remoteV)
	var err error
	c.DetectedAt, err = parseTime(at)
	return c, err
}

func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+conflictCols+" FROM conflicts ORDER BY detected_at, id")
	if err != nil {
		return nil, errs.Storage("list conflicts", err)
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, errs.Storage("list conflicts", err)
		}
		out = append(out, c)
	}
	return out, errs.Storage("list conflicts", rows.Err())
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (Conflict, bool, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, "SELECT "+conflictCols+" FROM conflicts WHERE id=?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, false, nil
	}
	if err != nil {
		return Conflict{}, false, errs.Storage("get conflict", err)
	}
	return c, true, nil
}

// ResolveConflict 在一个事务内写回最终实体并删除该冲突
// ResolveConflict writes the resolved entity and deletes exactly that
// conflict in one transaction. A conflict already gone is NotFound.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID string, res Resolution) error {
	if (res.Memory == nil) == (res.Session == nil) {
		return errs.Invalid("resolution", "exactly one of memory or session must be set")
	}
	if res.Memory != nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
	} else {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()
	}

	return s.withTx(ctx, "resolve conflict", func(tx *sql.Tx) error {
		c, err := scanConflict(tx.QueryRowContext(ctx, "SELECT "+conflictCols+" FROM conflicts WHERE id=?", conflictID))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("conflict", conflictID)
		}
		if err != nil {
			return err
		}
		now := s.now()
		switch c.EntityType {
		case EntityMemory:
			if res.Memory == nil {
				return errs.Invalid("resolution", "conflict %s is for a memory", conflictID)
			}
			m := *res.Memory
			m.ID = c.EntityID
			m.ContentHash = HashContent(m.Content)
			m.RemoteRev = res.RemoteRev
			m.PendingSync = res.Pending
			if !res.Pending {
				m.SyncedAt = &now
			}
			prev, ok, err := getMemory(ctx, tx, "id=?", m.ID)
			if err != nil {
				return err
			}
			if ok {
				m.CreatedAt = prev.CreatedAt
				m.UpdatedAt = nextUpdatedAt(now, prev.UpdatedAt)
				if m.ContentHash == prev.ContentHash && len(m.Embedding) == 0 {
					m.Embedding = prev.Embedding
				}
				if err := writeMemory(ctx, tx, m); err != nil {
					return err
				}
			} else {
				if m.CreatedAt.IsZero() {
					m.CreatedAt = now
				}
				m.UpdatedAt = now
				if err := insertMemory(ctx, tx, m); err != nil {
					return err
				}
			}
		case EntitySession:
			if res.Session == nil {
				return errs.Invalid("resolution", "conflict %s is for a session", conflictID)
			}
			sess := *res.Session
			sess.ID = c.EntityID
			sess.RemoteRev = res.RemoteRev
			sess.PendingSync = res.Pending
			if !res.Pending {
				sess.SyncedAt = &now
			}
			prev, ok, err := getSession(ctx, tx, "id=?", sess.ID)
			if err != nil {
				return err
			}
			if ok {
				sess.CreatedAt = prev.CreatedAt
				sess.UpdatedAt = nextUpdatedAt(now, prev.UpdatedAt)
			} else {
				if sess.CreatedAt.IsZero() {
					sess.CreatedAt = now
				}
				sess.UpdatedAt = now
			}
			if err := upsertSession(ctx, tx, sess); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown entity type %q", c.EntityType)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM conflicts WHERE id=?", conflictID)
		return err
	})
}

const checkpointKey = "remote_checkpoint"

// Checkpoint 返回远端增量同步游标；从未同步时为空串
// Checkpoint returns the remote change cursor; empty before the first sync
func (s *SQLiteStore) Checkpoint(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key=?", checkpointKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, errs.Storage("load checkpoint", err)
}

func (s *SQLiteStore) SetCheckpoint(ctx context.Context, cursor string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, checkpointKey, cursor)
	return errs.Storage("save checkpoint", err)
}

// CountPending 统计待上传实体与未决冲突
// CountPending counts entities awaiting upload and open conflicts.
// Conflicted entities are counted only as conflicts.
func (s *SQLiteStore) CountPending(ctx context.Context) (PendingCounts, error) {
	var c PendingCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM memories WHERE pending_sync=1 AND `+fmt.Sprintf(notInConflict, "memories")+`),
			(SELECT COUNT(*) FROM sessions WHERE pending_sync=1 AND `+fmt.Sprintf(notInConflict, "sessions")+`),
			(SELECT COUNT(*) FROM conflicts)`, EntityMemory, EntitySession).Scan(&c.Memories, &c.Sessions, &c.Conflicts)
	return c, errs.Storage("count pending", err)
}
