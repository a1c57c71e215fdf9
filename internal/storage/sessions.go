package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"localagent/internal/errs"
)

const sessionCols = `id, session_type, context, messages, created_at, updated_at,
	synced_at, cloud_id, remote_rev, pending_sync`

func scanSession(r rowScanner) (LocalSession, error) {
	var (
		sess                 LocalSession
		contextJSON, msgs    string
		createdAt, updatedAt string
		syncedAt, cloudID    sql.NullString
		pending              int
	)
	if err := r.Scan(&sess.ID, &sess.SessionType, &contextJSON, &msgs, &createdAt, &updatedAt,
		&syncedAt, &cloudID, &sess.RemoteRev, &pending); err != nil {
		return LocalSession{}, err
	}
	sess.Context = json.RawMessage(contextJSON)
	if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
		return LocalSession{}, fmt.Errorf("decode messages of %s: %w", sess.ID, err)
	}
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return LocalSession{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return LocalSession{}, err
	}
	if syncedAt.Valid {
		if sess.SyncedAt, err = parseTimePtr(&syncedAt.String); err != nil {
			return LocalSession{}, err
		}
	}
	sess.CloudID = cloudID.String
	sess.PendingSync = pending != 0
	return sess, nil
}

func getSession(ctx context.Context, q queryer, where string, arg any) (LocalSession, bool, error) {
	sess, err := scanSession(q.QueryRowContext(ctx, "SELECT "+sessionCols+" FROM sessions WHERE "+where+" LIMIT 1", arg))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalSession{}, false, nil
	}
	if err != nil {
		return LocalSession{}, false, fmt.Errorf("load session: %w", err)
	}
	return sess, true, nil
}

func sessionColumns(sess LocalSession) (string, string, error) {
	ctxJSON := bytes.TrimSpace(sess.Context)
	if len(ctxJSON) == 0 || bytes.Equal(ctxJSON, []byte("null")) {
		ctxJSON = []byte("{}")
	}
	if !json.Valid(ctxJSON) {
		return "", "", fmt.Errorf("session context is not valid JSON")
	}
	msgs := sess.Messages
	if msgs == nil {
		msgs = []SessionMessage{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", "", fmt.Errorf("encode messages: %w", err)
	}
	return string(ctxJSON), string(data), nil
}

func upsertSession(ctx context.Context, q queryer, sess LocalSession) error {
	ctxJSON, msgs, err := sessionColumns(sess)
	if err != nil {
		return err
	}
	var cloudID any
	if sess.CloudID != "" {
		cloudID = sess.CloudID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_type=excluded.session_type, context=excluded.context, messages=excluded.messages,
			updated_at=excluded.updated_at, synced_at=excluded.synced_at, cloud_id=excluded.cloud_id,
			remote_rev=excluded.remote_rev, pending_sync=excluded.pending_sync`,
		sess.ID, sess.SessionType, ctxJSON, msgs, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		formatTimePtr(sess.SyncedAt), cloudID, sess.RemoteRev, boolToInt(sess.PendingSync))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// SaveSession 以本地修改的方式写入会话（pending_sync=true）
// SaveSession writes a session as a local edit (pending_sync=true)
func (s *SQLiteStore) SaveSession(ctx context.Context, sess LocalSession) (LocalSession, error) {
	sess.ID = strings.TrimSpace(sess.ID)
	if sess.ID == "" {
		sess.ID = NewID()
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var out LocalSession
	err := s.withTx(ctx, "save session", func(tx *sql.Tx) error {
		now := s.now()
		prev, ok, err := getSession(ctx, tx, "id=?", sess.ID)
		if err != nil {
			return err
		}
		next := sess
		if ok {
			next.CreatedAt = prev.CreatedAt
			next.SyncedAt = prev.SyncedAt
			next.CloudID = prev.CloudID
			next.RemoteRev = prev.RemoteRev
			next.UpdatedAt = nextUpdatedAt(now, prev.UpdatedAt)
		} else {
			next.CreatedAt = now
			next.UpdatedAt = now
			next.SyncedAt = nil
			next.CloudID = ""
			next.RemoteRev = ""
		}
		next.PendingSync = true
		if err := upsertSession(ctx, tx, next); err != nil {
			return err
		}
		out, _, err = getSession(ctx, tx, "id=?", next.ID)
		if err != nil || !ok {
			return err
		}
		return refreshConflictLocal(ctx, tx, EntitySession, out.ID, out)
	})
	if err != nil {
		return LocalSession{}, err
	}
	return out, nil
}

// AppendSessionMessages 追加消息并标记待同步
// AppendSessionMessages appends messages and marks the session pending
func (s *SQLiteStore) AppendSessionMessages(ctx context.Context, id string, msgs []SessionMessage) (LocalSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var out LocalSession
	err := s.withTx(ctx, "append session messages", func(tx *sql.Tx) error {
		sess, ok, err := getSession(ctx, tx, "id=?", id)
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotFound("session", id)
		}
		now := s.now()
		for _, m := range msgs {
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			sess.Messages = append(sess.Messages, m)
		}
		sess.UpdatedAt = nextUpdatedAt(now, sess.UpdatedAt)
		sess.PendingSync = true
		out = sess
		if err := upsertSession(ctx, tx, sess); err != nil {
			return err
		}
		return refreshConflictLocal(ctx, tx, EntitySession, sess.ID, sess)
	})
	if err != nil {
		return LocalSession{}, err
	}
	return out, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (LocalSession, bool, error) {
	sess, ok, err := getSession(ctx, s.db, "id=?", strings.TrimSpace(id))
	return sess, ok, errs.Storage("get session", err)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]LocalSession, error) {
	query := "SELECT " + sessionCols + " FROM sessions ORDER BY updated_at DESC, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySessions(ctx, "list sessions", query, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, op, query string, args ...any) ([]LocalSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer rows.Close()

	var out []LocalSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errs.Storage(op, err)
		}
		out = append(out, sess)
	}
	return out, errs.Storage(op, rows.Err())
}

// DeleteSession 删除会话；不存在时为空操作
// DeleteSession removes a session; absent ids are a no-op
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.withTx(ctx, "delete session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id=?", id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM conflicts WHERE entity_type=? AND entity_id=?", EntitySession, id); err != nil {
			return fmt.Errorf("delete session conflict: %w", err)
		}
		return nil
	})
}
