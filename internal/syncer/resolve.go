package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"localagent/internal/errs"
	"localagent/internal/events"
	"localagent/internal/storage"
)

// ResolveConflict closes one conflict with the given strategy. keep_local
// and merge leave the entity pending so the outcome is uploaded on the
// next pass; keep_remote adopts the remote version as synced.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy) error {
	if !strategy.Valid() {
		return errs.Invalid("resolution", "unknown strategy %q", strategy)
	}
	c, ok, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("conflict", conflictID)
	}
	res, err := buildResolution(c, strategy)
	if err != nil {
		return err
	}
	if err := e.store.ResolveConflict(ctx, conflictID, res); err != nil {
		return err
	}
	e.bus.Publish(events.KindConflict, map[string]any{
		"id":          conflictID,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
		"resolution":  strategy,
	})
	if _, err := e.RefreshStatus(ctx); err != nil {
		e.log.Debug("refresh sync status after resolve", zap.Error(err))
	}
	return nil
}

func buildResolution(c storage.Conflict, strategy Strategy) (storage.Resolution, error) {
	res := storage.Resolution{RemoteRev: c.RemoteRev, Pending: strategy != KeepRemote}
	switch c.EntityType {
	case storage.EntityMemory:
		var local, remote storage.LocalMemory
		if err := decodeVersions(c, &local, &remote); err != nil {
			return res, err
		}
		var out storage.LocalMemory
		switch strategy {
		case KeepLocal:
			out = local
		case KeepRemote:
			out = remote
		case Merge:
			out = MergeMemories(local, remote)
		}
		out.CloudID = firstNonEmpty(remote.CloudID, local.CloudID)
		res.Memory = &out
	case storage.EntitySession:
		var local, remote storage.LocalSession
		if err := decodeVersions(c, &local, &remote); err != nil {
			return res, err
		}
		var out storage.LocalSession
		switch strategy {
		case KeepLocal:
			out = local
		case KeepRemote:
			out = remote
		case Merge:
			out = MergeSessions(local, remote)
		}
		out.CloudID = firstNonEmpty(remote.CloudID, local.CloudID)
		res.Session = &out
	default:
		return res, fmt.Errorf("unknown entity type %q", c.EntityType)
	}
	return res, nil
}

func decodeVersions(c storage.Conflict, local, remote any) error {
	if err := json.Unmarshal(c.LocalVersion, local); err != nil {
		return fmt.Errorf("decode local version of %s: %w", c.EntityID, err)
	}
	if err := json.Unmarshal(c.RemoteVersion, remote); err != nil {
		return fmt.Errorf("decode remote version of %s: %w", c.EntityID, err)
	}
	return nil
}

// MergeMemories keeps the content and type of the more recently updated
// side, unions topics and takes the higher importance.
func MergeMemories(local, remote storage.LocalMemory) storage.LocalMemory {
	out := local
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Content = remote.Content
		out.MemoryType = remote.MemoryType
	}
	seen := make(map[string]bool, len(local.Topics)+len(remote.Topics))
	out.Topics = nil
	for _, t := range append(append([]string(nil), local.Topics...), remote.Topics...) {
		if !seen[t] {
			seen[t] = true
			out.Topics = append(out.Topics, t)
		}
	}
	sort.Strings(out.Topics)
	if remote.Importance > out.Importance {
		out.Importance = remote.Importance
	}
	return out
}

// MergeSessions interleaves both message histories by timestamp, dropping
// exact duplicates, and keeps the context of the more recently updated side.
func MergeSessions(local, remote storage.LocalSession) storage.LocalSession {
	out := local
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Context = remote.Context
		out.SessionType = remote.SessionType
	}
	type key struct {
		role, content string
		at            int64
	}
	seen := make(map[key]bool)
	out.Messages = nil
	for _, m := range append(append([]storage.SessionMessage(nil), local.Messages...), remote.Messages...) {
		k := key{m.Role, m.Content, m.Timestamp.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Messages = append(out.Messages, m)
	}
	sort.SliceStable(out.Messages, func(i, j int) bool {
		return out.Messages[i].Timestamp.Before(out.Messages[j].Timestamp)
	})
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
