// Package remote 定义与云端存储交换实体的协议，并提供 HTTP 实现。
// Package remote defines the exchange with the cloud store and provides
// its HTTP implementation.
package remote

import (
	"context"
	"fmt"

	"localagent/internal/storage"
)

// Entity is one memory or session on the wire. Exactly one of Memory and
// Session is set.
type Entity struct {
	Type    storage.EntityType    `json:"entity_type"`
	Memory  *storage.LocalMemory  `json:"memory,omitempty"`
	Session *storage.LocalSession `json:"session,omitempty"`
}

// LocalID returns the id of the carried entity.
func (e Entity) LocalID() string {
	switch {
	case e.Memory != nil:
		return e.Memory.ID
	case e.Session != nil:
		return e.Session.ID
	}
	return ""
}

// Validate checks that Type matches the carried payload.
func (e Entity) Validate() error {
	switch e.Type {
	case storage.EntityMemory:
		if e.Memory == nil || e.Session != nil {
			return fmt.Errorf("memory entity must carry exactly a memory")
		}
	case storage.EntitySession:
		if e.Session == nil || e.Memory != nil {
			return fmt.Errorf("session entity must carry exactly a session")
		}
	default:
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	return nil
}

// Ack confirms an upload.
type Ack struct {
	CloudID string `json:"cloud_id"`
	Rev     string `json:"rev"`
}

// ChangeSet is every entity changed remotely after a cursor. Cursor is the
// position to ask from next time.
type ChangeSet struct {
	Changes []Entity `json:"changes"`
	Cursor  string   `json:"cursor"`
}

// Remote 是同步引擎依赖的云端接口。
// Remote is the cloud store as seen by the sync engine.
type Remote interface {
	Ping(ctx context.Context) error
	Upload(ctx context.Context, e Entity) (Ack, error)
	Changes(ctx context.Context, cursor string) (ChangeSet, error)
}
