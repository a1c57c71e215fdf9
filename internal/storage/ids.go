package storage

import "github.com/google/uuid"

// NewID 生成实体 ID / Generates an entity ID
func NewID() string {
	return uuid.NewString()
}
