package store

import (
	"time"

	"heirloom/api/internal/archive"
)

type Family struct {
	ProtocolKey        string
	Name               string
	PasswordHash       string
	ViewerPasswordHash string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type User struct {
	ID          string
	ProtocolKey string
	DisplayName string
	Role        string
	IsAdmin     bool
	CreatedAt   time.Time
}

// MemoryFilter narrows ListMemories. Zero values mean "any".
type MemoryFilter struct {
	PersonID string
	Type     archive.MemoryType
	Limit    int
	Offset   int
}

// AppliedMutation is the recorded outcome of a replayed client write.
type AppliedMutation struct {
	OpID     string
	Status   archive.MutationStatus
	Revision int64
	Error    string
}
