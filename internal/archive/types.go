// Package archive holds the family-archive domain types shared by the API,
// the export pipeline and the offline client.
package archive

import (
	"encoding/json"
	"mime"
	"path"
	"strings"
	"time"
)

// MemoryType classifies an archived artifact.
type MemoryType string

const (
	TypePhoto    MemoryType = "photo"
	TypeDocument MemoryType = "document"
	TypeText     MemoryType = "text"
	TypeAudio    MemoryType = "audio"
	TypeVideo    MemoryType = "video"
)

// MemoryTypes lists every type in display order.
var MemoryTypes = []MemoryType{TypePhoto, TypeDocument, TypeText, TypeAudio, TypeVideo}

// ParseMemoryType accepts the canonical names plus a few plural and
// upper-case spellings sent by older clients.
func ParseMemoryType(value string) (MemoryType, bool) {
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), "s")
	switch normalized {
	case "photo", "image":
		return TypePhoto, true
	case "document", "doc":
		return TypeDocument, true
	case "text", "note":
		return TypeText, true
	case "audio":
		return TypeAudio, true
	case "video":
		return TypeVideo, true
	}
	return "", false
}

// TypeFromMIME infers the memory type of an uploaded file. fileName is used
// when the content type is missing or generic.
func TypeFromMIME(contentType, fileName string) MemoryType {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mime.TypeByExtension(strings.ToLower(path.Ext(fileName)))
		if parsed, _, perr := mime.ParseMediaType(mediaType); perr == nil {
			mediaType = parsed
		}
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return TypePhoto
	case strings.HasPrefix(mediaType, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mediaType, "video/"):
		return TypeVideo
	case mediaType == "text/plain" || mediaType == "text/markdown":
		return TypeText
	default:
		return TypeDocument
	}
}

type Person struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required,max=200"`
	Nickname       string    `json:"nickname,omitempty" validate:"max=100"`
	BirthDate      string    `json:"birthDate,omitempty" validate:"max=40"`
	DeathDate      string    `json:"deathDate,omitempty" validate:"max=40"`
	BirthPlace     string    `json:"birthPlace,omitempty" validate:"max=200"`
	Biography      string    `json:"biography,omitempty" validate:"max=20000"`
	Gender         string    `json:"gender,omitempty" validate:"max=40"`
	ParentIDs      []string  `json:"parentIds"`
	SpouseIDs      []string  `json:"spouseIds"`
	AvatarMemoryID string    `json:"avatarMemoryId,omitempty"`
	Generation     int       `json:"generation"`
	Revision       int64     `json:"revision"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Deleted        bool      `json:"deleted,omitempty"`
}

type Memory struct {
	ID          string     `json:"id"`
	Type        MemoryType `json:"type"`
	Title       string     `json:"title" validate:"max=300"`
	Description string     `json:"description,omitempty" validate:"max=20000"`
	Content     string     `json:"content,omitempty" validate:"max=200000"`
	Date        string     `json:"date,omitempty" validate:"max=40"`
	Location    string     `json:"location,omitempty" validate:"max=200"`
	PersonIDs   []string   `json:"personIds"`
	BlobKey     string     `json:"blobKey,omitempty"`
	FileName    string     `json:"fileName,omitempty"`
	MimeType    string     `json:"mimeType,omitempty"`
	SizeBytes   int64      `json:"sizeBytes,omitempty"`
	UploadedBy  string     `json:"uploadedBy,omitempty"`
	Revision    int64      `json:"revision"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// HasBlob reports whether the memory's payload lives in object storage.
func (m Memory) HasBlob() bool {
	return m.BlobKey != ""
}

// Message is a direct message between family members. An empty ToUser makes
// it family-wide; a non-empty MemoryID makes it an annotation on that memory.
type Message struct {
	ID        string     `json:"id"`
	FromUser  string     `json:"fromUser"`
	ToUser    string     `json:"toUser,omitempty"`
	MemoryID  string     `json:"memoryId,omitempty"`
	PersonID  string     `json:"personId,omitempty"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	Revision  int64      `json:"revision"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// InboxEntry summarises one conversation for a user.
type InboxEntry struct {
	Peer        string  `json:"peer"`
	LastMessage Message `json:"lastMessage"`
	Unread      int     `json:"unread"`
}

// Tree is the aggregate of a family's people and memories.
type Tree struct {
	ProtocolKey string   `json:"protocolKey"`
	FamilyName  string   `json:"familyName"`
	People      []Person `json:"people"`
	Memories    []Memory `json:"memories"`
	Revision    int64    `json:"revision"`
}

// Changes carries every record whose revision exceeds a sync cursor,
// tombstones included. Revision is the new cursor.
type Changes struct {
	People   []Person  `json:"people"`
	Memories []Memory  `json:"memories"`
	Messages []Message `json:"messages"`
	Revision int64     `json:"revision"`
}

// Empty reports whether the batch carries no records.
func (c Changes) Empty() bool {
	return len(c.People) == 0 && len(c.Memories) == 0 && len(c.Messages) == 0
}

type Entity string

const (
	EntityPerson  Entity = "person"
	EntityMemory  Entity = "memory"
	EntityMessage Entity = "message"
)

type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Mutation is one queued client write replayed against the server.
type Mutation struct {
	OpID     string          `json:"opId" validate:"required,max=64"`
	Entity   Entity          `json:"entity" validate:"required,oneof=person memory message"`
	Action   Action          `json:"action" validate:"required,oneof=upsert delete"`
	EntityID string          `json:"entityId" validate:"required,max=64"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type MutationStatus string

const (
	MutationApplied   MutationStatus = "applied"
	MutationDuplicate MutationStatus = "duplicate"
	MutationRejected  MutationStatus = "rejected"
)

type MutationResult struct {
	OpID     string         `json:"opId"`
	Status   MutationStatus `json:"status"`
	Revision int64          `json:"revision,omitempty"`
	Error    string         `json:"error,omitempty"`
}
