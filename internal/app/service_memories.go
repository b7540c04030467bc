package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/search"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
)

const presignTTL = 15 * time.Minute

// MemoryPatch is a partial memory update. Nil fields stay unchanged.
type MemoryPatch struct {
	Type        *string   `json:"type"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Content     *string   `json:"content"`
	Date        *string   `json:"date"`
	Location    *string   `json:"location"`
	PersonIDs   *[]string `json:"personIds"`
}

func (p MemoryPatch) apply(memory *archive.Memory) {
	if p.Type != nil {
		memory.Type = archive.MemoryType(strings.TrimSpace(*p.Type))
	}
	setString(&memory.Title, p.Title)
	setString(&memory.Description, p.Description)
	if p.Content != nil {
		memory.Content = *p.Content
	}
	setString(&memory.Date, p.Date)
	setString(&memory.Location, p.Location)
	if p.PersonIDs != nil {
		memory.PersonIDs = *p.PersonIDs
	}
}

// Upload is a file posted to the upload endpoint with its metadata.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
	Memory      archive.Memory
}

type MemoryContent struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	FileName    string
	URL         string
}

func (s *Service) ListMemories(ctx context.Context, protocolKey string, filter store.MemoryFilter) ([]archive.Memory, error) {
	if filter.Type != "" {
		memType, ok := archive.ParseMemoryType(string(filter.Type))
		if !ok {
			return nil, invalid("Unknown memory type", map[string]string{"type": "oneof"})
		}
		filter.Type = memType
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, invalid("limit and offset must not be negative", nil)
	}
	memories, err := s.store.ListMemories(ctx, protocolKey, filter)
	if err != nil {
		return nil, err
	}
	return nonNilMemories(memories), nil
}

func (s *Service) GetMemory(ctx context.Context, protocolKey, memoryID string) (archive.Memory, error) {
	memory, err := s.store.GetMemory(ctx, protocolKey, memoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Memory{}, notFound("Memory")
	}
	return memory, err
}

// CreateMemory stores a memory without a file, typically a text note.
func (s *Service) CreateMemory(ctx context.Context, session Session, input archive.Memory) (archive.Memory, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	if input.ID == "" {
		input.ID = util.NewID("mem")
	}
	input.BlobKey, input.FileName, input.MimeType, input.SizeBytes = "", "", "", 0
	input.UploadedBy = session.UserName
	memory, err := s.prepMemory(ctx, session.ProtocolKey, input)
	if err != nil {
		return archive.Memory{}, err
	}
	saved, err := s.store.InsertMemory(ctx, session.ProtocolKey, memory)
	if errors.Is(err, store.ErrIDTaken) {
		return archive.Memory{}, conflict("Memory " + memory.ID + " was deleted or belongs elsewhere")
	}
	if err != nil {
		return archive.Memory{}, err
	}
	s.afterMemoryWrite(ctx, session.ProtocolKey, saved)
	return saved, nil
}

// UploadMemory streams the file to object storage, then records the memory.
// The object is removed again if the record cannot be written.
func (s *Service) UploadMemory(ctx context.Context, session Session, upload Upload) (archive.Memory, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	fileName := path.Base(strings.ReplaceAll(strings.TrimSpace(upload.FileName), "\\", "/"))
	if fileName == "" || fileName == "." || fileName == "/" {
		return archive.Memory{}, invalid("File name is required", map[string]string{"file": "required"})
	}
	if s.cfg.MaxUploadBytes > 0 && upload.Size > s.cfg.MaxUploadBytes {
		return archive.Memory{}, domainError(http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
			fmt.Sprintf("Uploads are limited to %d MB", s.cfg.MaxUploadBytes>>20), nil)
	}
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	memory := upload.Memory
	memory.ID = util.NewID("mem")
	if memory.Type == "" {
		memory.Type = archive.TypeFromMIME(contentType, fileName)
	}
	if strings.TrimSpace(memory.Title) == "" {
		memory.Title = strings.TrimSuffix(fileName, path.Ext(fileName))
	}
	memory.FileName = fileName
	memory.MimeType = contentType
	memory.UploadedBy = session.UserName
	memory.BlobKey = blob.Key(session.ProtocolKey, memory.ID, fileName)
	memory, err := s.prepMemory(ctx, session.ProtocolKey, memory)
	if err != nil {
		return archive.Memory{}, err
	}

	info, err := s.blobs.Put(ctx, memory.BlobKey, upload.Body, upload.Size, contentType)
	if err != nil {
		return archive.Memory{}, fmt.Errorf("store upload: %w", err)
	}
	memory.SizeBytes = info.Size

	saved, err := s.store.InsertMemory(ctx, session.ProtocolKey, memory)
	if err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), memory.BlobKey); delErr != nil {
			s.logger.Warn("remove orphaned upload", zap.String("key", memory.BlobKey), zap.Error(delErr))
		}
		return archive.Memory{}, err
	}
	s.metrics.AddUploadBytes(info.Size)
	s.afterMemoryWrite(ctx, session.ProtocolKey, saved)
	return saved, nil
}

func (s *Service) UpdateMemory(ctx context.Context, session Session, memoryID string, patch MemoryPatch) (archive.Memory, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	current, err := s.GetMemory(ctx, session.ProtocolKey, memoryID)
	if err != nil {
		return archive.Memory{}, err
	}
	patch.apply(&current)
	return s.replaceMemory(ctx, session.ProtocolKey, current)
}

func (s *Service) replaceMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error) {
	memory, err := s.prepMemory(ctx, protocolKey, memory)
	if err != nil {
		return archive.Memory{}, err
	}
	saved, err := s.store.UpdateMemory(ctx, protocolKey, memory)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Memory{}, notFound("Memory")
	}
	if err != nil {
		return archive.Memory{}, err
	}
	s.afterMemoryWrite(ctx, protocolKey, saved)
	return saved, nil
}

// DeleteMemory tombstones the memory and removes its object. A failed object
// removal is logged; the record stays deleted.
func (s *Service) DeleteMemory(ctx context.Context, session Session, memoryID string) (int64, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return 0, err
	}
	memory, err := s.GetMemory(ctx, session.ProtocolKey, memoryID)
	if err != nil {
		return 0, err
	}
	revision, err := s.store.DeleteMemory(ctx, session.ProtocolKey, memoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("Memory")
	}
	if err != nil {
		return 0, err
	}
	if memory.HasBlob() {
		if err := s.blobs.Delete(ctx, memory.BlobKey); err != nil && !errors.Is(err, blob.ErrObjectNotFound) {
			s.logger.Warn("remove memory blob", zap.String("key", memory.BlobKey), zap.Error(err))
		}
	}
	s.search.DeleteMemory(memoryID)
	s.publish(ctx, realtime.Event{Type: realtime.MemoryDeleted, ProtocolKey: session.ProtocolKey, ID: memoryID, Revision: revision})
	return revision, nil
}

// TagPerson adds personID to the memory's tags. Tagging twice is a no-op.
func (s *Service) TagPerson(ctx context.Context, session Session, memoryID, personID string) (archive.Memory, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	memory, err := s.GetMemory(ctx, session.ProtocolKey, memoryID)
	if err != nil {
		return archive.Memory{}, err
	}
	for _, id := range memory.PersonIDs {
		if id == personID {
			return memory, nil
		}
	}
	memory.PersonIDs = append(memory.PersonIDs, personID)
	return s.replaceMemory(ctx, session.ProtocolKey, memory)
}

func (s *Service) UntagPerson(ctx context.Context, session Session, memoryID, personID string) (archive.Memory, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return archive.Memory{}, err
	}
	memory, err := s.GetMemory(ctx, session.ProtocolKey, memoryID)
	if err != nil {
		return archive.Memory{}, err
	}
	kept := make([]string, 0, len(memory.PersonIDs))
	for _, id := range memory.PersonIDs {
		if id != personID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(memory.PersonIDs) {
		return memory, nil
	}
	memory.PersonIDs = kept
	return s.replaceMemory(ctx, session.ProtocolKey, memory)
}

// Content opens the memory's file. With presign set it returns a short-lived
// URL instead when the blob store supports one.
func (s *Service) Content(ctx context.Context, protocolKey, memoryID string, presign bool) (MemoryContent, error) {
	memory, err := s.GetMemory(ctx, protocolKey, memoryID)
	if err != nil {
		return MemoryContent{}, err
	}
	if !memory.HasBlob() {
		return MemoryContent{}, domainError(http.StatusNotFound, "NO_CONTENT", "Memory has no file", nil)
	}
	if presign {
		url, err := s.blobs.PresignGet(ctx, memory.BlobKey, presignTTL)
		if err == nil {
			return MemoryContent{URL: url, FileName: memory.FileName}, nil
		}
		if !errors.Is(err, blob.ErrPresignUnsupported) {
			return MemoryContent{}, err
		}
	}
	body, info, err := s.blobs.Get(ctx, memory.BlobKey)
	if errors.Is(err, blob.ErrObjectNotFound) {
		return MemoryContent{}, domainError(http.StatusNotFound, "BLOB_MISSING", "Memory file is missing from storage", nil)
	}
	if err != nil {
		return MemoryContent{}, err
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = memory.MimeType
	}
	return MemoryContent{Body: body, ContentType: contentType, Size: info.Size, FileName: memory.FileName}, nil
}

// Gallery groups the family's memories by year, newest first.
func (s *Service) Gallery(ctx context.Context, protocolKey string, filter store.MemoryFilter) ([]archive.GalleryGroup, error) {
	filter.Limit, filter.Offset = 0, 0
	memories, err := s.ListMemories(ctx, protocolKey, filter)
	if err != nil {
		return nil, err
	}
	return archive.GroupByYear(memories), nil
}

func (s *Service) prepMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error) {
	if memory.Type == "" {
		memory.Type = archive.TypeText
	}
	memType, ok := archive.ParseMemoryType(string(memory.Type))
	if !ok {
		return archive.Memory{}, invalid("Unknown memory type", map[string]string{"type": "oneof"})
	}
	memory.Type = memType
	memory.Title = strings.TrimSpace(memory.Title)
	memory.PersonIDs = dedupeIDs(memory.PersonIDs)
	if memory.Type == archive.TypeText && !memory.HasBlob() && strings.TrimSpace(memory.Content) == "" {
		return archive.Memory{}, invalid("Text memories need content", map[string]string{"content": "required"})
	}
	if memory.Title == "" {
		memory.Title = defaultTitle(memory)
	}
	if err := s.validate.Struct(memory); err != nil {
		return archive.Memory{}, validationError(err)
	}
	if err := s.requirePeople(ctx, protocolKey, memory.PersonIDs, "personIds"); err != nil {
		return archive.Memory{}, err
	}
	return memory, nil
}

func defaultTitle(memory archive.Memory) string {
	if memory.FileName != "" {
		return strings.TrimSuffix(memory.FileName, path.Ext(memory.FileName))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(memory.Content), "\n")
	if len([]rune(line)) > 60 {
		line = string([]rune(line)[:60])
	}
	if line == "" {
		return "Untitled"
	}
	return line
}

func (s *Service) afterMemoryWrite(ctx context.Context, protocolKey string, memory archive.Memory) {
	s.search.IndexMemory(search.MemoryRecordFrom(protocolKey, memory))
	s.publish(ctx, realtime.Event{Type: realtime.MemoryUpserted, ProtocolKey: protocolKey, ID: memory.ID, Revision: memory.Revision})
}
