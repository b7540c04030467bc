package store

import (
	"context"
	"database/sql"
	"fmt"

	"heirloom/api/internal/archive"
)

const memoryColumns = `id, type, title, description, content, memory_date, location, person_ids,
	blob_key, file_name, mime_type, size_bytes, uploaded_by, revision, created_at, updated_at, deleted_at`

func scanMemory(row rowScanner) (archive.Memory, error) {
	var (
		memory    archive.Memory
		memType   string
		personIDs []byte
		deletedAt sql.NullTime
	)
	err := row.Scan(&memory.ID, &memType, &memory.Title, &memory.Description, &memory.Content, &memory.Date,
		&memory.Location, &personIDs, &memory.BlobKey, &memory.FileName, &memory.MimeType, &memory.SizeBytes,
		&memory.UploadedBy, &memory.Revision, &memory.CreatedAt, &memory.UpdatedAt, &deletedAt)
	if err != nil {
		return archive.Memory{}, err
	}
	memory.Type = archive.MemoryType(memType)
	if memory.PersonIDs, err = decodeIDs(personIDs); err != nil {
		return archive.Memory{}, err
	}
	memory.Deleted = deletedAt.Valid
	return memory, nil
}

func (s *PostgresStore) queryMemories(ctx context.Context, query string, args ...any) ([]archive.Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	memories := make([]archive.Memory, 0)
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, memory)
	}
	return memories, rows.Err()
}

// ListMemories returns live memories, newest first. A zero Limit means no limit.
func (s *PostgresStore) ListMemories(ctx context.Context, protocolKey string, filter MemoryFilter) ([]archive.Memory, error) {
	return s.queryMemories(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE protocol_key = $1 AND deleted_at IS NULL
			AND ($2 = '' OR person_ids @> jsonb_build_array($2::text))
			AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($4::int, 0) OFFSET $5
	`, protocolKey, filter.PersonID, string(filter.Type), filter.Limit, filter.Offset)
}

func (s *PostgresStore) GetMemory(ctx context.Context, protocolKey, memoryID string) (archive.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE protocol_key = $1 AND id = $2 AND deleted_at IS NULL
	`, protocolKey, memoryID)
	return scanMemory(row)
}

func (s *PostgresStore) InsertMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error) {
	personIDs, err := encodeIDs(memory.PersonIDs)
	if err != nil {
		return archive.Memory{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (id, protocol_key, type, title, description, content, memory_date, location, person_ids,
			blob_key, file_name, mime_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14)
		RETURNING `+memoryColumns,
		memory.ID, protocolKey, string(memory.Type), memory.Title, memory.Description, memory.Content, memory.Date,
		memory.Location, personIDs, memory.BlobKey, memory.FileName, memory.MimeType, memory.SizeBytes, memory.UploadedBy)
	stored, err := scanMemory(row)
	if err != nil {
		return archive.Memory{}, insertError("memory", err)
	}
	return stored, nil
}

// UpdateMemory overwrites the metadata and tags. Blob fields are fixed at upload.
func (s *PostgresStore) UpdateMemory(ctx context.Context, protocolKey string, memory archive.Memory) (archive.Memory, error) {
	personIDs, err := encodeIDs(memory.PersonIDs)
	if err != nil {
		return archive.Memory{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE memories
		SET type=$3, title=$4, description=$5, content=$6, memory_date=$7, location=$8, person_ids=$9::jsonb,
			revision=nextval('heirloom_revision_seq'), updated_at=NOW()
		WHERE protocol_key=$1 AND id=$2 AND deleted_at IS NULL
		RETURNING `+memoryColumns,
		protocolKey, memory.ID, string(memory.Type), memory.Title, memory.Description, memory.Content, memory.Date,
		memory.Location, personIDs)
	return scanMemory(row)
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, protocolKey, memoryID string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE memories
		SET deleted_at=NOW(), revision=nextval('heirloom_revision_seq'), updated_at=NOW()
		WHERE protocol_key=$1 AND id=$2 AND deleted_at IS NULL
		RETURNING revision
	`, protocolKey, memoryID).Scan(&revision)
	if err != nil {
		return 0, err
	}
	return revision, nil
}
