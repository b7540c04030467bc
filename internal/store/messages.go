package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"heirloom/api/internal/archive"
)

const messageColumns = `id, from_user, to_user, memory_id, person_id, body, created_at, read_at, revision, deleted_at`

func scanMessage(row rowScanner) (archive.Message, error) {
	var (
		message   archive.Message
		readAt    sql.NullTime
		deletedAt sql.NullTime
	)
	err := row.Scan(&message.ID, &message.FromUser, &message.ToUser, &message.MemoryID, &message.PersonID,
		&message.Body, &message.CreatedAt, &readAt, &message.Revision, &deletedAt)
	if err != nil {
		return archive.Message{}, err
	}
	if readAt.Valid {
		at := readAt.Time
		message.ReadAt = &at
	}
	message.Deleted = deletedAt.Valid
	return message, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]archive.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]archive.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, protocolKey string, message archive.Message) (archive.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, protocol_key, from_user, to_user, memory_id, person_id, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		message.ID, protocolKey, message.FromUser, message.ToUser, message.MemoryID, message.PersonID, message.Body)
	stored, err := scanMessage(row)
	if err != nil {
		return archive.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, protocolKey, messageID string) (archive.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE protocol_key = $1 AND id = $2 AND deleted_at IS NULL
	`, protocolKey, messageID)
	return scanMessage(row)
}

// ListConversation returns the direct messages between user and peer in
// chronological order. An empty peer selects the family-wide channel.
func (s *PostgresStore) ListConversation(ctx context.Context, protocolKey, user, peer string, limit int) ([]archive.Message, error) {
	if peer == "" {
		return s.queryMessages(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+`
				FROM messages
				WHERE protocol_key = $1 AND deleted_at IS NULL AND memory_id = '' AND to_user = ''
				ORDER BY created_at DESC
				LIMIT NULLIF($2::int, 0)
			) recent
			ORDER BY created_at, id
		`, protocolKey, limit)
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE protocol_key = $1 AND deleted_at IS NULL AND memory_id = ''
				AND ((from_user = $2 AND to_user = $3) OR (from_user = $3 AND to_user = $2))
			ORDER BY created_at DESC
			LIMIT NULLIF($4::int, 0)
		) recent
		ORDER BY created_at, id
	`, protocolKey, user, peer, limit)
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, protocolKey, memoryID string) ([]archive.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE protocol_key = $1 AND memory_id = $2 AND deleted_at IS NULL
		ORDER BY created_at, id
	`, protocolKey, memoryID)
}

// ListInbox returns the latest direct message per peer with the count of
// messages from that peer the user has not read, most recent first.
func (s *PostgresStore) ListInbox(ctx context.Context, protocolKey, user string) ([]archive.InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH convo AS (
			SELECT m.*, CASE WHEN m.from_user = $2 THEN m.to_user ELSE m.from_user END AS peer
			FROM messages m
			WHERE m.protocol_key = $1 AND m.deleted_at IS NULL AND m.memory_id = '' AND m.to_user <> ''
				AND (m.from_user = $2 OR m.to_user = $2)
		)
		SELECT DISTINCT ON (peer) peer, `+messageColumns+`,
			(SELECT COUNT(*) FROM convo c2 WHERE c2.peer = convo.peer AND c2.to_user = $2 AND c2.read_at IS NULL)
		FROM convo
		ORDER BY peer, created_at DESC
	`, protocolKey, user)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	entries := make([]archive.InboxEntry, 0)
	for rows.Next() {
		var (
			entry     archive.InboxEntry
			readAt    sql.NullTime
			deletedAt sql.NullTime
		)
		msg := &entry.LastMessage
		if err := rows.Scan(&entry.Peer, &msg.ID, &msg.FromUser, &msg.ToUser, &msg.MemoryID, &msg.PersonID, &msg.Body,
			&msg.CreatedAt, &readAt, &msg.Revision, &deletedAt, &entry.Unread); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		if readAt.Valid {
			at := readAt.Time
			msg.ReadAt = &at
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastMessage.CreatedAt.After(entries[j].LastMessage.CreatedAt)
	})
	return entries, nil
}

// MarkRead stamps every unread message from peer to user and returns how many changed.
func (s *PostgresStore) MarkRead(ctx context.Context, protocolKey, user, peer string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_at=NOW(), revision=nextval('heirloom_revision_seq')
		WHERE protocol_key=$1 AND to_user=$2 AND from_user=$3 AND read_at IS NULL AND deleted_at IS NULL
	`, protocolKey, user, peer)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, protocolKey, messageID string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET deleted_at=NOW(), revision=nextval('heirloom_revision_seq')
		WHERE protocol_key=$1 AND id=$2 AND deleted_at IS NULL
		RETURNING revision
	`, protocolKey, messageID).Scan(&revision)
	if err != nil {
		return 0, err
	}
	return revision, nil
}
