package store

import (
	"context"
	"fmt"

	"heirloom/api/internal/archive"
)

// TreeRevision is the highest revision across the family's records, the
// cursor a fresh client starts syncing from.
func (s *PostgresStore) TreeRevision(ctx context.Context, protocolKey string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(revision) FROM people WHERE protocol_key = $1), 0),
			COALESCE((SELECT MAX(revision) FROM memories WHERE protocol_key = $1), 0),
			COALESCE((SELECT MAX(revision) FROM messages WHERE protocol_key = $1), 0)
		)
	`, protocolKey).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("tree revision: %w", err)
	}
	return revision, nil
}

// ChangesSince returns every record above the cursor, tombstones included.
// Messages are limited to family-wide ones, annotations, and the user's own
// direct messages.
func (s *PostgresStore) ChangesSince(ctx context.Context, protocolKey, user string, since int64) (archive.Changes, error) {
	changes := archive.Changes{Revision: since}

	people, err := s.queryPeople(ctx, `
		SELECT `+personColumns+`
		FROM people
		WHERE protocol_key = $1 AND revision > $2
		ORDER BY revision
	`, protocolKey, since)
	if err != nil {
		return archive.Changes{}, err
	}
	memories, err := s.queryMemories(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE protocol_key = $1 AND revision > $2
		ORDER BY revision
	`, protocolKey, since)
	if err != nil {
		return archive.Changes{}, err
	}
	messages, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE protocol_key = $1 AND revision > $2
			AND (to_user = '' OR memory_id <> '' OR from_user = $3 OR to_user = $3)
		ORDER BY revision
	`, protocolKey, since, user)
	if err != nil {
		return archive.Changes{}, err
	}

	changes.People = people
	changes.Memories = memories
	changes.Messages = messages
	for _, p := range people {
		changes.Revision = max(changes.Revision, p.Revision)
	}
	for _, m := range memories {
		changes.Revision = max(changes.Revision, m.Revision)
	}
	for _, m := range messages {
		changes.Revision = max(changes.Revision, m.Revision)
	}
	return changes, nil
}

func (s *PostgresStore) GetAppliedMutation(ctx context.Context, protocolKey, opID string) (AppliedMutation, error) {
	var (
		applied AppliedMutation
		status  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT op_id, status, revision, error
		FROM applied_mutations
		WHERE protocol_key = $1 AND op_id = $2
	`, protocolKey, opID).Scan(&applied.OpID, &status, &applied.Revision, &applied.Error)
	if err != nil {
		return AppliedMutation{}, err
	}
	applied.Status = archive.MutationStatus(status)
	return applied, nil
}

// RecordMutation stores the outcome of a replayed op. A second record for the
// same op id is ignored so the first outcome stays authoritative.
func (s *PostgresStore) RecordMutation(ctx context.Context, protocolKey string, applied AppliedMutation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_mutations (protocol_key, op_id, status, revision, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (protocol_key, op_id) DO NOTHING
	`, protocolKey, applied.OpID, string(applied.Status), applied.Revision, applied.Error)
	if err != nil {
		return fmt.Errorf("record mutation: %w", err)
	}
	return nil
}
