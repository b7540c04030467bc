package store

import (
	"context"
	"database/sql"
	"fmt"

	"heirloom/api/internal/archive"
)

const personColumns = `id, name, nickname, birth_date, death_date, birth_place, biography, gender,
	parent_ids, spouse_ids, avatar_memory_id, revision, created_at, updated_at, deleted_at`

func scanPerson(row rowScanner) (archive.Person, error) {
	var (
		person    archive.Person
		parents   []byte
		spouses   []byte
		deletedAt sql.NullTime
	)
	err := row.Scan(&person.ID, &person.Name, &person.Nickname, &person.BirthDate, &person.DeathDate,
		&person.BirthPlace, &person.Biography, &person.Gender, &parents, &spouses, &person.AvatarMemoryID,
		&person.Revision, &person.CreatedAt, &person.UpdatedAt, &deletedAt)
	if err != nil {
		return archive.Person{}, err
	}
	if person.ParentIDs, err = decodeIDs(parents); err != nil {
		return archive.Person{}, err
	}
	if person.SpouseIDs, err = decodeIDs(spouses); err != nil {
		return archive.Person{}, err
	}
	person.Deleted = deletedAt.Valid
	return person, nil
}

func (s *PostgresStore) queryPeople(ctx context.Context, query string, args ...any) ([]archive.Person, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	people := make([]archive.Person, 0)
	for rows.Next() {
		person, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, person)
	}
	return people, rows.Err()
}

// ListPeople returns the family's live people ordered by name. Generations
// are not assigned here; callers derive them from the full list.
func (s *PostgresStore) ListPeople(ctx context.Context, protocolKey string) ([]archive.Person, error) {
	return s.queryPeople(ctx, `
		SELECT `+personColumns+`
		FROM people
		WHERE protocol_key = $1 AND deleted_at IS NULL
		ORDER BY name, id
	`, protocolKey)
}

func (s *PostgresStore) GetPerson(ctx context.Context, protocolKey, personID string) (archive.Person, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+personColumns+`
		FROM people
		WHERE protocol_key = $1 AND id = $2 AND deleted_at IS NULL
	`, protocolKey, personID)
	return scanPerson(row)
}

func (s *PostgresStore) InsertPerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error) {
	parents, err := encodeIDs(person.ParentIDs)
	if err != nil {
		return archive.Person{}, err
	}
	spouses, err := encodeIDs(person.SpouseIDs)
	if err != nil {
		return archive.Person{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO people (id, protocol_key, name, nickname, birth_date, death_date, birth_place, biography, gender,
			parent_ids, spouse_ids, avatar_memory_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)
		RETURNING `+personColumns,
		person.ID, protocolKey, person.Name, person.Nickname, person.BirthDate, person.DeathDate,
		person.BirthPlace, person.Biography, person.Gender, parents, spouses, person.AvatarMemoryID)
	stored, err := scanPerson(row)
	if err != nil {
		return archive.Person{}, insertError("person", err)
	}
	return stored, nil
}

// UpdatePerson overwrites every mutable field and bumps the revision.
func (s *PostgresStore) UpdatePerson(ctx context.Context, protocolKey string, person archive.Person) (archive.Person, error) {
	parents, err := encodeIDs(person.ParentIDs)
	if err != nil {
		return archive.Person{}, err
	}
	spouses, err := encodeIDs(person.SpouseIDs)
	if err != nil {
		return archive.Person{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE people
		SET name=$3, nickname=$4, birth_date=$5, death_date=$6, birth_place=$7, biography=$8, gender=$9,
			parent_ids=$10::jsonb, spouse_ids=$11::jsonb, avatar_memory_id=$12,
			revision=nextval('heirloom_revision_seq'), updated_at=NOW()
		WHERE protocol_key=$1 AND id=$2 AND deleted_at IS NULL
		RETURNING `+personColumns,
		protocolKey, person.ID, person.Name, person.Nickname, person.BirthDate, person.DeathDate,
		person.BirthPlace, person.Biography, person.Gender, parents, spouses, person.AvatarMemoryID)
	return scanPerson(row)
}

// DeletePerson tombstones the person and strips their id from every
// relationship list and memory tag in the family, in one transaction.
func (s *PostgresStore) DeletePerson(ctx context.Context, protocolKey, personID string) (int64, error) {
	var revision int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE people
			SET deleted_at=NOW(), revision=nextval('heirloom_revision_seq'), updated_at=NOW()
			WHERE protocol_key=$1 AND id=$2 AND deleted_at IS NULL
			RETURNING revision
		`, protocolKey, personID).Scan(&revision)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE people
			SET parent_ids = parent_ids - $2::text, spouse_ids = spouse_ids - $2::text,
				revision=nextval('heirloom_revision_seq'), updated_at=NOW()
			WHERE protocol_key=$1 AND deleted_at IS NULL
				AND (parent_ids @> jsonb_build_array($2::text) OR spouse_ids @> jsonb_build_array($2::text))
		`, protocolKey, personID); err != nil {
			return fmt.Errorf("unlink relatives: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET person_ids = person_ids - $2::text, revision=nextval('heirloom_revision_seq'), updated_at=NOW()
			WHERE protocol_key=$1 AND deleted_at IS NULL AND person_ids @> jsonb_build_array($2::text)
		`, protocolKey, personID); err != nil {
			return fmt.Errorf("untag memories: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// CountPeople reports how many of ids are live people in the family.
func (s *PostgresStore) CountPeople(ctx context.Context, protocolKey string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	encoded, err := encodeIDs(ids)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM people
		WHERE protocol_key = $1 AND deleted_at IS NULL
			AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, protocolKey, encoded).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count people: %w", err)
	}
	return count, nil
}
