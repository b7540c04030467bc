// Package offline keeps a local SQLite copy of a family tree together with
// a queue of writes made while away from the server.
package offline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"heirloom/api/internal/archive"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrQueueEmpty     = errors.New("sync queue empty")
	ErrNotFound       = errors.New("record not in offline cache")
	ErrFamilyMismatch = errors.New("offline cache belongs to another family")
)

const (
	metaCursor      = "cursor"
	metaProtocolKey = "protocol_key"
	metaFamilyName  = "family_name"
	metaLastSync    = "last_sync"
)

// Op is a queued write.
type Op struct {
	archive.Mutation
	Seq       int64
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Reject is an op the server refused; it is kept for the user to review.
type Reject struct {
	archive.Mutation
	Reason     string
	RejectedAt time.Time
}

type Status struct {
	ProtocolKey string
	FamilyName  string
	QueueLen    int
	Rejects     int
	Cursor      int64
	LastSync    time.Time
	// LastError is the most recent failure recorded on the head of the queue.
	LastError string
}

type Store struct {
	db       *sql.DB
	validate *validator.Validate
	now      func() time.Time
}

// Open opens or creates <dataDir>/cache.db.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "cache.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open offline cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create offline schema: %w", err)
	}
	return &Store{db: db, validate: validator.New(), now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tableFor(entity archive.Entity) (string, error) {
	switch entity {
	case archive.EntityPerson:
		return "people", nil
	case archive.EntityMemory:
		return "memories", nil
	case archive.EntityMessage:
		return "messages", nil
	}
	return "", fmt.Errorf("unknown entity %q", entity)
}

// putRecord upserts a cached record unless the cache already holds a newer
// server revision of it.
func putRecord(ctx context.Context, db execer, entity archive.Entity, id string, revision int64, payload []byte, at time.Time) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, revision, deleted, payload, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			deleted = 0,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.revision >= `+table+`.revision
	`, id, revision, string(payload), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache %s %s: %w", entity, id, err)
	}
	return nil
}

func enqueue(ctx context.Context, db execer, m archive.Mutation, at time.Time) error {
	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (op_id, entity, action, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.OpID, string(m.Entity), string(m.Action), m.EntityID, payload, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", m.Action, m.Entity, err)
	}
	return nil
}

// rememberBase saves the cached server copy of a record before its first
// queued local op, so a rejected op can be undone.
func rememberBase(ctx context.Context, tx *sql.Tx, entity archive.Entity, id string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	var (
		revision int64
		payload  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT revision, payload FROM `+table+` WHERE id = ? AND deleted = 0`, id).Scan(&revision, &payload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load cached %s %s: %w", entity, id, err)
	}
	// Records created offline have revision 0 and no server copy.
	if revision == 0 {
		payload = sql.NullString{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_base (entity, entity_id, revision, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity, entity_id) DO NOTHING
	`, string(entity), id, revision, payload)
	if err != nil {
		return fmt.Errorf("remember %s %s: %w", entity, id, err)
	}
	return nil
}

func setBase(ctx context.Context, db execer, entity archive.Entity, id string, revision int64, payload []byte) error {
	var value any
	if payload != nil {
		value = string(payload)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE sync_base SET revision = ?, payload = ? WHERE entity = ? AND entity_id = ?
	`, revision, value, string(entity), id)
	if err != nil {
		return fmt.Errorf("update base of %s %s: %w", entity, id, err)
	}
	return nil
}

func hasQueuedOps(ctx context.Context, tx *sql.Tx, entity archive.Entity, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE entity = ? AND entity_id = ?`, string(entity), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count queued ops: %w", err)
	}
	return n > 0, nil
}

// restoreBase puts the server copy of a record back in the cache, or drops
// the record when the server never had it.
func restoreBase(ctx context.Context, tx *sql.Tx, entity archive.Entity, id string, at time.Time) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	var (
		revision int64
		payload  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT revision, payload FROM sync_base WHERE entity = ? AND entity_id = ?`,
		string(entity), id).Scan(&revision, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load base of %s %s: %w", entity, id, err)
	}
	if payload.Valid {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+table+` (id, revision, deleted, payload, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				revision = excluded.revision,
				deleted = 0,
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`, id, revision, payload.String, at.UTC().Format(time.RFC3339Nano))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("restore %s %s: %w", entity, id, err)
	}
	return forgetBase(ctx, tx, entity, id)
}

func forgetBase(ctx context.Context, db execer, entity archive.Entity, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_base WHERE entity = ? AND entity_id = ?`, string(entity), id); err != nil {
		return fmt.Errorf("forget base of %s %s: %w", entity, id, err)
	}
	return nil
}

// writeLocal stores the record and queues its replay in one transaction.
func (s *Store) writeLocal(ctx context.Context, entity archive.Entity, id string, revision int64, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity, err)
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rememberBase(ctx, tx, entity, id); err != nil {
			return err
		}
		if err := putRecord(ctx, tx, entity, id, revision, payload, now); err != nil {
			return err
		}
		return enqueue(ctx, tx, archive.Mutation{
			OpID:     uuid.NewString(),
			Entity:   entity,
			Action:   archive.ActionUpsert,
			EntityID: id,
			Payload:  payload,
		}, now)
	})
}

func (s *Store) deleteLocal(ctx context.Context, entity archive.Entity, id string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := rememberBase(ctx, tx, entity, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
			now.UTC().Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("delete cached %s: %w", entity, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
		}
		return enqueue(ctx, tx, archive.Mutation{
			OpID:     uuid.NewString(),
			Entity:   entity,
			Action:   archive.ActionDelete,
			EntityID: id,
		}, now)
	})
}

// SavePerson writes a person locally and queues it for the server. A
// person without an id is new and gets one.
func (s *Store) SavePerson(ctx context.Context, p archive.Person) (archive.Person, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := s.validate.Struct(p); err != nil {
		return archive.Person{}, fmt.Errorf("invalid person: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ParentIDs == nil {
		p.ParentIDs = []string{}
	}
	if p.SpouseIDs == nil {
		p.SpouseIDs = []string{}
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := s.writeLocal(ctx, archive.EntityPerson, p.ID, p.Revision, p); err != nil {
		return archive.Person{}, err
	}
	return p, nil
}

func (s *Store) DeletePerson(ctx context.Context, id string) error {
	return s.deleteLocal(ctx, archive.EntityPerson, id)
}

// SaveMemory writes memory metadata locally. Files cannot be queued; they
// are uploaded directly while online.
func (s *Store) SaveMemory(ctx context.Context, m archive.Memory) (archive.Memory, error) {
	if m.Type == "" {
		m.Type = archive.TypeText
	}
	if _, ok := archive.ParseMemoryType(string(m.Type)); !ok {
		return archive.Memory{}, fmt.Errorf("invalid memory: unknown type %q", m.Type)
	}
	if m.Type == archive.TypeText && strings.TrimSpace(m.Content) == "" && m.BlobKey == "" {
		return archive.Memory{}, errors.New("invalid memory: text memories need content")
	}
	if err := s.validate.Struct(m); err != nil {
		return archive.Memory{}, fmt.Errorf("invalid memory: %w", err)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.PersonIDs == nil {
		m.PersonIDs = []string{}
	}
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if err := s.writeLocal(ctx, archive.EntityMemory, m.ID, m.Revision, m); err != nil {
		return archive.Memory{}, err
	}
	return m, nil
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.deleteLocal(ctx, archive.EntityMemory, id)
}

func (s *Store) SaveMessage(ctx context.Context, msg archive.Message) (archive.Message, error) {
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Body == "" {
		return archive.Message{}, errors.New("invalid message: body required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if err := s.writeLocal(ctx, archive.EntityMessage, msg.ID, msg.Revision, msg); err != nil {
		return archive.Message{}, err
	}
	return msg, nil
}

func loadRecords[T any](ctx context.Context, db *sql.DB, table string) ([]T, error) {
	rows, err := db.QueryContext(ctx, `SELECT payload FROM `+table+` WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cached %s: %w", table, err)
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("decode cached %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func loadRecord[T any](ctx context.Context, db *sql.DB, entity archive.Entity, id string) (T, error) {
	var zero T
	table, err := tableFor(entity)
	if err != nil {
		return zero, err
	}
	var payload string
	err = db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE id = ? AND deleted = 0`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
	}
	if err != nil {
		return zero, fmt.Errorf("load cached %s: %w", entity, err)
	}
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return zero, fmt.Errorf("decode cached %s: %w", entity, err)
	}
	return v, nil
}

// Tree returns the cached tree with generations derived.
func (s *Store) Tree(ctx context.Context) (archive.Tree, error) {
	people, err := loadRecords[archive.Person](ctx, s.db, "people")
	if err != nil {
		return archive.Tree{}, err
	}
	memories, err := loadRecords[archive.Memory](ctx, s.db, "memories")
	if err != nil {
		return archive.Tree{}, err
	}
	archive.AssignGenerations(people)
	archive.SortPeople(people)

	tree := archive.Tree{People: people, Memories: memories}
	if tree.ProtocolKey, err = s.meta(ctx, metaProtocolKey); err != nil {
		return archive.Tree{}, err
	}
	if tree.FamilyName, err = s.meta(ctx, metaFamilyName); err != nil {
		return archive.Tree{}, err
	}
	if tree.Revision, err = s.Cursor(ctx); err != nil {
		return archive.Tree{}, err
	}
	return tree, nil
}

func (s *Store) Person(ctx context.Context, id string) (archive.Person, error) {
	return loadRecord[archive.Person](ctx, s.db, archive.EntityPerson, id)
}

func (s *Store) Memory(ctx context.Context, id string) (archive.Memory, error) {
	return loadRecord[archive.Memory](ctx, s.db, archive.EntityMemory, id)
}

// Messages returns cached messages, oldest first.
func (s *Store) Messages(ctx context.Context) ([]archive.Message, error) {
	messages, err := loadRecords[archive.Message](ctx, s.db, "messages")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func scanOp(row interface{ Scan(...any) error }) (Op, error) {
	var (
		op        Op
		entity    string
		action    string
		payload   sql.NullString
		createdAt string
	)
	if err := row.Scan(&op.Seq, &op.OpID, &entity, &action, &op.EntityID, &payload, &op.Attempts, &op.LastError, &createdAt); err != nil {
		return Op{}, err
	}
	op.Entity = archive.Entity(entity)
	op.Action = archive.Action(action)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	at, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Op{}, fmt.Errorf("op %s created_at: %w", op.OpID, err)
	}
	op.CreatedAt = at
	return op, nil
}

const opColumns = `seq, op_id, entity, action, entity_id, payload, attempts, last_error, created_at`

// Pending returns up to limit queued ops in the order they were made. A
// limit of zero or less returns all of them.
func (s *Store) Pending(ctx context.Context, limit int) ([]Op, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+opColumns+` FROM sync_queue ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync queue: %w", err)
	}
	defer rows.Close()
	var ops []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync queue: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Peek returns the head of the queue.
func (s *Store) Peek(ctx context.Context) (Op, error) {
	op, err := scanOp(s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM sync_queue ORDER BY seq LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Op{}, ErrQueueEmpty
	}
	if err != nil {
		return Op{}, fmt.Errorf("peek sync queue: %w", err)
	}
	return op, nil
}

func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sync queue: %w", err)
	}
	return n, nil
}

// Complete removes an op the server accepted at revision. Once the record
// has no queued ops left the cache matches the server again.
func (s *Store) Complete(ctx context.Context, op Op, revision int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, op.Seq); err != nil {
			return fmt.Errorf("complete op %d: %w", op.Seq, err)
		}
		queued, err := hasQueuedOps(ctx, tx, op.Entity, op.EntityID)
		if err != nil {
			return err
		}
		if !queued {
			if op.Action == archive.ActionUpsert && revision > 0 {
				table, err := tableFor(op.Entity)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE `+table+` SET revision = ?, payload = json_set(payload, '$.revision', ?)
					WHERE id = ? AND revision < ?
				`, revision, revision, op.EntityID, revision); err != nil {
					return fmt.Errorf("stamp %s %s: %w", op.Entity, op.EntityID, err)
				}
			}
			return forgetBase(ctx, tx, op.Entity, op.EntityID)
		}
		if op.Action == archive.ActionDelete {
			return setBase(ctx, tx, op.Entity, op.EntityID, revision, nil)
		}
		return setBase(ctx, tx, op.Entity, op.EntityID, revision, op.Payload)
	})
}

// MarkFailed records a failed attempt; the op stays at its position.
func (s *Store) MarkFailed(ctx context.Context, seq int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, reason, seq)
	if err != nil {
		return fmt.Errorf("mark op %d failed: %w", seq, err)
	}
	return nil
}

// Reject moves an op the server refused from the queue to sync_rejects and,
// when nothing else is queued for the record, puts back the server's copy.
func (s *Store) Reject(ctx context.Context, op Op, reason string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var payload any
		if len(op.Payload) > 0 {
			payload = string(op.Payload)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_rejects (op_id, entity, action, entity_id, payload, reason, rejected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, op.OpID, string(op.Entity), string(op.Action), op.EntityID, payload, reason, now.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record reject: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, op.Seq); err != nil {
			return fmt.Errorf("dequeue rejected op: %w", err)
		}
		// Later ops on the same record still carry the user's intent.
		queued, err := hasQueuedOps(ctx, tx, op.Entity, op.EntityID)
		if err != nil || queued {
			return err
		}
		return restoreBase(ctx, tx, op.Entity, op.EntityID, now)
	})
}

func (s *Store) Rejected(ctx context.Context) ([]Reject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, entity, action, entity_id, payload, reason, rejected_at
		FROM sync_rejects ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list rejects: %w", err)
	}
	defer rows.Close()
	var out []Reject
	for rows.Next() {
		var (
			r          Reject
			entity     string
			action     string
			payload    sql.NullString
			rejectedAt string
		)
		if err := rows.Scan(&r.OpID, &entity, &action, &r.EntityID, &payload, &r.Reason, &rejectedAt); err != nil {
			return nil, err
		}
		r.Entity = archive.Entity(entity)
		r.Action = archive.Action(action)
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		at, err := time.Parse(time.RFC3339Nano, rejectedAt)
		if err != nil {
			return nil, fmt.Errorf("reject %s rejected_at: %w", r.OpID, err)
		}
		r.RejectedAt = at
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearRejects forgets every recorded reject.
func (s *Store) ClearRejects(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_rejects`)
	return err
}

// ApplyReport counts what a server batch did to the cache.
type ApplyReport struct {
	Updated int   `json:"updated"`
	Deleted int   `json:"deleted"`
	Kept    int   `json:"kept"`
	Cursor  int64 `json:"cursor"`
}

type pendingKey struct {
	entity archive.Entity
	id     string
}

// ApplyChanges reconciles a server batch into the cache. The server wins
// unless the record has a queued local op, in which case the local version
// is kept until the op drains and the server copy is remembered for a
// possible reject. Tombstones remove records.
func (s *Store) ApplyChanges(ctx context.Context, batch archive.Changes) (ApplyReport, error) {
	var report ApplyReport
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pending := map[pendingKey]bool{}
		rows, err := tx.QueryContext(ctx, `SELECT DISTINCT entity, entity_id FROM sync_queue`)
		if err != nil {
			return fmt.Errorf("load pending ops: %w", err)
		}
		for rows.Next() {
			var entity, id string
			if err := rows.Scan(&entity, &id); err != nil {
				rows.Close()
				return err
			}
			pending[pendingKey{archive.Entity(entity), id}] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		apply := func(entity archive.Entity, id string, revision int64, deleted bool, record any) error {
			if pending[pendingKey{entity, id}] {
				report.Kept++
				if deleted {
					return setBase(ctx, tx, entity, id, revision, nil)
				}
				payload, err := json.Marshal(record)
				if err != nil {
					return err
				}
				return setBase(ctx, tx, entity, id, revision, payload)
			}
			if deleted {
				table, err := tableFor(entity)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
					return fmt.Errorf("remove cached %s: %w", entity, err)
				}
				report.Deleted++
				return nil
			}
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := putRecord(ctx, tx, entity, id, revision, payload, now); err != nil {
				return err
			}
			report.Updated++
			return nil
		}

		for _, p := range batch.People {
			if err := apply(archive.EntityPerson, p.ID, p.Revision, p.Deleted, p); err != nil {
				return err
			}
		}
		for _, m := range batch.Memories {
			if err := apply(archive.EntityMemory, m.ID, m.Revision, m.Deleted, m); err != nil {
				return err
			}
		}
		for _, m := range batch.Messages {
			if err := apply(archive.EntityMessage, m.ID, m.Revision, m.Deleted, m); err != nil {
				return err
			}
		}

		cursor, err := cursorFrom(ctx, tx)
		if err != nil {
			return err
		}
		report.Cursor = max(cursor, batch.Revision)
		if err := setMeta(ctx, tx, metaCursor, strconv.FormatInt(report.Cursor, 10)); err != nil {
			return err
		}
		return setMeta(ctx, tx, metaLastSync, now.UTC().Format(time.RFC3339Nano))
	})
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply changes: %w", err)
	}
	return report, nil
}

func setMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func metaFrom(ctx context.Context, db queryRower, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func cursorFrom(ctx context.Context, db queryRower) (int64, error) {
	value, err := metaFrom(ctx, db, metaCursor)
	if err != nil || value == "" {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func (s *Store) meta(ctx context.Context, key string) (string, error) {
	return metaFrom(ctx, s.db, key)
}

// Cursor is the server revision the cache is synced up to.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	return cursorFrom(ctx, s.db)
}

// SetFamily binds the cache to a family. Binding a cache that already
// holds another family's data fails.
func (s *Store) SetFamily(ctx context.Context, protocolKey, familyName string) error {
	current, err := s.meta(ctx, metaProtocolKey)
	if err != nil {
		return err
	}
	if current != "" && current != protocolKey {
		return fmt.Errorf("%w: %s", ErrFamilyMismatch, current)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setMeta(ctx, tx, metaProtocolKey, protocolKey); err != nil {
			return err
		}
		if familyName == "" {
			return nil
		}
		return setMeta(ctx, tx, metaFamilyName, familyName)
	})
}

func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.ProtocolKey, err = s.meta(ctx, metaProtocolKey); err != nil {
		return Status{}, err
	}
	if st.FamilyName, err = s.meta(ctx, metaFamilyName); err != nil {
		return Status{}, err
	}
	if st.Cursor, err = s.Cursor(ctx); err != nil {
		return Status{}, err
	}
	if st.QueueLen, err = s.QueueLen(ctx); err != nil {
		return Status{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_rejects`).Scan(&st.Rejects); err != nil {
		return Status{}, fmt.Errorf("count rejects: %w", err)
	}
	lastSync, err := s.meta(ctx, metaLastSync)
	if err != nil {
		return Status{}, err
	}
	if lastSync != "" {
		if st.LastSync, err = time.Parse(time.RFC3339Nano, lastSync); err != nil {
			return Status{}, fmt.Errorf("last sync time: %w", err)
		}
	}
	if head, err := s.Peek(ctx); err == nil {
		st.LastError = head.LastError
	} else if !errors.Is(err, ErrQueueEmpty) {
		return Status{}, err
	}
	return st, nil
}
