package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over people, memories and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ProtocolKey == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	subQueries := buildSubQueries(q.FilterType)
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")
	args := []any{q.Text, q.ProtocolKey}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		args = append(args, q.User)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, memory_type, memory_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.MemoryType, &r.MemoryID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildSubQueries returns one SELECT per searchable table. Parameters are
// $1 query text, $2 protocol key and, for messages only, $3 the searching user.
func buildSubQueries(filter ResultType) []string {
	const tsQuery = "plainto_tsquery('english', $1)"
	var subQueries []string

	if filter == "" || filter == ResultPerson {
		subQueries = append(subQueries, `
			SELECT 'person'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.biography, ''), `+tsQuery+`, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS memory_type, ''::text AS memory_id,
				ts_rank(p.fts, `+tsQuery+`) AS rank
			FROM people p
			WHERE p.fts @@ `+tsQuery+` AND p.protocol_key = $2 AND p.deleted_at IS NULL`)
	}
	if filter == "" || filter == ResultMemory {
		subQueries = append(subQueries, `
			SELECT 'memory'::text AS type, m.id, m.title,
				ts_headline('english', coalesce(m.description, '') || ' ' || coalesce(m.content, ''), `+tsQuery+`, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.type AS memory_type, m.id AS memory_id,
				ts_rank(m.fts, `+tsQuery+`) AS rank
			FROM memories m
			WHERE m.fts @@ `+tsQuery+` AND m.protocol_key = $2 AND m.deleted_at IS NULL`)
	}
	if filter == "" || filter == ResultMessage {
		subQueries = append(subQueries, `
			SELECT 'message'::text AS type, g.id, g.from_user AS title,
				ts_headline('english', g.body, `+tsQuery+`, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS memory_type, g.memory_id,
				ts_rank(g.fts, `+tsQuery+`) AS rank
			FROM messages g
			WHERE g.fts @@ `+tsQuery+` AND g.protocol_key = $2 AND g.deleted_at IS NULL
				AND (g.to_user = '' OR g.memory_id <> '' OR g.from_user = $3 OR g.to_user = $3)`)
	}
	return subQueries
}

// LoadAllRecords returns every live searchable record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PersonRecord, []MemoryRecord, []MessageRecord, error) {
	peopleRows, err := p.db.QueryContext(ctx, `
		SELECT id, protocol_key, name, nickname, birth_place, biography
		FROM people
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load people: %w", err)
	}
	defer peopleRows.Close()

	people := make([]PersonRecord, 0)
	for peopleRows.Next() {
		var r PersonRecord
		if err := peopleRows.Scan(&r.ID, &r.ProtocolKey, &r.Name, &r.Nickname, &r.BirthPlace, &r.Biography); err != nil {
			return nil, nil, nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, r)
	}
	if err := peopleRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate people: %w", err)
	}

	memoryRows, err := p.db.QueryContext(ctx, `
		SELECT id, protocol_key, type, title, description, content, location, memory_date, person_ids
		FROM memories
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load memories: %w", err)
	}
	defer memoryRows.Close()

	memories := make([]MemoryRecord, 0)
	for memoryRows.Next() {
		var (
			r         MemoryRecord
			personIDs []byte
		)
		if err := memoryRows.Scan(&r.ID, &r.ProtocolKey, &r.Type, &r.Title, &r.Description, &r.Content, &r.Location, &r.Date, &personIDs); err != nil {
			return nil, nil, nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal(personIDs, &r.PersonIDs); err != nil {
			return nil, nil, nil, fmt.Errorf("decode memory %s tags: %w", r.ID, err)
		}
		memories = append(memories, r)
	}
	if err := memoryRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate memories: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT id, protocol_key, body, from_user, to_user, memory_id
		FROM messages
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var (
			r      MessageRecord
			toUser string
		)
		if err := messageRows.Scan(&r.ID, &r.ProtocolKey, &r.Body, &r.FromUser, &toUser, &r.MemoryID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan message: %w", err)
		}
		r.Audience = []string{audienceAll}
		if toUser != "" && r.MemoryID == "" {
			r.Audience = []string{r.FromUser, toUser}
		}
		messages = append(messages, r)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return people, memories, messages, nil
}
