package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxPeople   = "heirloom_people"
	idxMemories = "heirloom_memories"
	idxMessages = "heirloom_messages"
)

// Meili implements Searcher and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. A failed
// initial health check leaves it unhealthy; the health loop retries.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxPeople,
			filterable: []string{"protocolKey"},
			searchable: []string{"name", "nickname", "birthPlace", "biography"},
		},
		{
			uid:        idxMemories,
			filterable: []string{"protocolKey", "type", "personIds"},
			searchable: []string{"title", "description", "location", "date", "content"},
		},
		{
			uid:        idxMessages,
			filterable: []string{"protocolKey", "audience", "memoryId"},
			searchable: []string{"body"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug("create index (may already exist)", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			case err != nil && wasHealthy:
				m.logger.Warn("meilisearch went unhealthy", zap.Error(err))
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the three indexes (or one, when filtered) and merges the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if q.ProtocolKey == "" {
		return nil, 0, fmt.Errorf("search requires a protocol key")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxPeople, ResultPerson},
		{idxMemories, ResultMemory},
		{idxMessages, ResultMessage},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		filters := []string{fmt.Sprintf("protocolKey = %q", q.ProtocolKey)}
		if ti.rtyp == ResultMessage {
			filters = append(filters, fmt.Sprintf("audience IN [%q, %q]", audienceAll, q.User))
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                filters,
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		})
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxPeople:
		return ResultPerson
	case idxMemories:
		return ResultMemory
	case idxMessages:
		return ResultMessage
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp, ID: decodeString(hit, "id")}
	switch rtyp {
	case ResultPerson:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "biography"), decodeString(hit, "birthPlace"))
	case ResultMemory:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeFormattedString(hit, "content"), decodeString(hit, "location"))
		r.MemoryType = decodeString(hit, "type")
		r.MemoryID = r.ID
	case ResultMessage:
		r.Title = decodeString(hit, "fromUser")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
		r.MemoryID = decodeString(hit, "memoryId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexPeople(people []PersonRecord) error {
	if len(people) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPeople).AddDocuments(people, nil)
	return err
}

func (m *Meili) IndexMemories(memories []MemoryRecord) error {
	if len(memories) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMemories).AddDocuments(memories, nil)
	return err
}

func (m *Meili) IndexMessages(messages []MessageRecord) error {
	if len(messages) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(messages, nil)
	return err
}

func (m *Meili) delete(uid, id string) error {
	_, err := m.client.Index(uid).DeleteDocument(id, nil)
	return err
}
