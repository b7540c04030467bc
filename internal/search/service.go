package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to Postgres full-text search.
type Service struct {
	meili    *Meili
	fallback Searcher
	loader   *PgFTS
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{meili: meili, loader: pgfts, logger: logger.Named("search")}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "pgfts"}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// async runs an index write in the background and logs failure.
func (s *Service) async(op, id string, fn func() error) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn("index write failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		}
	}()
}

func (s *Service) IndexPerson(r PersonRecord) {
	s.async("index person", r.ID, func() error { return s.meili.IndexPeople([]PersonRecord{r}) })
}

func (s *Service) IndexMemory(r MemoryRecord) {
	s.async("index memory", r.ID, func() error { return s.meili.IndexMemories([]MemoryRecord{r}) })
}

func (s *Service) IndexMessage(r MessageRecord) {
	s.async("index message", r.ID, func() error { return s.meili.IndexMessages([]MessageRecord{r}) })
}

func (s *Service) DeletePerson(id string) {
	s.async("delete person", id, func() error { return s.meili.delete(idxPeople, id) })
}

func (s *Service) DeleteMemory(id string) {
	s.async("delete memory", id, func() error { return s.meili.delete(idxMemories, id) })
}

func (s *Service) DeleteMessage(id string) {
	s.async("delete message", id, func() error { return s.meili.delete(idxMessages, id) })
}

// ReindexAllFromPG pushes every live record from PostgreSQL into Meilisearch.
// Called at bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() || s.loader == nil {
		return
	}
	people, memories, messages, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexPeople(people); err != nil {
		s.logger.Warn("reindex people", zap.Error(err))
	}
	if err := s.meili.IndexMemories(memories); err != nil {
		s.logger.Warn("reindex memories", zap.Error(err))
	}
	if err := s.meili.IndexMessages(messages); err != nil {
		s.logger.Warn("reindex messages", zap.Error(err))
	}
	s.logger.Info("reindexed search",
		zap.Int("people", len(people)), zap.Int("memories", len(memories)), zap.Int("messages", len(messages)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
