package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"heirloom/api/internal/archive"
)

type fakeSearcher struct {
	results []Result
	total   int
	err     error
	got     Query
}

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.got = q
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return true }

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{Type: ResultPerson, ID: "per_1", Title: "Grace"}}, total: 1}
	svc := &Service{fallback: fallback, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "grace", ProtocolKey: "smith"})
	if resp.Engine != "pgfts" || resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fallback.got.ProtocolKey != "smith" {
		t.Fatalf("expected protocol key to reach the searcher, got %+v", fallback.got)
	}
}

func TestServiceReturnsEmptyResultsOnError(t *testing.T) {
	svc := &Service{fallback: &fakeSearcher{err: errors.New("boom")}, logger: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{Text: "x", ProtocolKey: "k"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestServiceWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop())
	resp := svc.Search(context.Background(), Query{Text: "x", ProtocolKey: "k"})
	if resp.Engine != "none" || resp.Results == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	// index writes are no-ops without meilisearch
	svc.IndexPerson(PersonRecord{ID: "per_1"})
	svc.DeleteMemory("mem_1")
	svc.ReindexAllFromPG(context.Background())
}

func TestParseResultType(t *testing.T) {
	tests := map[string]ResultType{"": "", "people": ResultPerson, "memory": ResultMemory, "messages": ResultMessage}
	for in, want := range tests {
		got, ok := ParseResultType(in)
		if !ok || got != want {
			t.Fatalf("ParseResultType(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseResultType("threads"); ok {
		t.Fatal("expected unknown type to be rejected")
	}
}

func TestMessageRecordAudience(t *testing.T) {
	direct := MessageRecordFrom("k", archive.Message{ID: "m1", FromUser: "Ada", ToUser: "Ben", Body: "hi"})
	if strings.Join(direct.Audience, ",") != "Ada,Ben" {
		t.Fatalf("expected direct message audience, got %v", direct.Audience)
	}
	family := MessageRecordFrom("k", archive.Message{ID: "m2", FromUser: "Ada", Body: "hi all"})
	if len(family.Audience) != 1 || family.Audience[0] != audienceAll {
		t.Fatalf("expected family-wide audience, got %v", family.Audience)
	}
	annotation := MessageRecordFrom("k", archive.Message{ID: "m3", FromUser: "Ada", ToUser: "Ben", MemoryID: "mem_1", Body: "look"})
	if annotation.Audience[0] != audienceAll {
		t.Fatalf("expected annotations to be visible to the family, got %v", annotation.Audience)
	}
}

func TestBuildSubQueriesScopesEveryTable(t *testing.T) {
	all := buildSubQueries("")
	if len(all) != 3 {
		t.Fatalf("expected 3 sub-queries, got %d", len(all))
	}
	for _, q := range all {
		if !strings.Contains(q, "protocol_key = $2") || !strings.Contains(q, "deleted_at IS NULL") {
			t.Fatalf("sub-query missing family scope or tombstone filter: %s", q)
		}
	}
	memoriesOnly := buildSubQueries(ResultMemory)
	if len(memoriesOnly) != 1 || strings.Contains(memoriesOnly[0], "$3") {
		t.Fatalf("expected single memory sub-query without user parameter, got %v", memoriesOnly)
	}
	messages := buildSubQueries(ResultMessage)
	if len(messages) != 1 || !strings.Contains(messages[0], "$3") {
		t.Fatalf("expected message sub-query to filter by user, got %v", messages)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"mem_1"`),
		"title":      json.RawMessage(`"Wedding day"`),
		"type":       json.RawMessage(`"photo"`),
		"_formatted": json.RawMessage(`{"title":"<mark>Wedding</mark> day","description":"at the <mark>chapel</mark>","personIds":["a"]}`),
	}
	r := hitToResult(hit, ResultMemory)
	if r.ID != "mem_1" || r.MemoryID != "mem_1" || r.MemoryType != "photo" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Title != "<mark>Wedding</mark> day" || r.Snippet != "at the <mark>chapel</mark>" {
		t.Fatalf("expected highlighted fields, got %+v", r)
	}
}
