package search

import (
	"context"

	"heirloom/api/internal/archive"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPerson  ResultType = "person"
	ResultMemory  ResultType = "memory"
	ResultMessage ResultType = "message"
)

// ParseResultType accepts the plural forms used in query strings.
func ParseResultType(value string) (ResultType, bool) {
	switch value {
	case "":
		return "", true
	case "person", "people":
		return ResultPerson, true
	case "memory", "memories":
		return ResultMemory, true
	case "message", "messages":
		return ResultMessage, true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	MemoryType string     `json:"memoryType,omitempty"`
	MemoryID   string     `json:"memoryId,omitempty"`
}

// Query describes a search request. ProtocolKey is mandatory; User decides
// which direct messages are visible.
type Query struct {
	Text        string
	ProtocolKey string
	User        string
	FilterType  ResultType // empty = all types
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// audienceAll marks family-wide messages and annotations in the index.
const audienceAll = "*"

type PersonRecord struct {
	ID          string `json:"id"`
	ProtocolKey string `json:"protocolKey"`
	Name        string `json:"name"`
	Nickname    string `json:"nickname"`
	BirthPlace  string `json:"birthPlace"`
	Biography   string `json:"biography"`
}

type MemoryRecord struct {
	ID          string   `json:"id"`
	ProtocolKey string   `json:"protocolKey"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Location    string   `json:"location"`
	Date        string   `json:"date"`
	PersonIDs   []string `json:"personIds"`
}

type MessageRecord struct {
	ID          string   `json:"id"`
	ProtocolKey string   `json:"protocolKey"`
	Body        string   `json:"body"`
	FromUser    string   `json:"fromUser"`
	MemoryID    string   `json:"memoryId"`
	Audience    []string `json:"audience"`
}

func PersonRecordFrom(protocolKey string, p archive.Person) PersonRecord {
	return PersonRecord{
		ID:          p.ID,
		ProtocolKey: protocolKey,
		Name:        p.Name,
		Nickname:    p.Nickname,
		BirthPlace:  p.BirthPlace,
		Biography:   p.Biography,
	}
}

func MemoryRecordFrom(protocolKey string, m archive.Memory) MemoryRecord {
	return MemoryRecord{
		ID:          m.ID,
		ProtocolKey: protocolKey,
		Type:        string(m.Type),
		Title:       m.Title,
		Description: m.Description,
		Content:     m.Content,
		Location:    m.Location,
		Date:        m.Date,
		PersonIDs:   m.PersonIDs,
	}
}

func MessageRecordFrom(protocolKey string, m archive.Message) MessageRecord {
	audience := []string{audienceAll}
	if m.ToUser != "" && m.MemoryID == "" {
		audience = []string{m.FromUser, m.ToUser}
	}
	return MessageRecord{
		ID:          m.ID,
		ProtocolKey: protocolKey,
		Body:        m.Body,
		FromUser:    m.FromUser,
		MemoryID:    m.MemoryID,
		Audience:    audience,
	}
}
