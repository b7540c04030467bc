package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/export"
	"heirloom/api/internal/journal"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/search"
)

// Snapshot is a journal commit with the tree it recorded and what changed
// from it to the live tree.
type Snapshot struct {
	Commit  journal.Commit   `json:"commit"`
	Tree    archive.Tree     `json:"tree"`
	Changes []journal.Change `json:"changesSince"`
}

// Export writes the family, or one person, in the requested format and
// records a journal snapshot of the exported tree.
func (s *Service) Export(ctx context.Context, session Session, tree archive.Tree, req export.Request, w io.Writer) (export.Report, error) {
	if err := s.require(session, rbac.ActionExport); err != nil {
		return export.Report{}, err
	}
	started := s.now()
	report, err := s.exporter.Export(ctx, w, tree, req)
	status := "ok"
	if err != nil {
		_, code, _, _ := mapError(err)
		status = code
	}
	s.metrics.ObserveExport(string(req.Format), status, s.now().Sub(started))
	if err != nil {
		return export.Report{}, err
	}

	message := fmt.Sprintf("Export %s", req.Format)
	if req.Options.PersonID != "" {
		message += " for " + req.Options.PersonID
	}
	if _, err := s.snapshot(session, tree, message); err != nil {
		s.logger.Warn("journal export snapshot", zap.String("protocol_key", session.ProtocolKey), zap.Error(err))
	}
	return report, nil
}

// CreateSnapshot commits the current tree to the family journal.
func (s *Service) CreateSnapshot(ctx context.Context, session Session, message string) (journal.Commit, error) {
	if err := s.require(session, rbac.ActionWrite); err != nil {
		return journal.Commit{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Snapshot"
	}
	tree, err := s.Tree(ctx, session.ProtocolKey)
	if err != nil {
		return journal.Commit{}, err
	}
	return s.snapshot(session, tree, message)
}

func (s *Service) snapshot(session Session, tree archive.Tree, message string) (journal.Commit, error) {
	if s.journal == nil {
		return journal.Commit{}, errJournalDisabled
	}
	return s.journal.Snapshot(session.ProtocolKey, tree, session.UserName, message)
}

func (s *Service) Snapshots(ctx context.Context, session Session, limit int) ([]journal.Commit, error) {
	if s.journal == nil {
		return nil, errJournalDisabled
	}
	commits, err := s.journal.History(session.ProtocolKey, limit)
	if errors.Is(err, journal.ErrNoJournal) {
		return []journal.Commit{}, nil
	}
	return commits, err
}

// SnapshotAt loads a recorded tree and diffs it against the live one.
func (s *Service) SnapshotAt(ctx context.Context, session Session, hash string) (Snapshot, error) {
	if s.journal == nil {
		return Snapshot{}, errJournalDisabled
	}
	tree, commit, err := s.journal.SnapshotAt(session.ProtocolKey, hash)
	if err != nil {
		return Snapshot{}, err
	}
	current, err := s.Tree(ctx, session.ProtocolKey)
	if err != nil {
		return Snapshot{}, err
	}
	changes := journal.Compare(tree, current)
	if changes == nil {
		changes = []journal.Change{}
	}
	return Snapshot{Commit: commit, Tree: tree, Changes: changes}, nil
}

// Search runs a full-text query scoped to the caller's family and visible
// messages.
func (s *Service) Search(ctx context.Context, session Session, text, kind string, limit, offset int) (search.Response, error) {
	filter, ok := search.ParseResultType(kind)
	if !ok {
		return search.Response{}, invalid("Unknown result type", map[string]string{"type": "oneof"})
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	response := s.search.Search(ctx, search.Query{
		Text:        strings.TrimSpace(text),
		ProtocolKey: session.ProtocolKey,
		User:        session.UserName,
		FilterType:  filter,
		Limit:       limit,
		Offset:      offset,
	})
	s.metrics.ObserveSearch(response.Engine)
	return response, nil
}

var errJournalDisabled = domainError(http.StatusServiceUnavailable, "JOURNAL_DISABLED", "Tree history is not configured", nil)
