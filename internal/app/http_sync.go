package app

import (
	"mime"
	"net/http"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/export"
)

func (s *HTTPServer) handleMutations(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Mutations []archive.Mutation `json:"mutations"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	results, err := s.service.ApplyMutations(r.Context(), session, body.Mutations)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleExport streams the export as an attachment. Headers are committed on
// the first byte, so failures before that still get a JSON error.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Format      string `json:"format"`
		PersonID    string `json:"personId"`
		Deduplicate bool   `json:"deduplicate"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	format, ok := export.ParseFormat(body.Format)
	if !ok {
		s.fail(w, r, export.ErrUnsupportedFormat)
		return
	}
	req := export.Request{Format: format, Options: export.Options{PersonID: body.PersonID, Deduplicate: body.Deduplicate}}

	tree, err := s.service.Tree(r.Context(), session.ProtocolKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := &attachmentWriter{w: w, filename: export.Filename(tree, req), contentType: format.MimeType()}
	report, err := s.service.Export(r.Context(), session, tree, req, out)
	if err != nil {
		if out.started {
			s.logger.Error("export aborted mid-stream",
				zap.String("request_id", requestID(r)),
				zap.String("format", string(format)),
				zap.Error(err),
			)
			return
		}
		s.fail(w, r, err)
		return
	}
	out.commit()
	s.logger.Debug("export sent", zap.Int("files", report.Files), zap.Int("missing", len(report.Missing)))
}

type attachmentWriter struct {
	w           http.ResponseWriter
	filename    string
	contentType string
	started     bool
}

func (a *attachmentWriter) commit() {
	if a.started {
		return
	}
	a.started = true
	header := a.w.Header()
	header.Set("Content-Type", a.contentType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.filename}))
	a.w.WriteHeader(http.StatusOK)
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	a.commit()
	return a.w.Write(p)
}

// routeSnapshots handles /api/snapshots and /api/snapshots/{hash}.
func (s *HTTPServer) routeSnapshots(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		commits, err := s.service.Snapshots(ctx, session, limit)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": commits})
		return true

	case len(parts) == 1 && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		commit, err := s.service.CreateSnapshot(ctx, session, body.Message)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		status := http.StatusCreated
		if commit.Unchanged {
			status = http.StatusOK
		}
		writeJSON(w, status, commit)
		return true

	case len(parts) == 2 && r.Method == http.MethodGet:
		snapshot, err := s.service.SnapshotAt(ctx, session, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, snapshot)
		return true
	}
	return false
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	response, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
