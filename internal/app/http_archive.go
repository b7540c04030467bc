package app

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"heirloom/api/internal/archive"
	"heirloom/api/internal/store"
)

// multipart overhead allowed on top of the upload limit
const uploadSlack = 1 << 20

func (s *HTTPServer) handleTree(w http.ResponseWriter, r *http.Request, session Session) {
	tree, err := s.service.Tree(r.Context(), session.ProtocolKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *HTTPServer) handleChanges(w http.ResponseWriter, r *http.Request, session Session) {
	since, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("since")), 10, 64)
	if err != nil && r.URL.Query().Get("since") != "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "since must be an integer", map[string]string{"since": "int"})
		return
	}
	changes, err := s.service.Changes(r.Context(), session.ProtocolKey, session.UserName, since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// routePeople handles /api/people and /api/people/{id}.
func (s *HTTPServer) routePeople(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			people, err := s.service.ListPeople(ctx, session.ProtocolKey)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"people": people})
			return true
		case http.MethodPost:
			var body archive.Person
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			body.ID = ""
			person, err := s.service.CreatePerson(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, person)
			return true
		}
		return false
	}
	if len(parts) != 2 {
		return false
	}

	personID := parts[1]
	switch r.Method {
	case http.MethodGet:
		person, err := s.service.GetPerson(ctx, session.ProtocolKey, personID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, person)
	case http.MethodPut, http.MethodPatch:
		var patch PersonPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		person, err := s.service.UpdatePerson(ctx, session, personID, patch)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, person)
	case http.MethodDelete:
		revision, err := s.service.DeletePerson(ctx, session, personID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": personID, "revision": revision})
	default:
		return false
	}
	return true
}

// routeMemories handles /api/memories and everything below it.
func (s *HTTPServer) routeMemories(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		filter, err := memoryFilter(r)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		memories, err := s.service.ListMemories(ctx, session.ProtocolKey, filter)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
		return true

	case len(parts) == 1 && r.Method == http.MethodPost:
		var body archive.Memory
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		body.ID = ""
		memory, err := s.service.CreateMemory(ctx, session, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, memory)
		return true

	case len(parts) == 2 && parts[1] == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, session)
		return true

	case len(parts) == 2:
		return s.handleMemory(w, r, session, parts[1])

	case len(parts) == 3 && parts[2] == "content" && r.Method == http.MethodGet:
		s.handleContent(w, r, session, parts[1])
		return true

	case len(parts) == 3 && parts[2] == "annotations":
		return s.handleAnnotations(w, r, session, parts[1])

	case len(parts) == 4 && parts[2] == "people":
		var (
			memory archive.Memory
			err    error
		)
		switch r.Method {
		case http.MethodPost:
			memory, err = s.service.TagPerson(ctx, session, parts[1], parts[3])
		case http.MethodDelete:
			memory, err = s.service.UntagPerson(ctx, session, parts[1], parts[3])
		default:
			return false
		}
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, memory)
		return true
	}
	return false
}

func (s *HTTPServer) handleMemory(w http.ResponseWriter, r *http.Request, session Session, memoryID string) bool {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		memory, err := s.service.GetMemory(ctx, session.ProtocolKey, memoryID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, memory)
	case http.MethodPut, http.MethodPatch:
		var patch MemoryPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		memory, err := s.service.UpdateMemory(ctx, session, memoryID, patch)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, memory)
	case http.MethodDelete:
		revision, err := s.service.DeleteMemory(ctx, session, memoryID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": memoryID, "revision": revision})
	default:
		return false
	}
	return true
}

// handleUpload reads a multipart form with a "file" part and optional
// metadata fields: title, type, date, description, location, personIds.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	if limit := s.service.cfg.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+uploadSlack)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload exceeds the size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "File is required", map[string]string{"file": "required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	memory := archive.Memory{
		Type:        archive.MemoryType(strings.TrimSpace(r.FormValue("type"))),
		Title:       r.FormValue("title"),
		Date:        r.FormValue("date"),
		Description: r.FormValue("description"),
		Location:    r.FormValue("location"),
		PersonIDs:   formList(r, "personIds"),
	}
	saved, err := s.service.UploadMemory(r.Context(), session, Upload{
		FileName:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        file,
		Memory:      memory,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request, session Session, memoryID string) {
	presign := r.URL.Query().Get("presign") == "1"
	content, err := s.service.Content(r.Context(), session.ProtocolKey, memoryID, presign)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if content.URL != "" {
		writeJSON(w, http.StatusOK, map[string]any{"url": content.URL, "fileName": content.FileName})
		return
	}
	defer content.Body.Close()

	header := w.Header()
	header.Set("Content-Type", content.ContentType)
	header.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": content.FileName}))
	header.Set("Cache-Control", "private, max-age=300")
	if content.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, content.Body)
}

func (s *HTTPServer) handleGallery(w http.ResponseWriter, r *http.Request, session Session) {
	filter, err := memoryFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	groups, err := s.service.Gallery(r.Context(), session.ProtocolKey, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func memoryFilter(r *http.Request) (store.MemoryFilter, error) {
	query := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return store.MemoryFilter{}, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return store.MemoryFilter{}, err
	}
	return store.MemoryFilter{
		PersonID: strings.TrimSpace(query.Get("personId")),
		Type:     archive.MemoryType(strings.TrimSpace(query.Get("type"))),
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// formList accepts repeated fields and comma-separated values.
func formList(r *http.Request, name string) []string {
	var out []string
	for _, value := range r.MultipartForm.Value[name] {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
