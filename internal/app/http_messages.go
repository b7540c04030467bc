package app

import (
	"net/http"
)

// routeMessages handles /api/messages/inbox, /api/messages/id/{id},
// /api/messages/{peer} and /api/messages/{peer}/read.
func (s *HTTPServer) routeMessages(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	ctx := r.Context()
	switch {
	case len(parts) == 2 && parts[1] == "inbox" && r.Method == http.MethodGet:
		entries, err := s.service.Inbox(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": entries})
		return true

	case len(parts) == 3 && parts[1] == "id" && r.Method == http.MethodDelete:
		revision, err := s.service.DeleteMessage(ctx, session, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": parts[2], "revision": revision})
		return true

	case len(parts) == 2 && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		messages, err := s.service.Conversation(ctx, session, parts[1], limit)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"peer": parts[1], "messages": messages})
		return true

	case len(parts) == 2 && r.Method == http.MethodPost:
		var body MessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		message, err := s.service.SendMessage(ctx, session, MessageInput{
			ToUser:   parts[1],
			PersonID: body.PersonID,
			Body:     body.Body,
		})
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, message)
		return true

	case len(parts) == 3 && parts[2] == "read" && r.Method == http.MethodPost:
		count, err := s.service.MarkRead(ctx, session, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "marked": count})
		return true
	}
	return false
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, session Session, memoryID string) bool {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		messages, err := s.service.Annotations(ctx, session.ProtocolKey, memoryID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"memoryId": memoryID, "annotations": messages})
	case http.MethodPost:
		var body MessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		message, err := s.service.SendMessage(ctx, session, MessageInput{
			MemoryID: memoryID,
			PersonID: body.PersonID,
			Body:     body.Body,
		})
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, message)
	default:
		return false
	}
	return true
}
