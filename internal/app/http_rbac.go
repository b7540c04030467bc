package app

import (
	"net/http"
)

// routeFamily handles /api/family and /api/family/password.
func (s *HTTPServer) routeFamily(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		info, err := s.service.Family(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, info)
		return true

	case len(parts) == 2 && parts[1] == "password" && r.Method == http.MethodPost:
		var body struct {
			Current string `json:"current"`
			Next    string `json:"next"`
			Viewer  bool   `json:"viewer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		if err := s.service.ChangePassword(r.Context(), session, body.Current, body.Next, body.Viewer); err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "viewer": body.Viewer})
		return true
	}
	return false
}
