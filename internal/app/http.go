package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/auth"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/export"
	"heirloom/api/internal/journal"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/session"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	socket     *realtime.Handler
	logins     *loginLimiter
	logger     *zap.Logger
}

// NewHTTPServer builds the API handler. socket may be nil, in which case
// /api/subscribe answers 503.
func NewHTTPServer(service *Service, corsOrigin string, socket *realtime.Handler) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		socket:     socket,
		logins:     newLoginLimiter(service.cfg.LoginPerMinute),
		logger:     service.logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.RefreshToken == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token required", nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
			"protocolKey":   session.ProtocolKey,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/subscribe" {
		s.handleSubscribe(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "family":
		if s.routeFamily(w, r, session, parts) {
			return
		}
	case "tree":
		if len(parts) == 1 && r.Method == http.MethodGet {
			s.handleTree(w, r, session)
			return
		}
		if len(parts) == 2 && parts[1] == "changes" && r.Method == http.MethodGet {
			s.handleChanges(w, r, session)
			return
		}
	case "people":
		if s.routePeople(w, r, session, parts) {
			return
		}
	case "memories":
		if s.routeMemories(w, r, session, parts) {
			return
		}
	case "gallery":
		if len(parts) == 1 && r.Method == http.MethodGet {
			s.handleGallery(w, r, session)
			return
		}
	case "messages":
		if s.routeMessages(w, r, session, parts) {
			return
		}
	case "search":
		if len(parts) == 1 && r.Method == http.MethodGet {
			s.handleSearch(w, r, session)
			return
		}
	case "export":
		if len(parts) == 1 && r.Method == http.MethodPost {
			s.handleExport(w, r, session)
			return
		}
	case "snapshots":
		if s.routeSnapshots(w, r, session, parts) {
			return
		}
	case "sync":
		if len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodPost {
			s.handleMutations(w, r, session)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many login attempts", nil)
		return
	}
	var body struct {
		ProtocolKey string `json:"protocolKey"`
		Name        string `json:"name"`
		Password    string `json:"password"`
		Role        string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.ProtocolKey, body.Name, body.Password, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
		"userId":       session.UserID,
		"role":         session.Role,
		"protocolKey":  session.ProtocolKey,
		"familyName":   session.FamilyName,
		"expiresAt":    session.ExpiresAt.UTC(),
	}
}

// handleSubscribe upgrades to a WebSocket. Browsers cannot set headers on the
// upgrade request, so the token may also come from the query string.
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.socket == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_DISABLED", "Realtime updates are not available", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.socket.Serve(w, r, session.ProtocolKey, session.UserName)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup", zap.String("request_id", requestID(r)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// fail maps err to a response and logs anything unexpected.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := routeLabel(r.URL.Path)
		s.service.Metrics().ObserveRequest(route, r.Method, writer.status, elapsed)
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", writer.status),
			zap.Duration("duration", elapsed),
		)
	})
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// queryInt reads a non-negative integer query parameter, or fallback when absent.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, invalid(fmt.Sprintf("%s must be a non-negative integer", name), map[string]string{name: "min=0"})
	}
	return value, nil
}

var staticSegments = map[string]bool{
	"api": true, "health": true, "ready": true, "metrics": true, "session": true, "login": true,
	"refresh": true, "logout": true, "family": true, "password": true, "tree": true, "changes": true,
	"people": true, "memories": true, "upload": true, "content": true, "annotations": true,
	"gallery": true, "messages": true, "inbox": true, "read": true, "search": true, "export": true,
	"snapshots": true, "sync": true, "mutations": true, "subscribe": true,
}

// routeLabel collapses ids in a path so metrics stay low-cardinality.
func routeLabel(path string) string {
	parts := splitPath(path)
	for i, part := range parts {
		if !staticSegments[part] && !(i == 2 && parts[1] == "messages" && part == "id") {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, blob.ErrObjectNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, journal.ErrNoJournal), errors.Is(err, journal.ErrSnapshotNotFound):
		return http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", nil
	case errors.Is(err, export.ErrPersonNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Person not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported export format", map[string]string{"format": "oneof=zip html pdf"}
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_DEPENDENCY_MISSING", "PDF export needs Chrome or Chromium on the server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
