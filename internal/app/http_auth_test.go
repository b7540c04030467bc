package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"heirloom/api/internal/auth"
)

// doJSON sends body as JSON with an optional bearer token.
func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

// login signs name in and returns the access token.
func login(t *testing.T, handler http.Handler, name, password, role string) string {
	t.Helper()
	rr := doJSON(t, handler, http.MethodPost, "/api/session/login", "", map[string]string{
		"protocolKey": testKey,
		"name":        name,
		"password":    password,
		"role":        role,
	})
	expectStatus(t, rr, http.StatusOK)
	token, _ := decodeResponse(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("expected token")
	}
	return token
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	expectStatus(t, rr, http.StatusUnauthorized)
	if code := decodeResponse(t, rr)["code"]; code != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", code)
	}
}

func TestSessionLoginReturnsContract(t *testing.T) {
	fs := newFakeStore(t)
	server := NewHTTPServer(newTestService(t, fs), "*", nil)

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/session/login", "", map[string]string{
		"protocolKey": "  SMITH ",
		"name":        "  Avery  ",
		"password":    testPassword,
	})
	expectStatus(t, rr, http.StatusOK)

	payload := decodeResponse(t, rr)
	if token, _ := payload["token"].(string); token == "" {
		t.Fatal("expected token")
	}
	if refreshToken, _ := payload["refreshToken"].(string); refreshToken == "" {
		t.Fatal("expected refreshToken")
	}
	if payload["userName"] != "Avery" {
		t.Fatalf("expected userName Avery, got %v", payload["userName"])
	}
	if payload["protocolKey"] != testKey || payload["familyName"] != "Smith" {
		t.Fatalf("expected family smith, got %v / %v", payload["protocolKey"], payload["familyName"])
	}
	if payload["role"] != "admin" {
		t.Fatalf("expected first member to be admin, got %v", payload["role"])
	}
	if len(fs.users) != 1 || fs.users[0].DisplayName != "Avery" {
		t.Fatalf("expected EnsureUser to receive trimmed name Avery, got %+v", fs.users)
	}
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	expectStatus(t, rr, http.StatusBadRequest)
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_BODY" {
		t.Fatalf("expected code INVALID_BODY, got %v", code)
	}
}

func TestSessionLoginRejectsWrongPassword(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	rr := doJSON(t, server.Handler(), http.MethodPost, "/api/session/login", "", map[string]string{
		"protocolKey": testKey,
		"name":        "Avery",
		"password":    "not the password",
	})

	expectStatus(t, rr, http.StatusUnauthorized)
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected code INVALID_CREDENTIALS, got %v", code)
	}
}

func TestSessionLoginIsRateLimited(t *testing.T) {
	svc := newTestService(t, newFakeStore(t))
	svc.cfg.LoginPerMinute = 2
	handler := NewHTTPServer(svc, "*", nil).Handler()

	body := map[string]string{"protocolKey": testKey, "name": "Avery", "password": "wrong"}
	for i := 0; i < 2; i++ {
		rr := doJSON(t, handler, http.MethodPost, "/api/session/login", "", body)
		expectStatus(t, rr, http.StatusUnauthorized)
	}
	rr := doJSON(t, handler, http.MethodPost, "/api/session/login", "", body)
	expectStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/people", "", nil)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/people", "definitely-not-a-token", nil)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearerReturnsUnauthorized(t *testing.T) {
	fs := newFakeStore(t)
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*", nil)
	user, _ := fs.EnsureUser(t.Context(), testKey, "Avery")

	token, err := svc.tokens.Issue(auth.Claims{
		Sub:         user.ID,
		Name:        "Avery",
		Role:        "editor",
		ProtocolKey: testKey,
		JTI:         "jti-expired",
		Exp:         time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/people", token, nil)

	assertUnauthorizedCode(t, rr)
}

func TestTokenForAnotherFamilyIsRejected(t *testing.T) {
	fs := newFakeStore(t)
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*", nil)
	user, _ := fs.EnsureUser(t.Context(), testKey, "Avery")

	token, err := svc.tokens.Issue(auth.Claims{
		Sub:         user.ID,
		Name:        "Avery",
		Role:        "admin",
		ProtocolKey: "jones",
		JTI:         "jti-forged",
		Exp:         time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr := doJSON(t, server.Handler(), http.MethodGet, "/api/tree", token, nil)

	assertUnauthorizedCode(t, rr)
}

func TestSessionEndpointReportsAuthentication(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)
	handler := server.Handler()

	anonymous := decodeResponse(t, doJSON(t, handler, http.MethodGet, "/api/session", "", nil))
	if anonymous["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", anonymous)
	}

	token := login(t, handler, "Avery", testPassword, "annotator")
	payload := decodeResponse(t, doJSON(t, handler, http.MethodGet, "/api/session", token, nil))
	if payload["authenticated"] != true || payload["userName"] != "Avery" || payload["role"] != "annotator" {
		t.Fatalf("unexpected session payload %v", payload)
	}
}

func TestRefreshAndLogoutFlow(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)
	handler := server.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/session/login", "", map[string]string{
		"protocolKey": testKey, "name": "Avery", "password": testPassword,
	})
	expectStatus(t, rr, http.StatusOK)
	first := decodeResponse(t, rr)

	rr = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": first["refreshToken"]})
	expectStatus(t, rr, http.StatusOK)
	second := decodeResponse(t, rr)
	if second["refreshToken"] == first["refreshToken"] {
		t.Fatal("expected refresh token rotation")
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": first["refreshToken"]})
	assertUnauthorizedCode(t, rr)

	rr = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{})
	assertUnauthorizedCode(t, rr)

	token, _ := second["token"].(string)
	rr = doJSON(t, handler, http.MethodPost, "/api/session/logout", token, map[string]any{"refreshToken": second["refreshToken"]})
	expectStatus(t, rr, http.StatusOK)

	rr = doJSON(t, handler, http.MethodGet, "/api/tree", token, nil)
	assertUnauthorizedCode(t, rr)
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := doJSON(t, handler, http.MethodGet, "/api/documents", token, nil)

	expectStatus(t, rr, http.StatusNotFound)
}
