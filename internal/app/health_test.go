package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id header")
	}
}

func TestHealthEndpointEchoesRequestID(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "https://family.example", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected request id req-123, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://family.example" {
		t.Errorf("expected configured CORS origin, got %q", got)
	}
}

func TestReadyEndpointHealthy(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
	checks, _ := response["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "ok" {
		t.Errorf("expected database status ok, got %v", database["status"])
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	fs := newFakeStore(t)
	fs.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}
	server := NewHTTPServer(newTestService(t, fs), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["ok"] != false || response["status"] != "not_ready" {
		t.Errorf("expected not_ready, got %v", response)
	}
	checks, _ := response["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["error"] != "connection refused" {
		t.Errorf("expected database error to be reported, got %v", database["error"])
	}
}

func TestMetricsEndpointExposesRequestCounter(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)
	handler := server.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `heirloom_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Fatalf("expected health request to be counted, got:\n%s", body)
	}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected prometheus text format, got %q", rr.Header().Get("Content-Type"))
	}
}

func TestSubscribeWithoutRealtimeReturnsUnavailable(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/subscribe?token=abc", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestRouteLabelCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/api/people/per_123":                 "/api/people/:id",
		"/api/memories/mem_1/people/per_2":    "/api/memories/:id/people/:id",
		"/api/messages/id/msg_9":              "/api/messages/id/:id",
		"/api/messages/Blake/read":            "/api/messages/:id/read",
		"/api/tree/changes":                   "/api/tree/changes",
		"/api/snapshots/0123abc":              "/api/snapshots/:id",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
