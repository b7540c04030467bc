package app

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"heirloom/api/internal/archive"
)

func archiveNote(title string) archive.Memory {
	return archive.Memory{Title: title, Content: title}
}

func uploadRequest(t *testing.T, token, fileName, contentType, body string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/memories/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestPeopleCRUDOverHTTP(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := doJSON(t, handler, http.MethodPost, "/api/people", token, map[string]any{"id": "chosen", "name": "Grandpa Joe", "birthDate": "1921"})
	expectStatus(t, rr, http.StatusCreated)
	grandpa := decodeResponse(t, rr)
	grandpaID, _ := grandpa["id"].(string)
	if grandpaID == "" || grandpaID == "chosen" {
		t.Fatalf("expected a server-assigned id, got %q", grandpaID)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/people", token, map[string]any{"name": "Mary", "parentIds": []string{grandpaID}})
	expectStatus(t, rr, http.StatusCreated)
	maryID, _ := decodeResponse(t, rr)["id"].(string)

	rr = doJSON(t, handler, http.MethodPost, "/api/people", token, map[string]any{"name": "Orphan", "parentIds": []string{"per_nobody"}})
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	details, _ := decodeResponse(t, rr)["details"].(map[string]any)
	if details["parentIds"] != "exists" {
		t.Fatalf("expected parentIds detail, got %v", details)
	}

	rr = doJSON(t, handler, http.MethodPatch, "/api/people/"+maryID, token, map[string]any{"nickname": "Molly"})
	expectStatus(t, rr, http.StatusOK)
	mary := decodeResponse(t, rr)
	if mary["nickname"] != "Molly" || mary["name"] != "Mary" {
		t.Fatalf("unexpected patched person %v", mary)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/people/"+maryID, token, nil)
	expectStatus(t, rr, http.StatusOK)
	if generation := decodeResponse(t, rr)["generation"]; generation != float64(1) {
		t.Fatalf("expected generation 1, got %v", generation)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/people", token, nil)
	expectStatus(t, rr, http.StatusOK)
	people, _ := decodeResponse(t, rr)["people"].([]any)
	if len(people) != 2 {
		t.Fatalf("expected two people, got %d", len(people))
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/people/"+grandpaID, token, nil)
	expectStatus(t, rr, http.StatusOK)
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok, got %v", ok)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/people/"+grandpaID, token, nil)
	expectStatus(t, rr, http.StatusNotFound)
	if code := decodeResponse(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected code NOT_FOUND, got %v", code)
	}
}

func TestUploadAndFetchContent(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	req := uploadRequest(t, token, "beach.jpg", "image/jpeg", "jpeg-bytes", map[string]string{"date": "June 1965", "location": "Brighton"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusCreated)

	memory := decodeResponse(t, rr)
	memoryID, _ := memory["id"].(string)
	if memory["type"] != "photo" || memory["title"] != "beach" || memory["location"] != "Brighton" {
		t.Fatalf("unexpected uploaded memory %v", memory)
	}
	if memory["uploadedBy"] != "Avery" {
		t.Fatalf("expected uploader Avery, got %v", memory["uploadedBy"])
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/memories/"+memoryID+"/content", token, nil)
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "jpeg-bytes" {
		t.Fatalf("expected stored bytes, got %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "inline") || !strings.Contains(got, "beach.jpg") {
		t.Fatalf("unexpected content disposition %q", got)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/gallery", token, nil)
	expectStatus(t, rr, http.StatusOK)
	groups, _ := decodeResponse(t, rr)["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("expected one gallery group, got %v", groups)
	}
	if label := groups[0].(map[string]any)["label"]; label != "1965" {
		t.Fatalf("expected 1965 group, got %v", label)
	}
}

func TestMemoryTypeFilterAcceptsAliases(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, token, "beach.jpg", "image/jpeg", "jpeg-bytes", map[string]string{"date": "1965"}))
	expectStatus(t, rr, http.StatusCreated)
	rr = doJSON(t, handler, http.MethodPost, "/api/memories", token, archiveNote("Scones"))
	expectStatus(t, rr, http.StatusCreated)

	for _, kind := range []string{"photo", "photos", "Photo", "IMAGES"} {
		rr = doJSON(t, handler, http.MethodGet, "/api/memories?type="+kind, token, nil)
		expectStatus(t, rr, http.StatusOK)
		memories, _ := decodeResponse(t, rr)["memories"].([]any)
		if len(memories) != 1 || memories[0].(map[string]any)["type"] != "photo" {
			t.Fatalf("type=%s: expected the one photo, got %v", kind, memories)
		}

		rr = doJSON(t, handler, http.MethodGet, "/api/gallery?type="+kind, token, nil)
		expectStatus(t, rr, http.StatusOK)
		if groups, _ := decodeResponse(t, rr)["groups"].([]any); len(groups) != 1 {
			t.Fatalf("gallery type=%s: expected one group, got %v", kind, groups)
		}
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	svc := newTestService(t, newFakeStore(t))
	svc.cfg.MaxUploadBytes = 8
	handler := NewHTTPServer(svc, "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, token, "scan.pdf", "application/pdf", "more than eight bytes", nil))

	expectStatus(t, rr, http.StatusRequestEntityTooLarge)
	if code := decodeResponse(t, rr)["code"]; code != "UPLOAD_TOO_LARGE" {
		t.Fatalf("expected UPLOAD_TOO_LARGE, got %v", code)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("title", "No file")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/memories/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestMemoryRoutes(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := doJSON(t, handler, http.MethodPost, "/api/people", token, map[string]any{"name": "Mary"})
	expectStatus(t, rr, http.StatusCreated)
	maryID, _ := decodeResponse(t, rr)["id"].(string)

	rr = doJSON(t, handler, http.MethodPost, "/api/memories", token, map[string]any{"content": "Scones recipe", "date": "1970"})
	expectStatus(t, rr, http.StatusCreated)
	memoryID, _ := decodeResponse(t, rr)["id"].(string)

	rr = doJSON(t, handler, http.MethodPost, "/api/memories/"+memoryID+"/people/"+maryID, token, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = doJSON(t, handler, http.MethodGet, "/api/memories?personId="+maryID, token, nil)
	expectStatus(t, rr, http.StatusOK)
	if memories, _ := decodeResponse(t, rr)["memories"].([]any); len(memories) != 1 {
		t.Fatalf("expected one tagged memory, got %d", len(memories))
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/memories?type=hologram", token, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	rr = doJSON(t, handler, http.MethodGet, "/api/memories?limit=-1", token, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)

	rr = doJSON(t, handler, http.MethodPut, "/api/memories/"+memoryID, token, map[string]any{"title": "Grandma's scones"})
	expectStatus(t, rr, http.StatusOK)
	if title := decodeResponse(t, rr)["title"]; title != "Grandma's scones" {
		t.Fatalf("expected updated title, got %v", title)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/memories/"+memoryID+"/content", token, nil)
	expectStatus(t, rr, http.StatusNotFound)
	if code := decodeResponse(t, rr)["code"]; code != "NO_CONTENT" {
		t.Fatalf("expected NO_CONTENT for a text memory, got %v", code)
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/memories/"+memoryID+"/people/"+maryID, token, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = doJSON(t, handler, http.MethodDelete, "/api/memories/"+memoryID, token, nil)
	expectStatus(t, rr, http.StatusOK)
	rr = doJSON(t, handler, http.MethodGet, "/api/memories/"+memoryID, token, nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestTreeAndChanges(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	token := login(t, handler, "Avery", testPassword, "")

	rr := doJSON(t, handler, http.MethodPost, "/api/people", token, map[string]any{"name": "Mary"})
	expectStatus(t, rr, http.StatusCreated)

	rr = doJSON(t, handler, http.MethodGet, "/api/tree", token, nil)
	expectStatus(t, rr, http.StatusOK)
	tree := decodeResponse(t, rr)
	revision, _ := tree["revision"].(float64)
	if tree["familyName"] != "Smith" || revision < 1 {
		t.Fatalf("unexpected tree %v", tree)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/tree/changes?since=0", token, nil)
	expectStatus(t, rr, http.StatusOK)
	changes := decodeResponse(t, rr)
	if people, _ := changes["people"].([]any); len(people) != 1 {
		t.Fatalf("expected one changed person, got %v", changes["people"])
	}
	if messages, ok := changes["messages"].([]any); !ok || len(messages) != 0 {
		t.Fatalf("expected an empty messages array, got %v", changes["messages"])
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/tree/changes?since=abc", token, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	rr = doJSON(t, handler, http.MethodGet, "/api/tree/changes?since=-1", token, nil)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}
