package app

import (
	"net/http"
	"testing"
)

func TestDirectMessagesOverHTTP(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, newFakeStore(t)), "*", nil).Handler()
	avery := login(t, handler, "Avery", testPassword, "")
	blake := login(t, handler, "Blake", testPassword, "")

	rr := doJSON(t, handler, http.MethodPost, "/api/messages/Blake", avery, map[string]any{"body": "Found grandma's letters"})
	expectStatus(t, rr, http.StatusCreated)
	sent := decodeResponse(t, rr)
	if sent["fromUser"] != "Avery" || sent["toUser"] != "Blake" {
		t.Fatalf("unexpected message %v", sent)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/messages/Nobody", avery, map[string]any{"body": "hello?"})
	expectStatus(t, rr, http.StatusNotFound)

	rr = doJSON(t, handler, http.MethodGet, "/api/messages/inbox", blake, nil)
	expectStatus(t, rr, http.StatusOK)
	conversations, _ := decodeResponse(t, rr)["conversations"].([]any)
	if len(conversations) != 1 {
		t.Fatalf("expected one conversation, got %v", conversations)
	}
	entry := conversations[0].(map[string]any)
	if entry["peer"] != "Avery" || entry["unread"] != float64(1) {
		t.Fatalf("unexpected inbox entry %v", entry)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/messages/Avery/read", blake, nil)
	expectStatus(t, rr, http.StatusOK)
	if marked := decodeResponse(t, rr)["marked"]; marked != float64(1) {
		t.Fatalf("expected one message marked read, got %v", marked)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/messages/Avery?limit=10", blake, nil)
	expectStatus(t, rr, http.StatusOK)
	if messages, _ := decodeResponse(t, rr)["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected one message in the conversation, got %v", messages)
	}

	id, _ := sent["id"].(string)
	rr = doJSON(t, handler, http.MethodDelete, "/api/messages/id/"+id, blake, nil)
	expectStatus(t, rr, http.StatusForbidden)
	rr = doJSON(t, handler, http.MethodDelete, "/api/messages/id/"+id, avery, nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestFamilyChannelAndAnnotations(t *testing.T) {
	svc := newTestService(t, newFakeStore(t))
	handler := NewHTTPServer(svc, "*", nil).Handler()
	avery := login(t, handler, "Avery", testPassword, "")
	casey := login(t, handler, "Casey", testPassword, "annotator")

	rr := doJSON(t, handler, http.MethodPost, "/api/messages/family", avery, map[string]any{"body": "Reunion in May"})
	expectStatus(t, rr, http.StatusCreated)

	rr = doJSON(t, handler, http.MethodGet, "/api/messages/family", casey, nil)
	expectStatus(t, rr, http.StatusOK)
	if messages, _ := decodeResponse(t, rr)["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected the family message, got %v", messages)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/memories", avery, map[string]any{"content": "Beach day"})
	expectStatus(t, rr, http.StatusCreated)
	memoryID, _ := decodeResponse(t, rr)["id"].(string)

	rr = doJSON(t, handler, http.MethodPost, "/api/memories/"+memoryID+"/annotations", casey, map[string]any{"body": "That's Uncle Ted on the left"})
	expectStatus(t, rr, http.StatusCreated)

	rr = doJSON(t, handler, http.MethodGet, "/api/memories/"+memoryID+"/annotations", avery, nil)
	expectStatus(t, rr, http.StatusOK)
	payload := decodeResponse(t, rr)
	annotations, _ := payload["annotations"].([]any)
	if payload["memoryId"] != memoryID || len(annotations) != 1 {
		t.Fatalf("unexpected annotations payload %v", payload)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/memories/mem_missing/annotations", avery, nil)
	expectStatus(t, rr, http.StatusNotFound)

	rr = doJSON(t, handler, http.MethodPost, "/api/messages/family", casey, map[string]any{"body": ""})
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}
