package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebchatSenderPostsCallback(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode callback body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"message_id": "wm-1"})
	}))
	defer srv.Close()

	sender := WebchatSender(srv.URL, srv.Client())
	id, err := sender(context.Background(), Outbound{
		SessionKey:     "webchat:visitor-9",
		ConversationID: "c1",
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id != "wm-1" {
		t.Errorf("expected provider id wm-1, got %q", id)
	}
	if got["visitor_id"] != "visitor-9" || got["content"] != "hello" {
		t.Errorf("unexpected callback payload: %v", got)
	}
}

func TestWebchatSenderCallbackFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := WebchatSender(srv.URL, srv.Client())
	if _, err := sender(context.Background(), Outbound{SessionKey: "webchat:v", Content: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
}
