package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/flowgate/internal/types"
)

func TestHTTPProcessorRoundTrip(t *testing.T) {
	var got processorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"content": "hello back"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, 5*time.Second)
	reply, err := p.Process(context.Background(), &Request{
		SessionID:    types.SessionID("webchat:v1"),
		SystemPrompt: "be brief",
		History:      []types.ContextMessage{{Role: "user", Content: "earlier"}},
		Flow:         &types.Flow{ID: "support"},
		Conversation: &types.Conversation{ID: "c1"},
		Message:      &Incoming{ChannelType: "webchat", ChannelUserID: "v1", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if reply.Content != "hello back" {
		t.Errorf("expected relayed reply, got %q", reply.Content)
	}
	if got.FlowID != "support" || got.ConversationID != "c1" || got.Content != "hi" {
		t.Errorf("unexpected forwarded request: %+v", got)
	}
	if got.SystemPrompt != "be brief" || len(got.History) != 1 {
		t.Errorf("enrichment not forwarded: %+v", got)
	}
}

func TestHTTPProcessorNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, 5*time.Second)
	_, err := p.Process(context.Background(), &Request{
		Message: &Incoming{ChannelType: "webchat", ChannelUserID: "v1", Content: "hi"},
	})
	if err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestSilentProcessorEmptyReply(t *testing.T) {
	reply, err := SilentProcessor.Process(context.Background(), &Request{
		Message: &Incoming{Content: "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Content != "" {
		t.Errorf("expected empty reply, got %q", reply.Content)
	}
}
