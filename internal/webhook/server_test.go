package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/flowgate/internal/contextstore"
	"github.com/user/flowgate/internal/orchestrator"
	"github.com/user/flowgate/internal/pipeline"
	"github.com/user/flowgate/internal/store"
)

type staticProcessor struct{}

func (staticProcessor) Process(_ context.Context, req *pipeline.Request) (*pipeline.Reply, error) {
	return &pipeline.Reply{Content: "ack: " + req.Message.Content}, nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLite) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	orch := orchestrator.New(orchestrator.Options{
		ContextStore: contextstore.NewMemoryStore(),
		Store:        db,
	})
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}

	pipe := pipeline.New(pipeline.Options{
		Store:     db,
		Orch:      orch,
		Processor: staticProcessor{},
	})
	pipe.RegisterProvider(pipeline.WebchatProvider{})
	return NewServer(pipe, orch, db, nil), db
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
	if n, ok := body["tool_count"].(float64); !ok || n == 0 {
		t.Errorf("tool_count = %v", body["tool_count"])
	}
}

func TestWebhookAcknowledgesImmediately(t *testing.T) {
	srv, db := newTestServer(t)
	payload := []byte(`{"visitor_id":"v1","message_id":"m1","text":"hello"}`)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/webchat", bytes.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "received" {
		t.Fatalf("ack = %v", body)
	}

	// Processing happens in the background; poll for the persisted record.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		convs, err := db.RecentConversations(context.Background(), 10)
		if err == nil && len(convs) == 1 && convs[0].MessageCount == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background processing never persisted the message")
}

func TestWebhookBadPayloadStillAcknowledged(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/webchat", bytes.NewReader([]byte("not json"))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 regardless of payload", rec.Code)
	}
}

func TestConversationsDebugAPI(t *testing.T) {
	srv, db := newTestServer(t)
	payload := []byte(`{"visitor_id":"v1","message_id":"m1","text":"hello"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/webchat", bytes.NewReader(payload)))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		convs, _ := db.RecentConversations(context.Background(), 10)
		if len(convs) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(body.Conversations))
	}
}

func TestReloadToolsSoftFailure(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tools/reload", nil))

	// No loader is configured, so reload reports a soft failure.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false {
		t.Errorf("body = %v", body)
	}
}
