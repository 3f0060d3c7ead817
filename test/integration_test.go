//go:build integration

package test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/flowgate/internal/contextstore"
	"github.com/user/flowgate/internal/dispatch"
	"github.com/user/flowgate/internal/orchestrator"
	"github.com/user/flowgate/internal/permission"
	"github.com/user/flowgate/internal/pipeline"
	"github.com/user/flowgate/internal/store"
	"github.com/user/flowgate/internal/webhook"
)

// TestEndToEnd exercises the full inbound path: webhook payload in,
// immediate acknowledgement, background processing, and queued outbound
// delivery through a registered sender.
func TestEndToEnd(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	contexts := contextstore.NewMemoryStore()
	orch := orchestrator.New(orchestrator.Options{
		ContextStore: contexts,
		Store:        db,
		Permissions:  permission.NewManager(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop()

	queue, err := dispatch.NewBadgerQueue("")
	if err != nil {
		t.Fatal(err)
	}
	defer queue.Close()

	var delivered atomic.Int32
	senders := dispatch.NewSenderRegistry()
	senders.Register("webchat:", func(context.Context, dispatch.Outbound) (string, error) {
		delivered.Add(1)
		return "wm-1", nil
	})

	dispatcher := dispatch.NewDispatcher(queue, senders, db, nil)
	worker := dispatch.NewWorker(queue, dispatch.OutboundQueue, dispatcher.HandleJob, 2, nil)
	worker.SetPollInterval(10 * time.Millisecond)
	worker.Start(ctx)
	defer worker.Stop()

	pipe := pipeline.New(pipeline.Options{
		Store:      db,
		Orch:       orch,
		Dispatcher: dispatcher,
		Processor: pipeline.ProcessorFunc(func(_ context.Context, req *pipeline.Request) (*pipeline.Reply, error) {
			return &pipeline.Reply{Content: "got: " + req.Message.Content}, nil
		}),
	})
	pipe.RegisterProvider(pipeline.WebchatProvider{})

	srv := httptest.NewServer(webhook.NewServer(pipe, orch, db, nil))
	defer srv.Close()

	// Send multiple messages from the same visitor.
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"visitor_id":"v1","message_id":"wm-in-%d","text":"message %d"}`, i, i)
		resp, err := http.Post(srv.URL+"/webhooks/webchat", "application/json", bytes.NewBufferString(payload))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 ack, got %d", resp.StatusCode)
		}
	}

	// Background processing should persist one conversation for the
	// visitor and deliver every reply through the sender.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if delivered.Load() == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := delivered.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}

	convs, err := db.RecentConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
}
