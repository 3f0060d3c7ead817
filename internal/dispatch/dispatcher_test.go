package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/flowgate/internal/types"
)

// fakeMessageStore implements the two ConversationStore methods the
// dispatcher touches.
type fakeMessageStore struct {
	types.ConversationStore
	mu       sync.Mutex
	messages []*types.Message
}

func (f *fakeMessageStore) MessageByIdempotencyKey(_ context.Context, convID types.ConversationID, key string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ConversationID == convID && m.IdempotencyKey == key {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeMessageStore) InsertMessage(_ context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestDispatcherDeliversAndRecords(t *testing.T) {
	var sent atomic.Int64
	senders := NewSenderRegistry()
	senders.Register("webchat:", func(_ context.Context, out Outbound) (string, error) {
		sent.Add(1)
		return "prov-1", nil
	})
	store := &fakeMessageStore{}
	q := newTestQueue(t)
	d := NewDispatcher(q, senders, store, nil)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, Outbound{
		SessionKey:     "webchat:u1",
		ConversationID: "conv-1",
		Content:        "hello",
	}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, _ := q.Due(ctx, OutboundQueue, time.Now().UTC(), 10)
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("due = %+v", jobs)
	}
	if err := d.HandleJob(ctx, jobs[0]); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	if sent.Load() != 1 {
		t.Fatalf("sent = %d, want 1", sent.Load())
	}
	if store.count() != 1 {
		t.Fatalf("recorded = %d, want 1", store.count())
	}
	msg := store.messages[0]
	if msg.ProviderMessageID != "prov-1" || msg.IdempotencyKey != string(id) {
		t.Errorf("recorded message = %+v", msg)
	}
}

func TestDispatcherRedeliveryIsNoOp(t *testing.T) {
	var sent atomic.Int64
	senders := NewSenderRegistry()
	senders.Register("webchat:", func(context.Context, Outbound) (string, error) {
		sent.Add(1)
		return "prov-1", nil
	})
	store := &fakeMessageStore{}
	q := newTestQueue(t)
	d := NewDispatcher(q, senders, store, nil)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, Outbound{
		SessionKey:     "webchat:u1",
		ConversationID: "conv-1",
		Content:        "hello",
	}, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	jobs, _ := q.Due(ctx, OutboundQueue, time.Now().UTC(), 10)

	// Handle the same job twice, as a crashed worker would after restart.
	for i := 0; i < 2; i++ {
		if err := d.HandleJob(ctx, jobs[0]); err != nil {
			t.Fatalf("HandleJob %d: %v", i, err)
		}
	}
	if sent.Load() != 1 {
		t.Fatalf("sent = %d, want exactly 1", sent.Load())
	}
	if store.count() != 1 {
		t.Fatalf("recorded = %d, want exactly 1", store.count())
	}
}

func TestSendSameKeyBeforeDeliveryEnqueuesOnce(t *testing.T) {
	store := &fakeMessageStore{}
	q := newTestQueue(t)
	d := NewDispatcher(q, NewSenderRegistry(), store, nil)
	ctx := context.Background()

	out := Outbound{
		SessionKey:     "webchat:u1",
		ConversationID: "conv-1",
		Content:        "hello",
		IdempotencyKey: "key-1",
	}
	id, replayed, err := d.Send(ctx, out, Options{})
	if err != nil || replayed || id == "" {
		t.Fatalf("first Send = (%q, %v, %v)", id, replayed, err)
	}

	// No worker has run yet, so nothing is persisted. The key must still
	// be claimed by the queued job.
	id2, replayed, err := d.Send(ctx, out, Options{})
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if !replayed || id2 != "" {
		t.Fatalf("second Send = (%q, %v), want replayed with no job", id2, replayed)
	}

	pending, err := q.Pending(ctx, OutboundQueue, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(pending))
	}
}

func TestConcurrentSameKeyDeliveriesSendOnce(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var sent atomic.Int64
	senders := NewSenderRegistry()
	senders.Register("webchat:", func(context.Context, Outbound) (string, error) {
		sent.Add(1)
		close(entered)
		<-proceed
		return "prov-1", nil
	})
	store := &fakeMessageStore{}
	d := NewDispatcher(newTestQueue(t), senders, store, nil)
	ctx := context.Background()

	payload := map[string]any{
		"session_key":     "webchat:u1",
		"conversation_id": "conv-1",
		"content":         "hello",
		"idempotency_key": "key-1",
	}
	first := make(chan error, 1)
	go func() {
		first <- d.HandleJob(ctx, &Job{ID: "j1", Payload: payload})
	}()
	<-entered

	// A second job with the same key must not reach the sender while the
	// first delivery is still in flight.
	if err := d.HandleJob(ctx, &Job{ID: "j2", Payload: payload}); err == nil {
		t.Fatal("expected in-flight delivery to reject the second job")
	}
	close(proceed)
	if err := <-first; err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Once the winner has recorded its message, the retry is a no-op.
	if err := d.HandleJob(ctx, &Job{ID: "j2", Payload: payload}); err != nil {
		t.Fatalf("retried delivery: %v", err)
	}
	if sent.Load() != 1 {
		t.Fatalf("sent = %d, want exactly 1", sent.Load())
	}
	if store.count() != 1 {
		t.Fatalf("recorded = %d, want exactly 1", store.count())
	}
}

func TestDispatcherSenderFailurePropagates(t *testing.T) {
	senders := NewSenderRegistry()
	senders.Register("webchat:", func(context.Context, Outbound) (string, error) {
		return "", errors.New("provider down")
	})
	store := &fakeMessageStore{}
	q := newTestQueue(t)
	d := NewDispatcher(q, senders, store, nil)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, Outbound{SessionKey: "webchat:u1", ConversationID: "conv-1"}, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	jobs, _ := q.Due(ctx, OutboundQueue, time.Now().UTC(), 10)
	if err := d.HandleJob(ctx, jobs[0]); err == nil {
		t.Fatal("expected sender failure to propagate")
	}
	if store.count() != 0 {
		t.Fatalf("failed send was recorded: %d", store.count())
	}
}

func TestDispatcherUnknownPrefix(t *testing.T) {
	d := NewDispatcher(newTestQueue(t), NewSenderRegistry(), nil, nil)
	err := d.HandleJob(context.Background(), &Job{
		ID:      "j1",
		Payload: map[string]any{"session_key": "carrierpigeon:1", "content": "hi"},
	})
	if err == nil {
		t.Fatal("expected error for unregistered channel prefix")
	}
}

func TestWorkerProcessesAndRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var calls atomic.Int64
	handler := func(_ context.Context, job *Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}
	w := NewWorker(q, OutboundQueue, handler, 2, nil)
	w.SetPollInterval(10 * time.Millisecond)

	_, err := q.AddJob(ctx, OutboundQueue, "send_message", nil, Options{
		Attempts: 3,
		Backoff:  &Backoff{Type: BackoffFixed, Delay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := q.Due(ctx, OutboundQueue, time.Now().UTC().Add(time.Hour), 10)
		if calls.Load() >= 2 && len(jobs) == 0 {
			return // retried, succeeded, and acked
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job not completed: calls=%d", calls.Load())
}

func TestWorkerDeadLettersExhaustedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	handler := func(context.Context, *Job) error { return errors.New("always fails") }
	w := NewWorker(q, OutboundQueue, handler, 1, nil)
	w.SetPollInterval(10 * time.Millisecond)

	_, err := q.AddJob(ctx, OutboundQueue, "send_message", nil, Options{
		Attempts: 2,
		Backoff:  &Backoff{Type: BackoffFixed, Delay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		dead, _ := q.DeadLetters(ctx, OutboundQueue, 10)
		if len(dead) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never dead-lettered")
}
