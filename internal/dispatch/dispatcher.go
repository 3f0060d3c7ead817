// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/flowgate/internal/types"
)

// OutboundQueue is the queue name used for outbound messages.
const OutboundQueue = "outbound"

// Dispatcher enqueues outbound messages and handles their delivery jobs.
// Enqueueing is all-or-nothing: if the queue backend is down the caller
// gets types.ErrQueueUnavailable instead of a fire-and-forget send.
type Dispatcher struct {
	queue   Queue
	senders *SenderRegistry
	store   types.ConversationStore
	logger  *slog.Logger

	// mu serializes Send's check-then-enqueue and guards delivering, so a
	// given idempotency key yields one queue job and one in-flight send.
	mu         sync.Mutex
	delivering map[string]struct{}
}

func NewDispatcher(queue Queue, senders *SenderRegistry, store types.ConversationStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:      queue,
		senders:    senders,
		store:      store,
		logger:     logger,
		delivering: make(map[string]struct{}),
	}
}

// Enqueue persists an outbound message as a durable job. The job id
// doubles as the idempotency key when the caller did not set one.
func (d *Dispatcher) Enqueue(ctx context.Context, out Outbound, opts Options) (types.JobID, error) {
	payload, err := toPayload(out)
	if err != nil {
		return "", err
	}
	id, err := d.queue.AddJob(ctx, OutboundQueue, "send_message", payload, opts)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Send enqueues an outbound message unless its idempotency key is already
// claimed, either by a delivered assistant message in the target
// conversation or by a job still sitting in the queue. Replayed sends
// return no job id and replayed == true.
func (d *Dispatcher) Send(ctx context.Context, out Outbound, opts Options) (types.JobID, bool, error) {
	if out.IdempotencyKey != "" {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.store != nil && out.ConversationID != "" {
			existing, err := d.store.MessageByIdempotencyKey(ctx, types.ConversationID(out.ConversationID), out.IdempotencyKey)
			if err != nil {
				return "", false, fmt.Errorf("idempotency lookup: %w", err)
			}
			if existing != nil {
				return "", true, nil
			}
		}

		// The key is claimed at enqueue time, not delivery time: a second
		// Send racing the worker must find the undelivered job.
		pending, err := d.queue.Pending(ctx, OutboundQueue, 0)
		if err != nil {
			return "", false, fmt.Errorf("pending lookup: %w", err)
		}
		for _, job := range pending {
			if key, _ := job.Payload["idempotency_key"].(string); key == out.IdempotencyKey {
				return "", true, nil
			}
		}
	}
	id, err := d.Enqueue(ctx, out, opts)
	return id, false, err
}

// HandleJob is the worker handler for outbound jobs: it replays nothing
// that was already delivered, sends the message, and records it in the
// conversation history with its provider id.
func (d *Dispatcher) HandleJob(ctx context.Context, job *Job) error {
	out, err := fromPayload(job.Payload)
	if err != nil {
		// Malformed payloads never become deliverable; fail permanently by
		// burning the remaining attempts.
		job.Attempt = job.Attempts
		return fmt.Errorf("decode outbound payload: %w", err)
	}
	if out.IdempotencyKey == "" {
		out.IdempotencyKey = string(job.ID)
	}

	// Two jobs carrying the same key must not send concurrently: the
	// loser retries after the winner has recorded its delivery, at which
	// point the replay check below turns it into a no-op.
	if !d.claim(out.IdempotencyKey) {
		return fmt.Errorf("delivery in flight for idempotency key %s", out.IdempotencyKey)
	}
	defer d.release(out.IdempotencyKey)

	convID := types.ConversationID(out.ConversationID)
	if d.store != nil && convID != "" {
		existing, err := d.store.MessageByIdempotencyKey(ctx, convID, out.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			d.logger.Info("outbound already delivered, skipping",
				"job_id", job.ID, "idempotency_key", out.IdempotencyKey)
			return nil
		}
	}

	providerID, err := d.senders.Send(ctx, out)
	if err != nil {
		return err
	}

	if d.store != nil && convID != "" {
		msg := &types.Message{
			ConversationID:    convID,
			Role:              "assistant",
			Content:           out.Content,
			ProviderMessageID: providerID,
			IdempotencyKey:    out.IdempotencyKey,
			SourceNamespace:   out.SourceNamespace,
			SourceCaseID:      out.SourceCaseID,
		}
		if err := d.store.InsertMessage(ctx, msg); err != nil {
			// Delivered but unrecorded: log, never retry a successful send.
			d.logger.Error("failed to record delivered message",
				"job_id", job.ID, "conversation", convID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.delivering[key]; busy {
		return false
	}
	d.delivering[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.delivering, key)
}

func toPayload(out Outbound) (map[string]any, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal outbound: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal outbound: %w", err)
	}
	return payload, nil
}

func fromPayload(payload map[string]any) (Outbound, error) {
	var out Outbound
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	if out.SessionKey == "" {
		return out, fmt.Errorf("outbound payload missing session_key")
	}
	return out, nil
}
