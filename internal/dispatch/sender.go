// internal/dispatch/sender.go
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Outbound is the payload carried by an outbound dispatch job.
type Outbound struct {
	// SessionKey identifies the destination, prefixed with the channel
	// type ("telegram:12345", "webchat:abc").
	SessionKey     string `json:"session_key"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	// IdempotencyKey makes redelivery of the same job a no-op.
	IdempotencyKey string `json:"idempotency_key"`
	// External marks messages injected by an outside system rather than
	// produced in reply to the user.
	External bool `json:"external,omitempty"`
	// SourceNamespace/SourceCaseID tag externally injected messages.
	SourceNamespace string `json:"source_namespace,omitempty"`
	SourceCaseID    string `json:"source_case_id,omitempty"`
}

// Sender delivers one outbound message to a provider and returns the
// provider-assigned message id, when the provider reports one.
type Sender func(ctx context.Context, out Outbound) (providerMessageID string, err error)

// SenderRegistry routes outbound messages to the sender registered for the
// session key's channel prefix.
type SenderRegistry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{senders: make(map[string]Sender)}
}

// Register adds a sender for session keys starting with prefix.
func (r *SenderRegistry) Register(prefix string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[prefix] = sender
}

// Send finds the sender matching the session key prefix and calls it.
func (r *SenderRegistry) Send(ctx context.Context, out Outbound) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, sender := range r.senders {
		if strings.HasPrefix(out.SessionKey, prefix) {
			return sender(ctx, out)
		}
	}
	return "", fmt.Errorf("no sender for session key: %s", out.SessionKey)
}

// WebchatSender delivers by POSTing the message to the widget callback
// endpoint. Session keys look like "webchat:<visitor_id>". A nil client
// defaults to http.DefaultClient.
func WebchatSender(callbackURL string, client *http.Client) Sender {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, out Outbound) (string, error) {
		body, err := json.Marshal(map[string]string{
			"visitor_id":      strings.TrimPrefix(out.SessionKey, "webchat:"),
			"conversation_id": out.ConversationID,
			"content":         out.Content,
		})
		if err != nil {
			return "", fmt.Errorf("encode webchat message: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build webchat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("webchat send: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("webchat callback returned %d", resp.StatusCode)
		}
		var ack struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			// Delivery succeeded; an unparseable ack only loses the id.
			return "", nil
		}
		return ack.MessageID, nil
	}
}

// TelegramSender delivers through the Telegram bot API. Session keys look
// like "telegram:<chat_id>".
func TelegramSender(bot *tgbotapi.BotAPI) Sender {
	return func(_ context.Context, out Outbound) (string, error) {
		raw := strings.TrimPrefix(out.SessionKey, "telegram:")
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid telegram session key %q: %w", out.SessionKey, err)
		}
		msg := tgbotapi.NewMessage(chatID, out.Content)
		sent, err := bot.Send(msg)
		if err != nil {
			return "", fmt.Errorf("telegram send: %w", err)
		}
		return strconv.Itoa(sent.MessageID), nil
	}
}
