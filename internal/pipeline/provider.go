// internal/pipeline/provider.go
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Provider normalizes one messaging provider's webhook payloads. A nil
// Incoming with a nil error means the payload was a status-only callback
// carrying no user message, which terminates processing as a no-op.
type Provider interface {
	Name() string
	Normalize(payload []byte) (*Incoming, error)
}

// --- telegram ---

// TelegramProvider normalizes Telegram bot API update payloads.
type TelegramProvider struct{}

func (TelegramProvider) Name() string { return "telegram" }

func (TelegramProvider) Normalize(payload []byte) (*Incoming, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("parse telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	// Callback queries, chat-member updates and the like carry no text.
	if msg == nil || msg.Text == "" {
		return nil, nil
	}
	in := &Incoming{
		ChannelType:       "telegram",
		ChannelUserID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:           msg.Text,
		ProviderMessageID: strconv.Itoa(msg.MessageID),
		Metadata:          map[string]any{},
	}
	if msg.From != nil {
		in.Metadata["username"] = msg.From.UserName
	}
	return in, nil
}

// --- whatsapp (instance-based gateway) ---

// whatsappPayload is the envelope posted by instance-based WhatsApp
// gateways: an instance identifier plus a message body.
type whatsappPayload struct {
	Instance string `json:"instance"`
	Event    string `json:"event"`
	Data     struct {
		Key struct {
			ID         string `json:"id"`
			RemoteJid  string `json:"remoteJid"`
			FromMe     bool   `json:"fromMe"`
			SenderName string `json:"senderName"`
		} `json:"key"`
		Message struct {
			Conversation string `json:"conversation"`
		} `json:"message"`
		Status string `json:"status"`
	} `json:"data"`
	Sender   string         `json:"sender"`
	Metadata map[string]any `json:"metadata"`
}

// WhatsAppProvider normalizes instance-gateway WhatsApp payloads.
type WhatsAppProvider struct{}

func (WhatsAppProvider) Name() string { return "whatsapp" }

func (WhatsAppProvider) Normalize(payload []byte) (*Incoming, error) {
	var p whatsappPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse whatsapp payload: %w", err)
	}
	// Delivery receipts and our own outbound echoes carry no user message.
	if p.Data.Message.Conversation == "" || p.Data.Key.FromMe {
		return nil, nil
	}
	userID := strings.TrimSuffix(p.Data.Key.RemoteJid, "@s.whatsapp.net")
	in := &Incoming{
		ChannelType:       "whatsapp",
		ChannelUserID:     userID,
		Content:           p.Data.Message.Conversation,
		ProviderMessageID: p.Data.Key.ID,
		InstanceID:        p.Instance,
		PhoneNumber:       p.Sender,
		Metadata:          map[string]any{},
	}
	for k, v := range p.Metadata {
		in.Metadata[k] = v
	}
	if p.Data.Key.SenderName != "" {
		in.Metadata["sender_name"] = p.Data.Key.SenderName
	}
	return in, nil
}

// --- webchat widget ---

type webchatPayload struct {
	WidgetID  string         `json:"widget_id"`
	AccountID string         `json:"account_id"`
	VisitorID string         `json:"visitor_id"`
	MessageID string         `json:"message_id"`
	Text      string         `json:"text"`
	Typing    bool           `json:"typing"`
	Metadata  map[string]any `json:"metadata"`
}

// WebchatProvider normalizes web widget payloads.
type WebchatProvider struct{}

func (WebchatProvider) Name() string { return "webchat" }

func (WebchatProvider) Normalize(payload []byte) (*Incoming, error) {
	var p webchatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse webchat payload: %w", err)
	}
	if p.Typing || p.Text == "" {
		return nil, nil
	}
	if p.VisitorID == "" {
		return nil, fmt.Errorf("webchat payload missing visitor_id")
	}
	in := &Incoming{
		ChannelType:       "webchat",
		ChannelUserID:     p.VisitorID,
		Content:           p.Text,
		ProviderMessageID: p.MessageID,
		InstanceID:        p.WidgetID,
		AccountID:         p.AccountID,
		Metadata:          map[string]any{},
	}
	for k, v := range p.Metadata {
		in.Metadata[k] = v
	}
	return in, nil
}
