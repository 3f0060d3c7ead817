package pipeline

import (
	"testing"
)

func TestTelegramNormalize(t *testing.T) {
	payload := []byte(`{
		"update_id": 10,
		"message": {
			"message_id": 42,
			"from": {"id": 7, "username": "alice"},
			"chat": {"id": 123456},
			"text": "hello there"
		}
	}`)
	in, err := TelegramProvider{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in == nil {
		t.Fatal("expected a message")
	}
	if in.ChannelType != "telegram" || in.ChannelUserID != "123456" {
		t.Errorf("identity = %s/%s", in.ChannelType, in.ChannelUserID)
	}
	if in.Content != "hello there" || in.ProviderMessageID != "42" {
		t.Errorf("content = %q id = %q", in.Content, in.ProviderMessageID)
	}
	if in.Metadata["username"] != "alice" {
		t.Errorf("metadata = %v", in.Metadata)
	}
}

func TestTelegramStatusOnlyCallbacks(t *testing.T) {
	for name, payload := range map[string]string{
		"callback_query": `{"update_id":11,"callback_query":{"id":"cb1"}}`,
		"empty_text":     `{"update_id":12,"message":{"message_id":1,"chat":{"id":5},"text":""}}`,
		"no_message":     `{"update_id":13}`,
	} {
		in, err := TelegramProvider{}.Normalize([]byte(payload))
		if err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if in != nil {
			t.Errorf("%s: expected no-op, got %+v", name, in)
		}
	}
}

func TestWhatsAppNormalize(t *testing.T) {
	payload := []byte(`{
		"instance": "wa-main",
		"event": "messages.upsert",
		"sender": "+1 (555) 000-1234",
		"data": {
			"key": {"id": "WA123", "remoteJid": "593999999999@s.whatsapp.net", "senderName": "Bob"},
			"message": {"conversation": "hola"}
		}
	}`)
	in, err := WhatsAppProvider{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in == nil {
		t.Fatal("expected a message")
	}
	if in.ChannelUserID != "593999999999" {
		t.Errorf("user = %q", in.ChannelUserID)
	}
	if in.InstanceID != "wa-main" || in.PhoneNumber != "+1 (555) 000-1234" {
		t.Errorf("identity hints = %q / %q", in.InstanceID, in.PhoneNumber)
	}
	if in.Metadata["sender_name"] != "Bob" {
		t.Errorf("metadata = %v", in.Metadata)
	}
}

func TestWhatsAppIgnoresOwnEchoesAndReceipts(t *testing.T) {
	for name, payload := range map[string]string{
		"from_me": `{"instance":"wa-main","data":{"key":{"id":"X","fromMe":true},"message":{"conversation":"my own reply"}}}`,
		"receipt": `{"instance":"wa-main","data":{"key":{"id":"Y"},"status":"DELIVERED"}}`,
	} {
		in, err := WhatsAppProvider{}.Normalize([]byte(payload))
		if err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if in != nil {
			t.Errorf("%s: expected no-op, got %+v", name, in)
		}
	}
}

func TestWebchatNormalize(t *testing.T) {
	payload := []byte(`{
		"widget_id": "widget-7",
		"account_id": "acct-1",
		"visitor_id": "v-abc",
		"message_id": "wm-1",
		"text": "hi",
		"metadata": {"page": "/pricing"}
	}`)
	in, err := WebchatProvider{}.Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.ChannelUserID != "v-abc" || in.InstanceID != "widget-7" || in.AccountID != "acct-1" {
		t.Errorf("normalized = %+v", in)
	}
	if in.Metadata["page"] != "/pricing" {
		t.Errorf("metadata = %v", in.Metadata)
	}
}

func TestWebchatRejectsMissingVisitor(t *testing.T) {
	if _, err := (WebchatProvider{}).Normalize([]byte(`{"text":"hi"}`)); err == nil {
		t.Fatal("expected error for missing visitor_id")
	}
}

func TestWebchatTypingIsNoOp(t *testing.T) {
	in, err := WebchatProvider{}.Normalize([]byte(`{"visitor_id":"v1","typing":true}`))
	if err != nil || in != nil {
		t.Fatalf("typing: in=%+v err=%v", in, err)
	}
}
