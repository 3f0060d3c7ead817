package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/flowgate/internal/types"
)

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req *Request) (*Reply, error)

func (f ProcessorFunc) Process(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}

// SilentProcessor never replies. It keeps the routing machinery running
// when no collaborator service is configured: messages are still
// normalized, deduplicated, bound, and persisted, but nothing is sent back.
var SilentProcessor = ProcessorFunc(func(context.Context, *Request) (*Reply, error) {
	return &Reply{}, nil
})

// HTTPProcessor forwards an assembled request to an external collaborator
// service over HTTP and relays its reply. The collaborator owns the actual
// response generation; this side only routes and persists.
type HTTPProcessor struct {
	url    string
	client *http.Client
}

// NewHTTPProcessor creates a processor posting to the given endpoint.
func NewHTTPProcessor(url string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProcessor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type processorRequest struct {
	SessionID      string                 `json:"session_id"`
	ConversationID string                 `json:"conversation_id"`
	FlowID         string                 `json:"flow_id,omitempty"`
	ChannelType    string                 `json:"channel_type"`
	ChannelUserID  string                 `json:"channel_user_id"`
	SystemPrompt   string                 `json:"system_prompt,omitempty"`
	History        []types.ContextMessage `json:"history,omitempty"`
	Content        string                 `json:"content"`
}

type processorReply struct {
	Content string `json:"content"`
}

func (h *HTTPProcessor) Process(ctx context.Context, req *Request) (*Reply, error) {
	body := processorRequest{
		SessionID:     string(req.SessionID),
		ChannelType:   req.Message.ChannelType,
		ChannelUserID: req.Message.ChannelUserID,
		SystemPrompt:  req.SystemPrompt,
		History:       req.History,
		Content:       req.Message.Content,
	}
	if req.Conversation != nil {
		body.ConversationID = string(req.Conversation.ID)
	}
	if req.Flow != nil {
		body.FlowID = string(req.Flow.ID)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode collaborator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build collaborator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("collaborator call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, snippet)
	}

	var out processorReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode collaborator reply: %w", err)
	}
	return &Reply{Content: out.Content}, nil
}
