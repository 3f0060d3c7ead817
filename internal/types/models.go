// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// ContextMessage is one turn in a session's working history.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecutionStatus is the recorded outcome of a tool execution. Executions
// are written once, after completion, so there is no in-progress state.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ToolExecution records one tool invocation. Never mutated after completion.
type ToolExecution struct {
	ID              ExecutionID     `json:"id"`
	ToolName        string          `json:"tool_name"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Result          any             `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// SessionContext is the TTL-scoped working state of one conversation,
// owned by the context store for its lifetime.
type SessionContext struct {
	SessionID      SessionID        `json:"session_id"`
	ConversationID ConversationID   `json:"conversation_id,omitempty"`
	ChannelType    string           `json:"channel_type"`
	UserID         string           `json:"user_id"`
	History        []ContextMessage `json:"history,omitempty"`
	ToolExecutions []ToolExecution  `json:"tool_executions,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Expired reports whether the context's TTL has elapsed at the given instant.
// A zero ExpiresAt means no expiry.
func (c *SessionContext) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (c *SessionContext) Clone() *SessionContext {
	if c == nil {
		return nil
	}
	out := *c
	out.History = append([]ContextMessage(nil), c.History...)
	out.ToolExecutions = append([]ToolExecution(nil), c.ToolExecutions...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ConversationStatus values for the durable conversation record.
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// Conversation is the durable record of a user/channel/flow interaction.
// A (channel, user) pair may hold several conversations, at most one per
// distinct flow id; switching flows creates a new conversation.
type Conversation struct {
	ID            ConversationID `json:"id"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	FlowID        FlowID         `json:"flow_id,omitempty"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastActivity  time.Time      `json:"last_activity"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ExternalContextKey is the conversation metadata key holding externally
// attached context, keyed by namespace.
const ExternalContextKey = "external_context"

// ExternalContext returns the namespaced external-context map stored in the
// conversation metadata, or nil when absent.
func (c *Conversation) ExternalContext() map[string]any {
	if c.Metadata == nil {
		return nil
	}
	if ec, ok := c.Metadata[ExternalContextKey].(map[string]any); ok {
		return ec
	}
	return nil
}

// Message is a persisted conversation message, immutable once written.
type Message struct {
	ID                MessageID      `json:"id"`
	ConversationID    ConversationID `json:"conversation_id"`
	Role              string         `json:"role"`
	Content           string         `json:"content"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	SourceNamespace   string         `json:"source_namespace,omitempty"`
	SourceCaseID      string         `json:"source_case_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RoutingRule matches inbound messages to a flow by channel, content
// keywords, and metadata equality. Higher Priority values win.
type RoutingRule struct {
	Channels []string          `json:"channels,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Priority int               `json:"priority"`
}

// Flow is a configured agent: system prompt, enabled tools, and routing rules.
type Flow struct {
	ID           FlowID        `json:"id"`
	Name         string        `json:"name"`
	Active       bool          `json:"active"`
	SystemPrompt string        `json:"system_prompt"`
	EnabledTools []string      `json:"enabled_tools,omitempty"`
	Rules        []RoutingRule `json:"rules,omitempty"`
}

// ChannelConfig identifies a configured external messaging surface.
type ChannelConfig struct {
	ID          string `json:"id"`
	ChannelType string `json:"channel_type"`
	InstanceID  string `json:"instance_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
}

// Handler kinds for persisted tool definitions.
const (
	HandlerSandboxedCode  = "sandboxed-code"
	HandlerEmailConnector = "email-connector"
	HandlerSQLConnector   = "sql-connector"
	HandlerRESTConnector  = "rest-connector"
)

// RateLimit is a fixed-window request budget.
type RateLimit struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

// PermissionSpec restricts where and how often a tool may run. A nil or
// empty AllowedChannels list permits every channel.
type PermissionSpec struct {
	AllowedChannels []string   `json:"allowed_channels,omitempty"`
	RateLimit       *RateLimit `json:"rate_limit,omitempty"`
}

// ToolRecord is a tool definition row loaded from persistent storage.
type ToolRecord struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	HandlerKind     string            `json:"handler_kind"`
	Source          string            `json:"source,omitempty"`
	ConnectorConfig map[string]string `json:"connector_config,omitempty"`
	Permissions     *PermissionSpec   `json:"permissions,omitempty"`
	Active          bool              `json:"active"`
}
