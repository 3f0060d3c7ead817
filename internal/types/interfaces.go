// internal/types/interfaces.go
package types

import (
	"context"
)

// ConversationStore is the persistent storage contract consumed by the
// pipeline, the orchestrator, and the dynamic tool loader. Conversations,
// messages, tool executions, channel configs, flows, and tool definitions
// live here; the store itself is owned by callers.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, conv *Conversation) error
	TouchConversation(ctx context.Context, id ConversationID) error
	// ConversationByFlow returns the conversation bound to flowID for the
	// given (channel, user) pair, or nil when none exists.
	ConversationByFlow(ctx context.Context, channel, userID string, flowID FlowID) (*Conversation, error)
	// LatestConversation returns the most recently active conversation for
	// the (channel, user) pair, or nil when none exists.
	LatestConversation(ctx context.Context, channel, userID string) (*Conversation, error)

	InsertMessage(ctx context.Context, msg *Message) error
	// HasProviderMessage reports whether a message with the given provider
	// message id has already been persisted for the channel.
	HasProviderMessage(ctx context.Context, channel, providerMessageID string) (bool, error)
	// MessageByIdempotencyKey returns the assistant message carrying the
	// key in the conversation, or nil when absent.
	MessageByIdempotencyKey(ctx context.Context, convID ConversationID, key string) (*Message, error)
	// RecentMessages returns up to limit messages in chronological order,
	// most recent window of the conversation.
	RecentMessages(ctx context.Context, convID ConversationID, limit int) ([]*Message, error)

	InsertToolExecution(ctx context.Context, convID ConversationID, exec *ToolExecution) error
	InsertAnalyticsEvent(ctx context.Context, name string, payload map[string]any) error

	Flow(ctx context.Context, id FlowID) (*Flow, error)
	ActiveFlows(ctx context.Context) ([]*Flow, error)
	ChannelConfigs(ctx context.Context, channelType string) ([]*ChannelConfig, error)

	// ActiveToolRecords returns the active tool definitions for the
	// dynamic tool loader.
	ActiveToolRecords(ctx context.Context) ([]*ToolRecord, error)
}
