// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type ConversationID string
type MessageID string
type ExecutionID string
type FlowID string
type JobID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// NewSessionKey builds the canonical session id for a (channel, user) pair,
// e.g. "whatsapp:+593999999999".
func NewSessionKey(parts ...string) SessionID {
	return SessionID(strings.Join(parts, ":"))
}
