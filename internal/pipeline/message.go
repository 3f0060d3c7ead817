// internal/pipeline/message.go

// Package pipeline turns provider-native webhook payloads into processed
// conversations: normalize, identify the channel, deduplicate, resolve the
// handling flow, enrich with retrieved context, process, persist, and
// dispatch the reply.
package pipeline

import (
	"github.com/user/flowgate/internal/types"
)

// Incoming is the canonical shape every provider payload normalizes into.
type Incoming struct {
	ChannelType       string
	ChannelUserID     string
	Content           string
	ProviderMessageID string

	// Identity hints extracted from the payload, used to match a
	// configured channel.
	InstanceID  string
	AccountID   string
	PhoneNumber string

	Metadata map[string]any
}

// FlowID returns the explicit flow id carried in the message metadata, if
// any.
func (in *Incoming) FlowID() types.FlowID {
	if in.Metadata == nil {
		return ""
	}
	if v, ok := in.Metadata["flow_id"].(string); ok {
		return types.FlowID(v)
	}
	return ""
}

// Terminal states of one inbound message's processing.
const (
	StateNoOp         = "noop"          // status-only callback
	StateDuplicate    = "duplicate"     // provider message id already seen
	StateFlowInactive = "flow_inactive" // intentional silence
	StateProcessed    = "processed"
)

// Outcome reports how an inbound message terminated.
type Outcome struct {
	State          string
	ConversationID types.ConversationID
	FlowID         types.FlowID
	Reply          string
	JobID          types.JobID
	Replayed       bool
	// Degraded is set when no configured channel matched and routing fell
	// back to channel type only.
	Degraded bool
}
