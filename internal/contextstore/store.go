// internal/contextstore/store.go
package contextstore

import (
	"context"
	"time"

	"github.com/user/flowgate/internal/types"
)

// Fields is a partial session context for read-modify-write updates.
// Nil slice and pointer fields are left untouched; Metadata is shallow-merged
// key by key. Two concurrent updates to the same session are last-write-wins.
type Fields struct {
	ConversationID *types.ConversationID
	ChannelType    *string
	UserID         *string
	History        []types.ContextMessage
	ToolExecutions []types.ToolExecution
	Metadata       map[string]any
}

// Store is the session context store. Backends are swappable: a process-local
// map for single-instance runs and a Redis-backed store for multi-instance
// deployments, with identical external behavior. Every read checks expiry and
// treats an expired entry as absent, deleting it as a side effect.
type Store interface {
	// Get returns the context or types.ErrContextNotFound when absent or
	// expired.
	Get(ctx context.Context, id types.SessionID) (*types.SessionContext, error)
	// Set stores the context. A non-positive ttl stores it without expiry.
	Set(ctx context.Context, id types.SessionID, sc *types.SessionContext, ttl time.Duration) error
	// Update fetches the current context, shallow-merges the supplied
	// fields, stamps UpdatedAt, and re-persists preserving the remaining
	// TTL. Fails with types.ErrContextNotFound when absent or expired.
	Update(ctx context.Context, id types.SessionID, fields Fields) (*types.SessionContext, error)
	Delete(ctx context.Context, id types.SessionID) error
	Exists(ctx context.Context, id types.SessionID) (bool, error)
	SetExpiry(ctx context.Context, id types.SessionID, ttl time.Duration) error
	Close() error
}

// merge applies fields onto a copy of sc and stamps UpdatedAt.
func merge(sc *types.SessionContext, fields Fields, now time.Time) *types.SessionContext {
	out := sc.Clone()
	if fields.ConversationID != nil {
		out.ConversationID = *fields.ConversationID
	}
	if fields.ChannelType != nil {
		out.ChannelType = *fields.ChannelType
	}
	if fields.UserID != nil {
		out.UserID = *fields.UserID
	}
	if fields.History != nil {
		out.History = append([]types.ContextMessage(nil), fields.History...)
	}
	if fields.ToolExecutions != nil {
		out.ToolExecutions = append([]types.ToolExecution(nil), fields.ToolExecutions...)
	}
	if len(fields.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			out.Metadata[k] = v
		}
	}
	out.UpdatedAt = now
	return out
}
