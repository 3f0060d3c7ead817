// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/flowgate/internal/contextstore"
	"github.com/user/flowgate/internal/dispatch"
	"github.com/user/flowgate/internal/flow"
	"github.com/user/flowgate/internal/orchestrator"
	"github.com/user/flowgate/internal/types"
)

// Processor is the message-processing collaborator (LLM/orchestration).
// It receives the resolved flow (nil on the flowless path), the enriched
// system prompt, and the restored history, and produces the reply text.
type Processor interface {
	Process(ctx context.Context, req *Request) (*Reply, error)
}

// Request is the input to the processing collaborator.
type Request struct {
	Flow         *types.Flow
	SystemPrompt string
	History      []types.ContextMessage
	SessionID    types.SessionID
	Conversation *types.Conversation
	Message      *Incoming
}

// Reply is the collaborator's output.
type Reply struct {
	Content string
}

// Options configures a Pipeline.
type Options struct {
	Store      types.ConversationStore
	Orch       *orchestrator.Orchestrator
	Router     *flow.Router
	Enricher   *Enricher
	Dispatcher *dispatch.Dispatcher
	Processor  Processor
	Logger     *slog.Logger
}

// Pipeline is the inbound message state machine: normalize, identify,
// deduplicate, resolve flow, enrich, process, persist, dispatch.
type Pipeline struct {
	store      types.ConversationStore
	orch       *orchestrator.Orchestrator
	router     *flow.Router
	enricher   *Enricher
	dispatcher *dispatch.Dispatcher
	processor  Processor
	providers  map[string]Provider
	logger     *slog.Logger
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Router == nil {
		opts.Router = flow.NewRouter()
	}
	return &Pipeline{
		store:      opts.Store,
		orch:       opts.Orch,
		router:     opts.Router,
		enricher:   opts.Enricher,
		dispatcher: opts.Dispatcher,
		processor:  opts.Processor,
		providers:  make(map[string]Provider),
		logger:     opts.Logger,
	}
}

// RegisterProvider adds a payload normalizer.
func (p *Pipeline) RegisterProvider(provider Provider) {
	p.providers[provider.Name()] = provider
}

// Providers returns the registered provider names, for endpoint setup.
func (p *Pipeline) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}

// Handle runs one provider payload through the full state machine and
// reports how it terminated.
func (p *Pipeline) Handle(ctx context.Context, providerName string, payload []byte) (*Outcome, error) {
	provider, ok := p.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}

	// 1. Normalize.
	in, err := provider.Normalize(payload)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return &Outcome{State: StateNoOp}, nil
	}

	// 2. Identify channel.
	outcome := &Outcome{}
	channel, err := identifyChannel(ctx, p.store, in)
	if err != nil {
		p.logger.Warn("channel identification failed, continuing with type-only routing",
			"channel_type", in.ChannelType, "error", err)
	}
	if channel != nil {
		if in.Metadata == nil {
			in.Metadata = map[string]any{}
		}
		in.Metadata["channel_id"] = channel.ID
	} else {
		outcome.Degraded = true
	}

	// 3. Deduplicate.
	if in.ProviderMessageID != "" {
		seen, err := p.store.HasProviderMessage(ctx, in.ChannelType, in.ProviderMessageID)
		if err != nil {
			p.logger.Warn("dedup check failed", "provider_message_id", in.ProviderMessageID, "error", err)
		} else if seen {
			outcome.State = StateDuplicate
			return outcome, nil
		}
	}

	// 4. Resolve flow.
	resolved, silent, err := p.resolveFlow(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("resolve flow: %w", err)
	}
	if silent {
		outcome.State = StateFlowInactive
		return outcome, nil
	}
	if resolved != nil {
		outcome.FlowID = resolved.ID
	}

	// Bind the conversation: one per (channel, user, flow).
	conv, err := p.bindConversation(ctx, in, resolved)
	if err != nil {
		return nil, fmt.Errorf("bind conversation: %w", err)
	}
	outcome.ConversationID = conv.ID

	sessionID := types.NewSessionKey(in.ChannelType, in.ChannelUserID)
	sc, err := p.orch.GetOrCreateContext(ctx, sessionID, &types.SessionContext{
		ConversationID: conv.ID,
		ChannelType:    in.ChannelType,
		UserID:         in.ChannelUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("session context: %w", err)
	}

	// 5. Enrich.
	systemPrompt := ""
	var history []types.ContextMessage
	if p.enricher != nil {
		systemPrompt = p.enricher.SystemPrompt(ctx, resolved, conv, in.Content)
		history, err = p.enricher.History(ctx, p.store, conv.ID)
		if err != nil {
			p.logger.Warn("history restoration failed", "conversation", conv.ID, "error", err)
			history = sc.History
		}
	} else if resolved != nil {
		systemPrompt = resolved.SystemPrompt
	}

	// 6. Process.
	reply, err := p.processor.Process(ctx, &Request{
		Flow:         resolved,
		SystemPrompt: systemPrompt,
		History:      history,
		SessionID:    sessionID,
		Conversation: conv,
		Message:      in,
	})
	if err != nil {
		p.logger.Error("message processing failed",
			"conversation", conv.ID, "channel", in.ChannelType, "user", in.ChannelUserID, "error", err)
		return nil, fmt.Errorf("process message: %w", err)
	}
	outcome.Reply = reply.Content

	// 7. Persist. Failures are logged, never fatal.
	p.persist(ctx, in, conv, reply)

	turns := append(append([]types.ContextMessage(nil), history...),
		types.ContextMessage{Role: "user", Content: in.Content})
	if reply.Content != "" {
		turns = append(turns, types.ContextMessage{Role: "assistant", Content: reply.Content})
	}
	convID := conv.ID
	if _, err := p.orch.UpdateContext(ctx, sessionID, contextstore.Fields{
		ConversationID: &convID,
		History:        turns,
	}); err != nil {
		p.logger.Warn("failed to update session context", "session", sessionID, "error", err)
	}

	// 8. Dispatch.
	if p.dispatcher != nil && reply.Content != "" {
		idempotencyKey := ""
		if in.ProviderMessageID != "" {
			idempotencyKey = "reply:" + in.ChannelType + ":" + in.ProviderMessageID
		}
		jobID, replayed, err := p.dispatcher.Send(ctx, dispatch.Outbound{
			SessionKey:     string(sessionID),
			ConversationID: string(conv.ID),
			Content:        reply.Content,
			IdempotencyKey: idempotencyKey,
		}, dispatch.Options{})
		if err != nil {
			p.logger.Error("outbound dispatch failed, reply will not be delivered",
				"conversation", conv.ID, "channel", in.ChannelType, "user", in.ChannelUserID, "error", err)
		} else {
			outcome.JobID = jobID
			outcome.Replayed = replayed
		}
	}

	outcome.State = StateProcessed
	return outcome, nil
}

// resolveFlow applies the binding fallback chain in strict priority order:
// an explicit flow id in the message metadata wins, so a caller can always
// address a specific flow; then the conversation's bound flow (active uses
// it, inactive silences the message); then an explicit id stored in the
// conversation's external context; then the rule-based router; an
// unresolved message proceeds flowless. The order is a compatibility
// guarantee for conversations that predate flow binding and must not be
// rearranged.
func (p *Pipeline) resolveFlow(ctx context.Context, in *Incoming) (*types.Flow, bool, error) {
	// Explicit flow id in the message itself.
	if explicit := in.FlowID(); explicit != "" {
		f, silent, err := p.loadExplicit(ctx, in, explicit)
		if f != nil || silent || err != nil {
			return f, silent, err
		}
	}

	latest, err := p.store.LatestConversation(ctx, in.ChannelType, in.ChannelUserID)
	if err != nil {
		return nil, false, err
	}

	// The conversation's bound flow.
	if latest != nil && latest.FlowID != "" {
		bound, err := p.store.Flow(ctx, latest.FlowID)
		if err != nil {
			return nil, false, err
		}
		if bound != nil {
			if bound.Active {
				return bound, false, nil
			}
			return nil, true, nil
		}
		// Bound flow no longer exists; fall through.
	}

	// Explicit flow id stored in the conversation's external context.
	if latest != nil {
		if ec := latest.ExternalContext(); ec != nil {
			if v, ok := ec["flow_id"].(string); ok && v != "" {
				f, silent, err := p.loadExplicit(ctx, in, types.FlowID(v))
				if f != nil || silent || err != nil {
					return f, silent, err
				}
			}
		}
	}

	// Rule-based router.
	flows, err := p.store.ActiveFlows(ctx)
	if err != nil {
		return nil, false, err
	}
	if matched := p.router.Resolve(flows, flow.Input{
		ChannelType: in.ChannelType,
		Content:     in.Content,
		Metadata:    in.Metadata,
	}); matched != nil {
		return matched, false, nil
	}

	// Flowless default.
	return nil, false, nil
}

// loadExplicit resolves an explicitly addressed flow. An unknown id yields
// nothing and lets the chain continue; an inactive flow is tolerated once
// when it originated the conversation, otherwise it silences the message.
func (p *Pipeline) loadExplicit(ctx context.Context, in *Incoming, id types.FlowID) (*types.Flow, bool, error) {
	f, err := p.store.Flow(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if f == nil {
		return nil, false, nil
	}
	if f.Active {
		return f, false, nil
	}
	resumed, err := p.resumeInactive(ctx, in, f)
	if err != nil {
		return nil, false, err
	}
	if resumed {
		return f, false, nil
	}
	return nil, true, nil
}

// resumeInactive tolerates an inactive explicit flow exactly once, and
// only when the existing conversation was originated by that flow itself.
// The tolerance is consumed by stamping the conversation, so the next
// resolution suppresses like any other inactive flow.
func (p *Pipeline) resumeInactive(ctx context.Context, in *Incoming, f *types.Flow) (bool, error) {
	conv, err := p.store.ConversationByFlow(ctx, in.ChannelType, in.ChannelUserID, f.ID)
	if err != nil || conv == nil {
		return false, err
	}
	if conv.Metadata == nil {
		return false, nil
	}
	originated, _ := conv.Metadata["flow_initiated"].(bool)
	consumed, _ := conv.Metadata["inactive_resumed"].(bool)
	if !originated || consumed {
		return false, nil
	}
	conv.Metadata["inactive_resumed"] = true
	if err := p.store.UpdateConversation(ctx, conv); err != nil {
		p.logger.Warn("failed to consume inactive-resume tolerance", "conversation", conv.ID, "error", err)
	}
	return true, nil
}

// bindConversation finds or creates the conversation for this (channel,
// user, flow) triple. A flow switch creates a new conversation instead of
// rebinding the old one.
func (p *Pipeline) bindConversation(ctx context.Context, in *Incoming, resolved *types.Flow) (*types.Conversation, error) {
	var flowID types.FlowID
	if resolved != nil {
		flowID = resolved.ID
	}
	conv, err := p.store.ConversationByFlow(ctx, in.ChannelType, in.ChannelUserID, flowID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		if err := p.store.TouchConversation(ctx, conv.ID); err != nil {
			p.logger.Warn("failed to touch conversation", "conversation", conv.ID, "error", err)
		}
		return conv, nil
	}

	conv = &types.Conversation{
		Channel:       in.ChannelType,
		ChannelUserID: in.ChannelUserID,
		FlowID:        flowID,
		Status:        types.ConversationActive,
	}
	if err := p.store.CreateConversation(ctx, conv); err != nil {
		// Two webhooks for the same user can race on creation; the unique
		// binding index turns the loser into a re-read.
		existing, lookupErr := p.store.ConversationByFlow(ctx, in.ChannelType, in.ChannelUserID, flowID)
		if lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return conv, nil
}

// persist writes the user message and an analytics event. The assistant
// message is recorded at delivery time by the dispatcher, carrying its
// idempotency key.
func (p *Pipeline) persist(ctx context.Context, in *Incoming, conv *types.Conversation, reply *Reply) {
	msg := &types.Message{
		ConversationID:    conv.ID,
		Role:              "user",
		Content:           in.Content,
		ProviderMessageID: in.ProviderMessageID,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		p.logger.Error("failed to persist user message",
			"conversation", conv.ID, "channel", in.ChannelType, "user", in.ChannelUserID, "error", err)
	}

	event := map[string]any{
		"conversation_id": string(conv.ID),
		"channel":         in.ChannelType,
		"user":            in.ChannelUserID,
		"flow_id":         string(conv.FlowID),
		"replied":         reply.Content != "",
		"at":              time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.store.InsertAnalyticsEvent(ctx, "message_processed", event); err != nil {
		p.logger.Warn("failed to record analytics event", "conversation", conv.ID, "error", err)
	}
}
