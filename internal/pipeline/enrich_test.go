package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/user/flowgate/internal/store"
	"github.com/user/flowgate/internal/types"
)

type staticRetriever struct {
	snippets []string
	err      error
}

func (r staticRetriever) Retrieve(context.Context, string, int) ([]string, error) {
	return r.snippets, r.err
}

func TestSystemPromptMergesKnowledgeAndExternalContext(t *testing.T) {
	e, err := NewEnricher("gpt-4", 2048, staticRetriever{snippets: []string{"refund policy is 30 days"}}, nil)
	if err != nil {
		t.Fatalf("NewEnricher: %v", err)
	}

	flow := &types.Flow{ID: "support", SystemPrompt: "You are a support agent."}
	conv := &types.Conversation{
		Metadata: map[string]any{
			types.ExternalContextKey: map[string]any{
				"crm":     "customer tier: gold",
				"billing": "invoice #42 overdue",
			},
		},
	}

	prompt := e.SystemPrompt(context.Background(), flow, conv, "what is your refund policy?")
	if !strings.HasPrefix(prompt, "You are a support agent.") {
		t.Errorf("prompt does not start with the flow prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "refund policy is 30 days") {
		t.Error("retrieved knowledge missing from prompt")
	}
	// Namespaces appear in deterministic order.
	billing := strings.Index(prompt, "[billing]")
	crm := strings.Index(prompt, "[crm]")
	if billing < 0 || crm < 0 || billing > crm {
		t.Errorf("external context ordering wrong: %q", prompt)
	}
}

func TestSystemPromptRetrievalFailureDegrades(t *testing.T) {
	e, err := NewEnricher("gpt-4", 2048, staticRetriever{err: context.DeadlineExceeded}, nil)
	if err != nil {
		t.Fatalf("NewEnricher: %v", err)
	}
	prompt := e.SystemPrompt(context.Background(), &types.Flow{SystemPrompt: "Base."}, nil, "query")
	if prompt != "Base." {
		t.Errorf("prompt = %q, want bare flow prompt", prompt)
	}
}

func TestHistoryCutsAtExternallyTaggedOutbound(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	conv := &types.Conversation{Channel: "webchat", ChannelUserID: "v1"}
	if err := db.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	seed := []*types.Message{
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
		{Role: "assistant", Content: "campaign blast", SourceNamespace: "marketing"},
		{Role: "user", Content: "new question"},
		{Role: "assistant", Content: "new answer"},
	}
	for _, m := range seed {
		m.ConversationID = conv.ID
		if err := db.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	e, err := NewEnricher("gpt-4", 2048, nil, nil)
	if err != nil {
		t.Fatalf("NewEnricher: %v", err)
	}
	history, err := e.History(ctx, db, conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d turns, want 2 (after the campaign cut): %+v", len(history), history)
	}
	if history[0].Content != "new question" || history[1].Content != "new answer" {
		t.Errorf("history = %+v", history)
	}
}

func TestHistoryTokenBudgetTrimsOldest(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	conv := &types.Conversation{Channel: "webchat", ChannelUserID: "v1"}
	if err := db.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	long := strings.Repeat("alpha beta gamma delta ", 40)
	for _, content := range []string{long, long, "short recent turn"} {
		if err := db.InsertMessage(ctx, &types.Message{
			ConversationID: conv.ID, Role: "user", Content: content,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	// Budget fits the recent turn but not the long ones.
	e, err := NewEnricher("gpt-4", 50, nil, nil)
	if err != nil {
		t.Fatalf("NewEnricher: %v", err)
	}
	history, err := e.History(ctx, db, conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Content != "short recent turn" {
		t.Fatalf("history = %+v, want only the newest turn", history)
	}
}
