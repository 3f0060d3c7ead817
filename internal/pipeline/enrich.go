// internal/pipeline/enrich.go
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/flowgate/internal/types"
)

// Retriever supplies knowledge snippets relevant to a query. Implemented
// by the RAG collaborator; a nil Retriever disables knowledge enrichment.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// Enricher assembles the token-budgeted prompt context for one turn: the
// flow's system prompt extended with retrieved knowledge and namespaced
// external context, plus the restored conversation history.
type Enricher struct {
	tokenizer    *tiktoken.Tiktoken
	historyLimit int
	tokenBudget  int
	retriever    Retriever
	logger       *slog.Logger
}

// NewEnricher creates an enricher with the given history token budget.
// model selects the tokenizer; unknown models fall back to cl100k_base.
func NewEnricher(model string, tokenBudget int, retriever Retriever, logger *slog.Logger) (*Enricher, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if tokenBudget <= 0 {
		tokenBudget = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		tokenizer:    enc,
		historyLimit: 50,
		tokenBudget:  tokenBudget,
		retriever:    retriever,
		logger:       logger,
	}, nil
}

func (e *Enricher) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// SystemPrompt combines the flow's prompt with retrieved knowledge and the
// conversation's namespaced external context. Retrieval failures degrade
// to the bare prompt.
func (e *Enricher) SystemPrompt(ctx context.Context, flow *types.Flow, conv *types.Conversation, query string) string {
	var b strings.Builder
	if flow != nil && flow.SystemPrompt != "" {
		b.WriteString(flow.SystemPrompt)
	}

	if e.retriever != nil && query != "" {
		snippets, err := e.retriever.Retrieve(ctx, query, 5)
		if err != nil {
			e.logger.Warn("knowledge retrieval failed", "error", err)
		} else if len(snippets) > 0 {
			b.WriteString("\n\nRelevant knowledge:\n")
			for _, s := range snippets {
				b.WriteString("- ")
				b.WriteString(s)
				b.WriteString("\n")
			}
		}
	}

	if conv != nil {
		if ec := conv.ExternalContext(); len(ec) > 0 {
			namespaces := make([]string, 0, len(ec))
			for ns := range ec {
				namespaces = append(namespaces, ns)
			}
			sort.Strings(namespaces)
			b.WriteString("\n\nAttached context:\n")
			for _, ns := range namespaces {
				fmt.Fprintf(&b, "[%s] %v\n", ns, ec[ns])
			}
		}
	}
	return b.String()
}

// History restores the conversation's prior turns, bounded two ways: only
// messages after the last externally-tagged outbound message are included,
// so an unrelated campaign blast does not bleed into the active turn, and
// the total is trimmed oldest-first to the token budget.
func (e *Enricher) History(ctx context.Context, store types.ConversationStore, convID types.ConversationID) ([]types.ContextMessage, error) {
	msgs, err := store.RecentMessages(ctx, convID, e.historyLimit)
	if err != nil {
		return nil, err
	}

	// Cut at the last externally-tagged outbound message.
	start := 0
	for i, m := range msgs {
		if m.Role == "assistant" && m.SourceNamespace != "" {
			start = i + 1
		}
	}
	msgs = msgs[start:]

	history := make([]types.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, types.ContextMessage{Role: m.Role, Content: m.Content})
	}

	// Trim oldest-first to the token budget.
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		t := e.countTokens(history[i].Content)
		if used+t > e.tokenBudget {
			break
		}
		used += t
		cut = i
	}
	return history[cut:], nil
}
