// internal/webhook/server.go

// Package webhook exposes the inbound HTTP surface: per-provider webhook
// endpoints, a health check, and a small debug API.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/flowgate/internal/orchestrator"
	"github.com/user/flowgate/internal/pipeline"
	"github.com/user/flowgate/internal/store"
	"github.com/user/flowgate/internal/types"
)

// maxBodyBytes caps inbound webhook payloads.
const maxBodyBytes = 1 << 20

// processTimeout bounds one message's background processing.
const processTimeout = 2 * time.Minute

// Server is the HTTP front door. Webhook endpoints acknowledge
// immediately and process in the background: the provider's delivery
// success never depends on downstream storage or processing.
type Server struct {
	pipe   *pipeline.Pipeline
	orch   *orchestrator.Orchestrator
	debug  *store.SQLite
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires the routes. debug may be nil to disable the debug API.
func NewServer(pipe *pipeline.Pipeline, orch *orchestrator.Orchestrator, debug *store.SQLite, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipe:   pipe,
		orch:   orch,
		debug:  debug,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	s.mux.HandleFunc("POST /api/tools/reload", s.handleReloadTools)
	if debug != nil {
		s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
		s.mux.HandleFunc("GET /api/conversations/{id}/executions", s.handleExecutions)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.orch.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"context_store": h.ContextStore,
		"tool_count":    h.ToolCount,
		"degraded":      h.Degraded,
	})
}

// handleWebhook acknowledges the provider immediately and hands the
// payload to the pipeline in the background.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		outcome, err := s.pipe.Handle(ctx, provider, payload)
		if err != nil {
			s.logger.Error("webhook processing failed", "provider", provider, "error", err)
			return
		}
		s.logger.Info("webhook processed",
			"provider", provider, "state", outcome.State,
			"conversation", outcome.ConversationID, "flow", outcome.FlowID,
			"degraded", outcome.Degraded)
	}()
}

func (s *Server) handleReloadTools(w http.ResponseWriter, r *http.Request) {
	count, err := s.orch.ReloadTools(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// Soft failure: the previous registry stays in place.
		s.logger.Error("tool reload failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true, "tool_count": count})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	convs, err := s.debug.RecentConversations(r.Context(), limit)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"conversations": convs})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	execs, err := s.debug.ToolExecutions(r.Context(), types.ConversationID(id))
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"executions": execs})
}
