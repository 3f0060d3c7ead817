// internal/orchestrator/orchestrator.go

// Package orchestrator is the facade in front of the context store, the
// tool registry, and the permission manager. Callers hand it a session id
// and a tool invocation; it runs the permission and rate-limit gates,
// executes, and records the outcome in both the session context and the
// conversation history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/flowgate/internal/contextstore"
	"github.com/user/flowgate/internal/permission"
	"github.com/user/flowgate/internal/tool"
	"github.com/user/flowgate/internal/types"
)

// Event types emitted to registered listeners.
const (
	EventContextCreated = "context.created"
	EventContextUpdated = "context.updated"
	EventContextDeleted = "context.deleted"
	EventToolExecuted   = "tool.executed"
	EventToolFailed     = "tool.failed"
	EventToolDenied     = "tool.denied"
)

// Event describes a lifecycle notification.
type Event struct {
	Type      string
	SessionID types.SessionID
	Tool      string
	Err       error
}

// Listener receives events. Listeners must not block.
type Listener func(Event)

// Options configures an Orchestrator.
type Options struct {
	ContextStore contextstore.Store
	Store        types.ConversationStore // optional; enables durable execution records and dynamic tools
	Loader       *tool.Loader            // optional; nil skips dynamic tool loading
	Permissions  *permission.Manager
	Logger       *slog.Logger

	// DefaultTTL is applied when CreateContext is called with ttl == 0.
	// Negative ttl values store the context without expiry.
	DefaultTTL time.Duration
	// EnforcePermissions toggles the channel allow-list gate.
	EnforcePermissions bool
	// EnforceRateLimits toggles the per-user rate-limit gate,
	// independently of EnforcePermissions.
	EnforceRateLimits bool
}

// Orchestrator ties the engine's pieces together.
type Orchestrator struct {
	contexts contextstore.Store
	store    types.ConversationStore
	loader   *tool.Loader
	perms    *permission.Manager
	logger   *slog.Logger

	defaultTTL time.Duration
	enforcePerms bool
	enforceRates bool

	mu        sync.RWMutex
	registry  *tool.Registry
	listeners []Listener
	degraded  bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.NewManager()
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = time.Hour
	}
	return &Orchestrator{
		contexts:   opts.ContextStore,
		store:      opts.Store,
		loader:     opts.Loader,
		perms:      opts.Permissions,
		logger:     opts.Logger,
		defaultTTL: opts.DefaultTTL,
		enforcePerms: opts.EnforcePermissions,
		enforceRates: opts.EnforceRateLimits,
		registry:   tool.NewRegistry(),
	}
}

// Subscribe registers a listener for lifecycle events.
func (o *Orchestrator) Subscribe(fn Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.RLock()
	listeners := o.listeners
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Start registers the builtin tools and loads the dynamic tool definitions.
// A failing definition store leaves the orchestrator running with builtins
// only, flagged as degraded.
func (o *Orchestrator) Start(ctx context.Context) error {
	registry := tool.NewRegistry()
	for _, def := range tool.Builtins() {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register builtin %s: %w", def.Name, err)
		}
	}

	degraded := false
	if o.loader != nil {
		n, err := o.loader.Load(ctx, registry)
		if err != nil {
			o.logger.Warn("dynamic tool load failed, continuing with builtins", "error", err)
			degraded = true
		} else {
			o.logger.Info("loaded dynamic tools", "count", n)
		}
	}

	o.mu.Lock()
	o.registry = registry
	o.degraded = degraded
	o.mu.Unlock()
	return nil
}

// Stop releases the context store backend.
func (o *Orchestrator) Stop() error {
	return o.contexts.Close()
}

// Registry returns the current tool registry.
func (o *Orchestrator) Registry() *tool.Registry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.registry
}

// ReloadTools rebuilds the registry from the definition store and swaps it
// in atomically. On failure the previous registry stays in place.
func (o *Orchestrator) ReloadTools(ctx context.Context) (int, error) {
	if o.loader == nil {
		return 0, errors.New("no tool loader configured")
	}
	registry := tool.NewRegistry()
	for _, def := range tool.Builtins() {
		if err := registry.Register(def); err != nil {
			return 0, fmt.Errorf("register builtin %s: %w", def.Name, err)
		}
	}
	n, err := o.loader.Load(ctx, registry)
	if err != nil {
		return 0, fmt.Errorf("reload tools: %w", err)
	}

	o.mu.Lock()
	o.registry = registry
	o.degraded = false
	o.mu.Unlock()
	o.logger.Info("reloaded tools", "count", n)
	return n, nil
}

// Health reports the orchestrator's readiness.
type Health struct {
	ContextStore bool `json:"context_store"`
	ToolCount    int  `json:"tool_count"`
	Degraded     bool `json:"degraded"`
}

func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{ToolCount: o.Registry().Size()}
	o.mu.RLock()
	h.Degraded = o.degraded
	o.mu.RUnlock()
	if _, err := o.contexts.Exists(ctx, types.SessionID("health:probe")); err == nil {
		h.ContextStore = true
	}
	return h
}

// --- context operations ---

// CreateContext stores a fresh session context. ttl == 0 applies the
// default TTL; ttl < 0 stores without expiry.
func (o *Orchestrator) CreateContext(ctx context.Context, id types.SessionID, sc *types.SessionContext, ttl time.Duration) error {
	if ttl == 0 {
		ttl = o.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	sc.SessionID = id
	if err := o.contexts.Set(ctx, id, sc, ttl); err != nil {
		return err
	}
	o.emit(Event{Type: EventContextCreated, SessionID: id})
	return nil
}

// GetContext returns the stored session context.
func (o *Orchestrator) GetContext(ctx context.Context, id types.SessionID) (*types.SessionContext, error) {
	return o.contexts.Get(ctx, id)
}

// GetOrCreateContext returns the existing context or creates one from the
// supplied seed with the default TTL.
func (o *Orchestrator) GetOrCreateContext(ctx context.Context, id types.SessionID, seed *types.SessionContext) (*types.SessionContext, error) {
	sc, err := o.contexts.Get(ctx, id)
	if err == nil {
		return sc, nil
	}
	if !errors.Is(err, types.ErrContextNotFound) {
		return nil, err
	}
	if seed == nil {
		seed = &types.SessionContext{}
	}
	if err := o.CreateContext(ctx, id, seed, 0); err != nil {
		return nil, err
	}
	return o.contexts.Get(ctx, id)
}

// UpdateContext merges fields into the stored context.
func (o *Orchestrator) UpdateContext(ctx context.Context, id types.SessionID, fields contextstore.Fields) (*types.SessionContext, error) {
	sc, err := o.contexts.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	o.emit(Event{Type: EventContextUpdated, SessionID: id})
	return sc, nil
}

// DeleteContext removes the stored context.
func (o *Orchestrator) DeleteContext(ctx context.Context, id types.SessionID) error {
	if err := o.contexts.Delete(ctx, id); err != nil {
		return err
	}
	o.emit(Event{Type: EventContextDeleted, SessionID: id})
	return nil
}

// SetContextExpiry resets the TTL on a stored context.
func (o *Orchestrator) SetContextExpiry(ctx context.Context, id types.SessionID, ttl time.Duration) error {
	return o.contexts.SetExpiry(ctx, id, ttl)
}

// --- tool execution ---

// ExecuteTool runs a registered tool against a session. The execution is
// gated by channel permissions and per-user rate limits, each behind its
// own toggle, and the outcome, failures included, is appended to the session
// context and the conversation record before any error is returned.
func (o *Orchestrator) ExecuteTool(ctx context.Context, sessionID types.SessionID, toolName string, params map[string]any) (*tool.Result, error) {
	sc, err := o.contexts.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	registry := o.Registry()
	def, ok := registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrToolNotFound, toolName)
	}

	if o.enforcePerms {
		if err := o.perms.CheckPermission(toolName, sc.ChannelType, def.Permissions); err != nil {
			o.emit(Event{Type: EventToolDenied, SessionID: sessionID, Tool: toolName, Err: err})
			return nil, err
		}
	}
	if o.enforceRates {
		if err := o.perms.CheckRateLimit(toolName, sc.UserID, sc.ChannelType, def.Permissions); err != nil {
			o.emit(Event{Type: EventToolDenied, SessionID: sessionID, Tool: toolName, Err: err})
			return nil, err
		}
	}

	start := time.Now()
	res, execErr := registry.Execute(ctx, toolName, params, sc)
	elapsed := time.Since(start)

	exec := types.ToolExecution{
		ID:              types.NewExecutionID(),
		ToolName:        toolName,
		Parameters:      params,
		Status:          types.ExecutionSuccess,
		ExecutionTimeMs: elapsed.Milliseconds(),
		ExecutedAt:      start.UTC(),
	}
	if res != nil {
		exec.Result = res.Data
	}
	if execErr != nil || (res != nil && !res.Success) {
		exec.Status = types.ExecutionFailed
		if res != nil && res.Error != "" {
			exec.Error = res.Error
		} else if execErr != nil {
			exec.Error = execErr.Error()
		}
	}
	o.record(ctx, sessionID, sc, exec)

	ev := Event{Type: EventToolExecuted, SessionID: sessionID, Tool: toolName}
	if exec.Status == types.ExecutionFailed {
		ev.Type = EventToolFailed
		ev.Err = execErr
	}
	o.emit(ev)
	return res, execErr
}

// record appends the execution to the session context and, when a
// conversation is bound, to the conversation store. Recording failures are
// logged, never surfaced: the execution outcome wins.
func (o *Orchestrator) record(ctx context.Context, sessionID types.SessionID, sc *types.SessionContext, exec types.ToolExecution) {
	execs := append(append([]types.ToolExecution(nil), sc.ToolExecutions...), exec)
	if _, err := o.contexts.Update(ctx, sessionID, contextstore.Fields{ToolExecutions: execs}); err != nil {
		o.logger.Warn("failed to record execution in session context",
			"session", sessionID, "tool", exec.ToolName, "error", err)
	}
	if o.store != nil && sc.ConversationID != "" {
		if err := o.store.InsertToolExecution(ctx, sc.ConversationID, &exec); err != nil {
			o.logger.Warn("failed to record execution in conversation store",
				"conversation", sc.ConversationID, "tool", exec.ToolName, "error", err)
		}
	}
}
