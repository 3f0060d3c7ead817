// internal/tool/loader.go
package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/flowgate/internal/connector"
	"github.com/user/flowgate/internal/sandbox"
	"github.com/user/flowgate/internal/types"
)

// Loader reads active tool definitions from persistent storage and binds
// each to a handler selected by its handler kind. It is a factory over the
// handler variants; definitions are immutable once registered.
type Loader struct {
	store    types.ConversationStore
	engine   *sandbox.Engine
	services connector.Services
}

// NewLoader creates a loader over the given store, sandbox engine, and
// connector services.
func NewLoader(store types.ConversationStore, engine *sandbox.Engine, services connector.Services) *Loader {
	return &Loader{store: store, engine: engine, services: services}
}

// Load reads active tool records and registers one definition per record.
// A record that cannot be bound is logged and skipped; the rest still load.
// Returns the number of tools registered.
func (l *Loader) Load(ctx context.Context, registry *Registry) (int, error) {
	records, err := l.store.ActiveToolRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tool records: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		def, err := l.build(rec)
		if err != nil {
			slog.Warn("skipping tool definition", "tool", rec.Name, "error", err)
			continue
		}
		if err := registry.Register(def); err != nil {
			slog.Warn("skipping tool definition", "tool", rec.Name, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// build selects the handler variant for a record's handler kind.
func (l *Loader) build(rec *types.ToolRecord) (*Definition, error) {
	def := &Definition{
		Name:        rec.Name,
		Description: rec.Description,
		Parameters:  rec.Parameters,
		Permissions: rec.Permissions,
	}

	switch rec.HandlerKind {
	case types.HandlerSandboxedCode:
		if err := l.engine.Validate(rec.Source); err != nil {
			return nil, fmt.Errorf("invalid tool source: %w", err)
		}
		def.Handler = &SandboxedCode{Engine: l.engine, Source: rec.Source}

	case types.HandlerEmailConnector:
		if l.services.Email == nil {
			return nil, fmt.Errorf("email connector service not configured")
		}
		def.Handler = &EmailConnector{Client: l.services.Email, Config: rec.ConnectorConfig}

	case types.HandlerSQLConnector:
		if l.services.SQL == nil {
			return nil, fmt.Errorf("sql connector service not configured")
		}
		def.Handler = &SQLConnector{Client: l.services.SQL, Config: rec.ConnectorConfig}

	case types.HandlerRESTConnector:
		if l.services.REST == nil {
			return nil, fmt.Errorf("rest connector service not configured")
		}
		def.Handler = &RESTConnector{Client: l.services.REST, Config: rec.ConnectorConfig}

	default:
		return nil, fmt.Errorf("unknown handler kind %q", rec.HandlerKind)
	}

	return def, nil
}
