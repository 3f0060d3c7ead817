// internal/tool/definition.go

// Package tool holds the tool registry, the handler variants behind each
// tool definition, and the dynamic loader that binds persisted definitions
// to handlers.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/flowgate/internal/connector"
	"github.com/user/flowgate/internal/sandbox"
	"github.com/user/flowgate/internal/types"
)

// Result is a handler outcome. A handler reporting Success=false is a
// failure in the same shape as a handler returning an error.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Logs    []string `json:"logs,omitempty"`
}

// Handler executes one tool. One implementation exists per handler kind:
// sandboxed code, the three typed connectors, and plain Go functions for
// built-ins.
type Handler interface {
	Invoke(ctx context.Context, params map[string]any, sc *types.SessionContext) (*Result, error)
}

// Definition is a registered tool: name, schema, permissions, and the bound
// handler. Immutable during a single execution.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Permissions *types.PermissionSpec
	Handler     Handler
}

// Func adapts a plain function to Handler, for built-in tools.
type Func func(ctx context.Context, params map[string]any, sc *types.SessionContext) (*Result, error)

func (f Func) Invoke(ctx context.Context, params map[string]any, sc *types.SessionContext) (*Result, error) {
	return f(ctx, params, sc)
}

// SandboxedCode runs stored tool source in the sandbox engine.
type SandboxedCode struct {
	Engine *sandbox.Engine
	Source string
}

func (h *SandboxedCode) Invoke(ctx context.Context, params map[string]any, sc *types.SessionContext) (*Result, error) {
	res := h.Engine.Execute(ctx, h.Source, params, sc)
	out := &Result{Success: res.Success, Data: res.Data, Error: res.Error, Logs: res.Logs}
	return out, nil
}

// EmailConnector sends through the external email service. Requires host,
// user, and password in the stored connector config.
type EmailConnector struct {
	Client *connector.Email
	Config map[string]string
}

func (h *EmailConnector) Invoke(ctx context.Context, params map[string]any, _ *types.SessionContext) (*Result, error) {
	if res := checkConfig(h.Config, "host", "user", "password"); res != nil {
		return res, nil
	}
	return callConnector(func() (*connector.Response, error) {
		return h.Client.Send(ctx, h.Config, params)
	})
}

// SQLConnector executes through the external sql service. Requires host,
// user, and password in the stored connector config.
type SQLConnector struct {
	Client *connector.SQL
	Config map[string]string
}

func (h *SQLConnector) Invoke(ctx context.Context, params map[string]any, _ *types.SessionContext) (*Result, error) {
	if res := checkConfig(h.Config, "host", "user", "password"); res != nil {
		return res, nil
	}
	return callConnector(func() (*connector.Response, error) {
		return h.Client.Execute(ctx, h.Config, params)
	})
}

// RESTConnector calls through the external rest service. Requires base_url
// in the stored connector config.
type RESTConnector struct {
	Client *connector.REST
	Config map[string]string
}

func (h *RESTConnector) Invoke(ctx context.Context, params map[string]any, _ *types.SessionContext) (*Result, error) {
	if res := checkConfig(h.Config, "base_url"); res != nil {
		return res, nil
	}
	return callConnector(func() (*connector.Response, error) {
		return h.Client.Call(ctx, h.Config, params)
	})
}

// checkConfig returns a caught failure result when required keys are
// missing, so misconfiguration surfaces as a failed tool result rather than
// a thrown error.
func checkConfig(config map[string]string, required ...string) *Result {
	var missing []string
	for _, key := range required {
		if config[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &Result{
		Success: false,
		Error:   fmt.Sprintf("%v: missing %v", types.ErrConfigIncomplete, missing),
	}
}

func callConnector(call func() (*connector.Response, error)) (*Result, error) {
	resp, err := call()
	if err != nil {
		return nil, err
	}
	return &Result{Success: resp.Success, Data: resp.Data, Error: resp.Error}, nil
}
