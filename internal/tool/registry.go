// internal/tool/registry.go
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/flowgate/internal/types"
)

// Registry holds registered tools and dispatches invocations. It is an
// explicitly constructed, owned service; pass it by reference so tests can
// substitute fakes and multiple orchestrators can coexist in-process.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema when one is declared.
// Re-registering a name replaces the previous definition.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", bytes.NewReader(def.Parameters)); err != nil {
			return fmt.Errorf("tool %q parameter schema: %w", def.Name, err)
		}
		var err error
		schema, err = compiler.Compile(def.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %q parameter schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	r.tools[def.Name] = def
	if schema != nil {
		r.schemas[def.Name] = schema
	} else {
		delete(r.schemas, def.Name)
	}
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	delete(r.schemas, name)
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size returns the number of registered tools.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes every registered tool. Reload-only operation.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.tools = make(map[string]*Definition)
	r.schemas = make(map[string]*jsonschema.Schema)
	r.mu.Unlock()
}

// Execute invokes the named tool's handler. Two failure shapes are unified:
// a handler that returns an error and a handler that reports Success=false
// both yield a failed Result plus a ToolExecutionError, so callers see one
// payload shape either way.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, sc *types.SessionContext) (*Result, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, types.ErrToolNotFound)
	}

	if schema != nil {
		if err := schema.Validate(normaliseParams(params)); err != nil {
			res := &Result{Success: false, Error: fmt.Sprintf("invalid parameters: %v", err)}
			return res, &types.ToolExecutionError{Tool: name, Message: res.Error}
		}
	}

	res, err := def.Handler.Invoke(ctx, params, sc)
	if err != nil {
		return &Result{Success: false, Error: err.Error()},
			&types.ToolExecutionError{Tool: name, Cause: err}
	}
	if res == nil {
		res = &Result{Success: true}
	}
	if !res.Success {
		return res, &types.ToolExecutionError{Tool: name, Message: res.Error}
	}
	return res, nil
}

// normaliseParams round-trips params through JSON typing so schema
// validation sees the same shapes it would on decoded webhook input.
func normaliseParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}
