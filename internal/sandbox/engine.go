// internal/sandbox/engine.go

// Package sandbox executes stored tool implementation code inside a goja
// interpreter with an explicit, minimal capability table: parameters, a
// read-only context view, an append-only logger, a read-only db.query,
// time-bounded outbound fetch, and pure utils. Nothing from the host
// environment is ambient.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/dop251/goja"

	"github.com/user/flowgate/internal/types"
)

const (
	defaultTimeout  = 10 * time.Second
	maxFetchBody    = 1 << 20 // 1 MiB
	maxSleep        = 5 * time.Second
	handlerFuncName = "handler"
)

// readOnlyKeywords are the statement prefixes db.query accepts. Anything
// else is rejected before reaching the database.
var readOnlyKeywords = []string{"select", "with", "show", "explain", "describe", "pragma"}

// QueryFunc runs a read-only SQL statement on behalf of sandboxed code.
type QueryFunc func(ctx context.Context, query string, args []any) ([]map[string]any, error)

// Result is the uniform outcome of a sandboxed execution. Failures are
// always caught and reported here, never propagated as panics, so a single
// bad tool cannot crash the host process.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Message string   `json:"message,omitempty"`
	Logs    []string `json:"logs,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// Query backs db.query. A nil Query makes db.query fail.
	Query QueryFunc
	// HTTPClient backs fetch. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// Timeout is the wall-clock bound for one execution.
	Timeout time.Duration
}

// Engine runs tool source code. Safe for concurrent use; each execution gets
// its own interpreter.
type Engine struct {
	query   QueryFunc
	client  *http.Client
	timeout time.Duration
}

// New creates an Engine with the given capability backings.
func New(opts Options) *Engine {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{query: opts.Query, client: client, timeout: timeout}
}

// Validate performs a syntax-only check of tool source without executing it,
// for admin-time feedback.
func (e *Engine) Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("tool source is empty")
	}
	if _, err := goja.Compile("tool.js", source, false); err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	return nil
}

// Execute runs the tool source, which must define a callable
// handler(parameters, context). Every failure shape (syntax error, missing
// handler, thrown exception, interrupt) is converted into a failed Result.
func (e *Engine) Execute(ctx context.Context, source string, params map[string]any, sc *types.SessionContext) *Result {
	res := &Result{}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	// Interrupt on timeout or caller cancellation, reporting which one.
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			vm.Interrupt("execution cancelled")
			return
		}
		vm.Interrupt("execution timed out")
	})
	defer stop()

	if err := e.bind(ctx, vm, params, sc, res); err != nil {
		return failed(res, err.Error(), "failed to prepare sandbox")
	}

	if _, err := vm.RunScript("tool.js", source); err != nil {
		return failed(res, exceptionMessage(err), "tool source failed to run")
	}

	fn, ok := goja.AssertFunction(vm.Get(handlerFuncName))
	if !ok {
		return failed(res, "tool source must define handler(parameters, context)", "missing handler")
	}

	value, err := fn(goja.Undefined(), vm.ToValue(params), vm.ToValue(contextView(sc)))
	if err != nil {
		return failed(res, exceptionMessage(err), "tool handler threw")
	}

	exported := value.Export()
	// Handlers reporting {success:false, ...} are failures too, in the same
	// shape as a thrown error.
	if m, ok := exported.(map[string]any); ok {
		if success, has := m["success"].(bool); has && !success {
			msg, _ := m["error"].(string)
			if msg == "" {
				msg = "tool reported failure"
			}
			return failed(res, msg, "tool reported failure")
		}
	}

	res.Success = true
	res.Data = exported
	return res
}

func failed(res *Result, errMsg, message string) *Result {
	res.Success = false
	res.Data = nil
	res.Error = errMsg
	res.Message = message
	return res
}

// exceptionMessage extracts the thrown value from a goja error.
func exceptionMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return fmt.Sprintf("%v", intr.Value())
	}
	return err.Error()
}

// contextView builds the read-only session context exposed to tool code.
func contextView(sc *types.SessionContext) map[string]any {
	if sc == nil {
		return map[string]any{}
	}
	clone := sc.Clone()
	history := make([]map[string]any, 0, len(clone.History))
	for _, m := range clone.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	return map[string]any{
		"sessionId":      string(clone.SessionID),
		"conversationId": string(clone.ConversationID),
		"channelType":    clone.ChannelType,
		"userId":         clone.UserID,
		"history":        history,
		"metadata":       clone.Metadata,
	}
}

// bind installs the capability table on the VM.
func (e *Engine) bind(ctx context.Context, vm *goja.Runtime, params map[string]any, sc *types.SessionContext, res *Result) error {
	if params == nil {
		params = map[string]any{}
	}
	if err := vm.Set("parameters", params); err != nil {
		return err
	}
	if err := vm.Set("context", contextView(sc)); err != nil {
		return err
	}

	log := func(level slog.Level) func(args ...any) {
		return func(args ...any) {
			parts := make([]string, 0, len(args))
			for _, a := range args {
				parts = append(parts, fmt.Sprintf("%v", a))
			}
			line := strings.Join(parts, " ")
			res.Logs = append(res.Logs, line)
			slog.Log(ctx, level, "tool log", "line", line)
		}
	}
	if err := vm.Set("logger", map[string]any{
		"debug": log(slog.LevelDebug),
		"info":  log(slog.LevelInfo),
		"warn":  log(slog.LevelWarn),
		"error": log(slog.LevelError),
	}); err != nil {
		return err
	}

	if err := vm.Set("db", map[string]any{
		"query": func(query string, args ...any) (any, error) {
			if !isReadOnly(query) {
				return nil, fmt.Errorf("db.query only accepts read-only statements")
			}
			if e.query == nil {
				return nil, fmt.Errorf("db.query is not available for this tool")
			}
			rows, err := e.query(ctx, query, args)
			if err != nil {
				return nil, fmt.Errorf("query failed: %w", err)
			}
			return rows, nil
		},
	}); err != nil {
		return err
	}

	if err := vm.Set("fetch", func(url string, opts map[string]any) (any, error) {
		return e.fetch(ctx, url, opts)
	}); err != nil {
		return err
	}

	return vm.Set("utils", map[string]any{
		"sleep": func(ms int64) error {
			d := time.Duration(ms) * time.Millisecond
			if d > maxSleep {
				d = maxSleep
			}
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"formatDate": func(unixMillis int64, layout string) string {
			if layout == "" {
				layout = time.RFC3339
			}
			return time.UnixMilli(unixMillis).UTC().Format(layout)
		},
		"toJSON": func(v any) (string, error) {
			data, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		"parseJSON": func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

// isReadOnly reports whether the statement begins with a read-only keyword.
func isReadOnly(query string) bool {
	first := strings.ToLower(strings.TrimSpace(query))
	for _, kw := range readOnlyKeywords {
		if strings.HasPrefix(first, kw) {
			return true
		}
	}
	return false
}

// fetch performs a time-bounded outbound HTTP request. Options: method,
// headers, body, markdown (convert an HTML response to markdown, the same
// conversion the read_url built-in uses).
func (e *Engine) fetch(ctx context.Context, url string, opts map[string]any) (map[string]any, error) {
	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}
	markdown := false

	if opts != nil {
		if m, ok := opts["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if b, ok := opts["body"].(string); ok && b != "" {
			body = strings.NewReader(b)
		}
		if h, ok := opts["headers"].(map[string]any); ok {
			for k, v := range h {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}
		if md, ok := opts["markdown"].(bool); ok {
			markdown = md
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Flowgate/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	text := string(data)
	if markdown {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = md
		}
	}

	respHeaders := map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    text,
	}, nil
}
