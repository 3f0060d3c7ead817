// internal/tool/builtin.go
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/flowgate/internal/types"
)

const maxReadURLChars = 50000

// Builtins returns the config-declared built-in tool set. The orchestrator
// falls back to exactly this set when the tool store is unreachable.
func Builtins() []*Definition {
	return []*Definition{
		NewReadURL(),
		NewCurrentTime(),
	}
}

// NewReadURL returns the built-in tool that fetches a URL and returns its
// content as markdown.
func NewReadURL() *Definition {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Definition{
		Name:        "read_url",
		Description: "Fetch a URL and return its content as markdown",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"}
			},
			"required": ["url"]
		}`),
		Handler: Func(func(ctx context.Context, params map[string]any, _ *types.SessionContext) (*Result, error) {
			url, _ := params["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("url is required")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", "Flowgate/1.0")

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch URL: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}

			md, err := htmltomarkdown.ConvertString(string(body))
			if err != nil {
				return nil, fmt.Errorf("convert to markdown: %w", err)
			}
			if len(md) > maxReadURLChars {
				md = md[:maxReadURLChars] + "\n\n[Content truncated]"
			}
			return &Result{Success: true, Data: md}, nil
		}),
	}
}

// NewCurrentTime returns the built-in tool reporting the current UTC time.
func NewCurrentTime() *Definition {
	return &Definition{
		Name:        "current_time",
		Description: "Return the current date and time in UTC",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {}
		}`),
		Handler: Func(func(_ context.Context, _ map[string]any, _ *types.SessionContext) (*Result, error) {
			return &Result{Success: true, Data: time.Now().UTC().Format(time.RFC3339)}, nil
		}),
	}
}
