// internal/connector/client.go

// Package connector holds HTTP clients for the three external connector
// services (email, sql, rest) the tool subsystem invokes as black boxes.
// All three speak the same envelope: {success, data|error}.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the uniform connector service envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client calls one connector service at a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a connector client. Requests are bounded by the given timeout;
// a non-positive timeout defaults to 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// call POSTs {config, params} to path and decodes the envelope. A transport
// or decode failure comes back as an error; a service-level failure comes
// back as Response{Success: false}.
func (c *Client) call(ctx context.Context, path string, config map[string]string, params map[string]any) (*Response, error) {
	body, err := json.Marshal(map[string]any{
		"config": config,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Email is the email connector service (SMTP sends behind an HTTP facade).
type Email struct{ *Client }

// NewEmail creates an email connector client.
func NewEmail(baseURL string, timeout time.Duration) *Email {
	return &Email{New(baseURL, timeout)}
}

func (e *Email) Send(ctx context.Context, config map[string]string, params map[string]any) (*Response, error) {
	return e.call(ctx, "/send", config, params)
}

func (e *Email) Validate(ctx context.Context, config map[string]string) (*Response, error) {
	return e.call(ctx, "/validate", config, nil)
}

// SQL is the sql connector service.
type SQL struct{ *Client }

// NewSQL creates a sql connector client.
func NewSQL(baseURL string, timeout time.Duration) *SQL {
	return &SQL{New(baseURL, timeout)}
}

func (s *SQL) Execute(ctx context.Context, config map[string]string, params map[string]any) (*Response, error) {
	return s.call(ctx, "/execute", config, params)
}

func (s *SQL) Validate(ctx context.Context, config map[string]string) (*Response, error) {
	return s.call(ctx, "/validate", config, nil)
}

// REST is the generic rest-call connector service.
type REST struct{ *Client }

// NewREST creates a rest connector client.
func NewREST(baseURL string, timeout time.Duration) *REST {
	return &REST{New(baseURL, timeout)}
}

func (r *REST) Call(ctx context.Context, config map[string]string, params map[string]any) (*Response, error) {
	return r.call(ctx, "/call", config, params)
}

func (r *REST) Validate(ctx context.Context, config map[string]string) (*Response, error) {
	return r.call(ctx, "/validate", config, nil)
}

// Services bundles the three connector clients for the tool loader.
type Services struct {
	Email *Email
	SQL   *SQL
	REST  *REST
}
