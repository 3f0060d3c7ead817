// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrContextNotFound is returned when a session context is absent or
	// has expired.
	ErrContextNotFound = errors.New("context not found")

	// ErrToolNotFound is returned when a tool name is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrPermissionDenied is returned when a tool's channel allow-list
	// excludes the requesting channel.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimitExceeded is the sentinel matched by RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrToolExecutionFailed is the sentinel matched by ToolExecutionError.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrQueueUnavailable is returned when the outbound queue backend is
	// closed or unreachable. Sends are never downgraded to a synchronous
	// fallback.
	ErrQueueUnavailable = errors.New("outbound queue unavailable")

	// ErrConfigIncomplete marks a connector tool whose stored config is
	// missing required fields.
	ErrConfigIncomplete = errors.New("connector config incomplete")
)

// RateLimitError carries the retry-after hint for a rejected tool call.
type RateLimitError struct {
	Tool              string
	ChannelType       string
	UserID            string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tool %q (channel=%s user=%s), retry after %ds",
		e.Tool, e.ChannelType, e.UserID, e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// ToolExecutionError wraps both handlers that return an error and handlers
// that report {success:false} into one failure shape.
type ToolExecutionError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *ToolExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Cause)
	}
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

func (e *ToolExecutionError) Is(target error) bool {
	return target == ErrToolExecutionFailed
}
