// internal/permission/manager.go
package permission

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/user/flowgate/internal/types"
)

// Manager enforces per-tool channel allow-lists and fixed-window rate limits
// keyed by (channelType, userID, toolName). Construct one per orchestrator
// and pass it by reference; it is not an ambient singleton.
type Manager struct {
	mu      sync.Mutex
	windows map[string]*window
	nowFunc func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewManager creates an empty permission manager.
func NewManager() *Manager {
	return &Manager{
		windows: make(map[string]*window),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. For tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// CheckPermission fails with types.ErrPermissionDenied when the tool defines
// a channel allow-list that excludes the requesting channel. Tools without an
// allow-list are permitted everywhere.
func (m *Manager) CheckPermission(toolName, channelType string, spec *types.PermissionSpec) error {
	if spec == nil || len(spec.AllowedChannels) == 0 {
		return nil
	}
	for _, ch := range spec.AllowedChannels {
		if ch == channelType {
			return nil
		}
	}
	return fmt.Errorf("tool %q not allowed on channel %q: %w", toolName, channelType, types.ErrPermissionDenied)
}

// CheckRateLimit enforces the tool's fixed-window limit for the
// (channelType, userID) pair. The first request in a window starts a counter
// with resetAt = now + window; once now reaches resetAt the window restarts.
// Exceeding the budget fails with a RateLimitError carrying the retry-after.
func (m *Manager) CheckRateLimit(toolName, userID, channelType string, spec *types.PermissionSpec) error {
	if spec == nil || spec.RateLimit == nil || spec.RateLimit.Requests <= 0 {
		return nil
	}
	limit := spec.RateLimit

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	key := rateKey(channelType, userID, toolName)
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		m.windows[key] = &window{
			count:   1,
			resetAt: now.Add(time.Duration(limit.WindowSeconds) * time.Second),
		}
		return nil
	}

	if w.count >= limit.Requests {
		retryAfter := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &types.RateLimitError{
			Tool:              toolName,
			ChannelType:       channelType,
			UserID:            userID,
			RetryAfterSeconds: retryAfter,
		}
	}

	w.count++
	return nil
}

// Sweep removes windows that have already elapsed to bound memory. Returns
// the number of entries removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows, elapsed ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Reset drops all tracked windows.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.windows = make(map[string]*window)
	m.mu.Unlock()
}

func rateKey(channelType, userID, toolName string) string {
	return channelType + ":" + userID + ":" + toolName
}
