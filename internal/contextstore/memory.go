// internal/contextstore/memory.go
package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/user/flowgate/internal/types"
)

// MemoryStore is the process-local Store backend: a map guarded by a mutex
// with lazy eviction on read and a periodic Sweep for entries nothing reads.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[types.SessionID]*types.SessionContext
	nowFunc  func() time.Time
}

// NewMemoryStore creates an empty in-process context store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[types.SessionID]*types.SessionContext),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. For tests.
func (m *MemoryStore) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

func (m *MemoryStore) Get(_ context.Context, id types.SessionID) (*types.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.contexts[id]
	if !ok {
		return nil, types.ErrContextNotFound
	}
	if sc.Expired(m.nowFunc()) {
		delete(m.contexts, id)
		return nil, types.ErrContextNotFound
	}
	return sc.Clone(), nil
}

func (m *MemoryStore) Set(_ context.Context, id types.SessionID, sc *types.SessionContext, ttl time.Duration) error {
	now := m.nowFunc()
	clone := sc.Clone()
	clone.SessionID = id
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = now
	}
	if ttl > 0 {
		clone.ExpiresAt = now.Add(ttl)
	} else {
		clone.ExpiresAt = time.Time{}
	}

	m.mu.Lock()
	m.contexts[id] = clone
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id types.SessionID, fields Fields) (*types.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	sc, ok := m.contexts[id]
	if !ok || sc.Expired(now) {
		delete(m.contexts, id)
		return nil, types.ErrContextNotFound
	}

	merged := merge(sc, fields, now)
	m.contexts[id] = merged
	return merged.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id types.SessionID) error {
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, id types.SessionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.contexts[id]
	if !ok {
		return false, nil
	}
	if sc.Expired(m.nowFunc()) {
		delete(m.contexts, id)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) SetExpiry(_ context.Context, id types.SessionID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	sc, ok := m.contexts[id]
	if !ok || sc.Expired(now) {
		delete(m.contexts, id)
		return types.ErrContextNotFound
	}
	if ttl > 0 {
		sc.ExpiresAt = now.Add(ttl)
	} else {
		sc.ExpiresAt = time.Time{}
	}
	return nil
}

// Sweep removes expired entries and returns how many were evicted.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	evicted := 0
	for id, sc := range m.contexts {
		if sc.Expired(now) {
			delete(m.contexts, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries, counting not-yet-swept expired ones.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

func (m *MemoryStore) Close() error { return nil }
