// internal/contextstore/memory_test.go
package contextstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/flowgate/internal/types"
)

func newTestStore() (*MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })
	return store, &now
}

func TestSetGetWithTTL(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	sc := &types.SessionContext{ChannelType: "whatsapp", UserID: "u1"}
	if err := store.Set(ctx, "s1", sc, time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get immediately after set: %v", err)
	}
	if got.ChannelType != "whatsapp" {
		t.Errorf("expected channel whatsapp, got %s", got.ChannelType)
	}

	// Past the TTL the entry reads as absent and is evicted.
	*now = now.Add(1500 * time.Millisecond)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, types.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected lazy eviction, still %d entries", store.Len())
	}
}

func TestGetWithoutTTLNeverExpires(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	if err := store.Set(ctx, "s1", &types.SessionContext{}, 0); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(240 * time.Hour)
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Errorf("context without TTL should persist, got %v", err)
	}
}

func TestUpdateMergesAndStamps(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	sc := &types.SessionContext{
		ChannelType: "webchat",
		Metadata:    map[string]any{"a": 1, "b": 2},
	}
	if err := store.Set(ctx, "s1", sc, time.Hour); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(time.Minute)
	updated, err := store.Update(ctx, "s1", Fields{
		History:  []types.ContextMessage{{Role: "user", Content: "hi"}},
		Metadata: map[string]any{"b": 3, "c": 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(updated.History) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(updated.History))
	}
	if updated.Metadata["a"] != 1 || updated.Metadata["b"] != 3 || updated.Metadata["c"] != 4 {
		t.Errorf("metadata merge wrong: %v", updated.Metadata)
	}
	if !updated.UpdatedAt.Equal(*now) {
		t.Errorf("expected UpdatedAt stamp %v, got %v", *now, updated.UpdatedAt)
	}
	// TTL preserved across update.
	if !updated.ExpiresAt.Equal(now.Add(-time.Minute).Add(time.Hour)) {
		t.Errorf("update must preserve remaining TTL, got %v", updated.ExpiresAt)
	}
}

func TestUpdateAbsentFails(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	if _, err := store.Update(ctx, "missing", Fields{}); !errors.Is(err, types.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}
}

func TestUpdateExpiredFails(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	if err := store.Set(ctx, "s1", &types.SessionContext{}, time.Second); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(2 * time.Second)
	if _, err := store.Update(ctx, "s1", Fields{}); !errors.Is(err, types.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound for expired context, got %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	if err := store.Set(ctx, "s1", &types.SessionContext{}, time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "s1"); !ok {
		t.Error("expected s1 to exist")
	}
	if ok, _ := store.Exists(ctx, "other"); ok {
		t.Error("did not expect other to exist")
	}

	*now = now.Add(2 * time.Second)
	if ok, _ := store.Exists(ctx, "s1"); ok {
		t.Error("expired context should read as absent")
	}

	if err := store.Set(ctx, "s2", &types.SessionContext{}, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "s2"); ok {
		t.Error("deleted context should be absent")
	}
}

func TestSetExpiry(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	if err := store.Set(ctx, "s1", &types.SessionContext{}, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.SetExpiry(ctx, "s1", time.Minute); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, types.ErrContextNotFound) {
		t.Errorf("expected expiry after SetExpiry, got %v", err)
	}

	if err := store.SetExpiry(ctx, "missing", time.Minute); !errors.Is(err, types.ErrContextNotFound) {
		t.Errorf("expected ErrContextNotFound, got %v", err)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	store, now := newTestStore()
	ctx := context.Background()

	store.Set(ctx, "short", &types.SessionContext{}, time.Second)
	store.Set(ctx, "long", &types.SessionContext{}, time.Hour)
	store.Set(ctx, "forever", &types.SessionContext{}, 0)

	*now = now.Add(time.Minute)
	if evicted := store.Sweep(); evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 remaining entries, got %d", store.Len())
	}
}
