// internal/contextstore/redis.go
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/user/flowgate/internal/types"
)

const redisKeyPrefix = "context:"

// maxRedisAttempts bounds retries on transient backend failures before the
// error is surfaced to the caller.
const maxRedisAttempts = 3

const redisRetryDelay = 100 * time.Millisecond

// RedisStore is the networked Store backend for multi-instance deployments.
// Redis enforces per-key expiry natively; reads still check the stored
// ExpiresAt stamp and delete on mismatch, so both backends behave
// identically.
type RedisStore struct {
	client  *redis.Client
	nowFunc func() time.Time
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a
// bounded ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, nowFunc: time.Now}, nil
}

// SetNowFunc overrides the clock. For tests.
func (r *RedisStore) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

func redisKey(id types.SessionID) string {
	return redisKeyPrefix + string(id)
}

// withRetry runs op up to maxRedisAttempts times for transient failures.
// redis.Nil and context cancellation are surfaced immediately.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRedisAttempts; attempt++ {
		err := op()
		if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
		slog.Warn("redis operation failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redisRetryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (r *RedisStore) Get(ctx context.Context, id types.SessionID) (*types.SessionContext, error) {
	var raw string
	err := withRetry(ctx, func() error {
		var err error
		raw, err = r.client.Get(ctx, redisKey(id)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sc types.SessionContext
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if sc.Expired(r.nowFunc()) {
		r.client.Del(ctx, redisKey(id))
		return nil, types.ErrContextNotFound
	}
	return &sc, nil
}

func (r *RedisStore) Set(ctx context.Context, id types.SessionID, sc *types.SessionContext, ttl time.Duration) error {
	now := r.nowFunc()
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

	data, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	return withRetry(ctx, func() error {
		return r.client.Set(ctx, redisKey(id), data, expiry).Err()
	})
}

func (r *RedisStore) Update(ctx context.Context, id types.SessionID, fields Fields) (*types.SessionContext, error) {
	sc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := merge(sc, fields, r.nowFunc())
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	// KeepTTL preserves the remaining expiry set by the original Set.
	err = withRetry(ctx, func() error {
		return r.client.Set(ctx, redisKey(id), data, redis.KeepTTL).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("redis set: %w", err)
	}
	return merged, nil
}

func (r *RedisStore) Delete(ctx context.Context, id types.SessionID) error {
	return withRetry(ctx, func() error {
		return r.client.Del(ctx, redisKey(id)).Err()
	})
}

func (r *RedisStore) Exists(ctx context.Context, id types.SessionID) (bool, error) {
	_, err := r.Get(ctx, id)
	if errors.Is(err, types.ErrContextNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStore) SetExpiry(ctx context.Context, id types.SessionID, ttl time.Duration) error {
	sc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	now := r.nowFunc()
	if ttl > 0 {
		sc.ExpiresAt = now.Add(ttl)
	} else {
		sc.ExpiresAt = time.Time{}
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	return withRetry(ctx, func() error {
		if err := r.client.Set(ctx, redisKey(id), data, 0).Err(); err != nil {
			return err
		}
		if ttl > 0 {
			return r.client.Expire(ctx, redisKey(id), ttl).Err()
		}
		return nil
	})
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
