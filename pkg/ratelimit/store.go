package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes the Redis key holding the state of one Okta org.
const RedisKeyPrefix = "okta:rate_limit:"

// stateTTLSlack keeps a Redis state around a little past its reset so a
// following invocation still sees the last window.
const stateTTLSlack = time.Minute

// StateStore persists RateLimitState per Okta org.
type StateStore interface {
	// Get returns the stored state, or nil when none exists.
	Get(ctx context.Context, key string) (*RateLimitState, error)

	// Set stores the state.
	Set(ctx context.Context, key string, state *RateLimitState) error
}

// MemoryStore keeps state for the lifetime of one process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]RateLimitState
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]RateLimitState)}
}

// Get implements StateStore.
func (m *MemoryStore) Get(_ context.Context, key string) (*RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Set implements StateStore.
func (m *MemoryStore) Set(_ context.Context, key string, state *RateLimitState) error {
	if state == nil {
		return errors.New("rate limit state cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = *state
	return nil
}

// RedisStore shares state between invocations, so a run scheduled while the
// previous run's window is still exhausted stops without calling Okta.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get implements StateStore.
func (r *RedisStore) Get(ctx context.Context, key string) (*RateLimitState, error) {
	data, err := r.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state RateLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	return &state, nil
}

// Set implements StateStore.
func (r *RedisStore) Set(ctx context.Context, key string, state *RateLimitState) error {
	if state == nil {
		return errors.New("rate limit state cannot be nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}

	ttl := time.Until(state.ResetAt) + stateTTLSlack
	if ttl < stateTTLSlack {
		ttl = stateTTLSlack
	}

	if err := r.redis.Set(ctx, RedisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
