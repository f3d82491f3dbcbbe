package checkpoint

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis layout: one hash per source.
const (
	RedisKeyPrefix   = "okta-relay:checkpoint:"
	RedisFieldOrgURL = "okta_org_url"
	RedisFieldCursor = "last_query_url"
)

// RedisTable is a Table backed by Redis hashes.
type RedisTable struct {
	redis *redis.Client
}

// NewRedisTable creates a Redis-backed table.
func NewRedisTable(redisClient *redis.Client) *RedisTable {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisTable{redis: redisClient}
}

// Backend implements Table.
func (r *RedisTable) Backend() string {
	return "redis"
}

// GetItem implements Table.
func (r *RedisTable) GetItem(ctx context.Context, key string) (string, bool, error) {
	cursor, err := r.redis.HGet(ctx, RedisKeyPrefix+key, RedisFieldCursor).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis hget: %w", err)
	}
	return cursor, true, nil
}

// PutItem implements Table. HSET of both fields is a single command.
func (r *RedisTable) PutItem(ctx context.Context, key, cursor string) error {
	if err := r.redis.HSet(ctx, RedisKeyPrefix+key,
		RedisFieldOrgURL, key,
		RedisFieldCursor, cursor,
	).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}
