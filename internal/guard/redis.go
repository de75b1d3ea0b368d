package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisCache shares idempotency records between instances.
type RedisCache struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Cache = (*RedisCache)(nil)

type RedisOption func(*RedisCache)

// WithKeyPrefix sets the key prefix (default "creditforge:idem:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.keyPrefix = prefix }
}

// NewRedisCache wraps a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisCache(client goredis.Cmdable, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, keyPrefix: "creditforge:idem:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(k string) string { return c.keyPrefix + k }

func (c *RedisCache) Get(ctx context.Context, key string) (*Record, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("guard/redis: get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("guard/redis: decode record: %w", err)
	}
	return &rec, nil
}

func (c *RedisCache) SetNX(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, c.key(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("guard/redis: setnx: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("guard/redis: set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("guard/redis: del: %w", err)
	}
	return nil
}
