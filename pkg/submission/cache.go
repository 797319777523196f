package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statsCacheKey = "randomcorp:stats:v1"

// StatsCache holds the last durable statistics for a short time.
type StatsCache interface {
	Get(ctx context.Context) (*Statistics, error)
	Set(ctx context.Context, st Statistics) error
	Invalidate(ctx context.Context) error
}

type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{client: client, key: statsCacheKey, ttl: ttl}
}

// Get returns nil without error on a miss.
func (c *RedisCache) Get(ctx context.Context) (*Statistics, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stats cache: %w", err)
	}
	var st Statistics
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding stats cache: %w", err)
	}
	return &st, nil
}

func (c *RedisCache) Set(ctx context.Context, st Statistics) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding stats cache: %w", err)
	}
	return c.client.Set(ctx, c.key, raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
