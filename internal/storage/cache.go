package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/sandbox"
)

// RedisCache stores deterministic execution results keyed by
// sandbox.CacheKey.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to the Redis server named in cfg.
func NewRedisCache(ctx context.Context, cfg config.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisCache{client: client, ttl: cfg.TTL, prefix: cfg.Prefix}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (sandbox.Result, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return sandbox.Result{}, false, nil
	}
	if err != nil {
		return sandbox.Result{}, false, fmt.Errorf("reading cached result: %w", err)
	}

	var res sandbox.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return sandbox.Result{}, false, fmt.Errorf("decoding cached result: %w", err)
	}
	return res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, res sandbox.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached result: %w", err)
	}
	return nil
}

// Healthy checks Redis connectivity.
func (c *RedisCache) Healthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
