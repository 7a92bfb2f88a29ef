package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/DanielKusyDev/posthog-session-insights/config"
)

// Cache errors
var (
	ErrCacheMiss     = errors.New("key not found in cache")
	ErrCacheDisabled = errors.New("cache is disabled")
)

const defaultTTL = 10 * time.Minute

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &RedisCache{
		client:  client,
		ttl:     ttl,
		enabled: true,
	}, nil
}

// Enabled reports whether reads and writes reach Redis
func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// Get decodes the cached JSON value for key into value
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return ErrCacheDisabled
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}

	return nil
}

// Set stores value as JSON with the configured TTL
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return ErrCacheDisabled
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}

	return nil
}

// SetNX stores value only when key is absent. It reports whether the value was stored.
func (c *RedisCache) SetNX(ctx context.Context, key string, value interface{}) (bool, error) {
	if !c.enabled {
		return false, ErrCacheDisabled
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal value for caching")
	}

	stored, err := c.client.SetNX(ctx, key, data, c.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to set value in Redis")
	}
	return stored, nil
}

// ContextKey is the cache key of a user's context object
func ContextKey(userID string) string {
	return fmt.Sprintf("context:%s", userID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
