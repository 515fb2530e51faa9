// Package cache provides Redis-based utilities: a thin client wrapper,
// a hash-backed persistence helper and a simple rate limiter.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	URL string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Client wraps redis.Client with additional functionality.
type Client struct {
	*redis.Client
	logger    *slog.Logger
	keyPrefix string
}

// Connect creates a new Redis connection.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{
		Client: client,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithKeyPrefix sets a prefix for all keys.
func (c *Client) WithKeyPrefix(prefix string) *Client {
	c.keyPrefix = prefix
	return c
}

// prefixedKey returns the key with the configured prefix.
func (c *Client) prefixedKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return c.keyPrefix + ":" + key
}

// Get retrieves a value from the cache.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	result, err := c.Client.Get(ctx, c.prefixedKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// Set stores a value in the cache with an expiration.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(bytes)
	}

	return c.Client.Set(ctx, c.prefixedKey(key), data, expiration).Err()
}

// Delete removes keys from the cache.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = c.prefixedKey(k)
	}
	return c.Client.Del(ctx, prefixedKeys...).Err()
}

// Exists checks if a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, c.prefixedKey(key)).Result()
	return n > 0, err
}

// Expire sets an expiration on a key.
func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, c.prefixedKey(key), expiration).Err()
}

// Incr increments a counter.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.Client.Incr(ctx, c.prefixedKey(key)).Result()
}

// HSetNX sets a hash field only if it does not already exist.
func (c *Client) HSetNX(ctx context.Context, key, field, value string) error {
	return c.Client.HSetNX(ctx, c.prefixedKey(key), field, value).Err()
}

// HGetAll returns all fields of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.Client.HGetAll(ctx, c.prefixedKey(key)).Result()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}

// RateLimiter provides simple rate limiting using Redis.
type RateLimiter struct {
	client     *Client
	keyPrefix  string
	limit      int
	windowSecs int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *Client, keyPrefix string, limit int, windowSecs int) *RateLimiter {
	return &RateLimiter{
		client:     client,
		keyPrefix:  keyPrefix,
		limit:      limit,
		windowSecs: windowSecs,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	fullKey := fmt.Sprintf("%s:%s", rl.keyPrefix, key)

	// Sliding window with Redis INCR + EXPIRE
	count, err := rl.client.Incr(ctx, fullKey)
	if err != nil {
		return false, err
	}

	if count == 1 {
		// First request in this window, set expiration
		_ = rl.client.Expire(ctx, fullKey, time.Duration(rl.windowSecs)*time.Second)
	}

	return count <= int64(rl.limit), nil
}
