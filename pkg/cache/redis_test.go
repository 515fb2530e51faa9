package cache

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("redis://localhost:6379")

	if cfg.URL != "redis://localhost:6379" {
		t.Errorf("URL = %v, want %v", cfg.URL, "redis://localhost:6379")
	}
	if cfg.PoolSize != 10 {
		t.Errorf("PoolSize = %v, want %v", cfg.PoolSize, 10)
	}
	if cfg.MinIdleConns != 2 {
		t.Errorf("MinIdleConns = %v, want %v", cfg.MinIdleConns, 2)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %v, want %v", cfg.MaxRetries, 3)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Errorf("ReadTimeout = %v, want %v", cfg.ReadTimeout, 3*time.Second)
	}
	if cfg.WriteTimeout != 3*time.Second {
		t.Errorf("WriteTimeout = %v, want %v", cfg.WriteTimeout, 3*time.Second)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Connect(ctx, DefaultConfig("not-a-redis-url"))
	if err == nil {
		t.Fatal("Connect() with malformed URL should fail")
	}
}

func TestClient_PrefixedKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"no prefix", "", "mykey", "mykey"},
		{"with prefix", "loom:assembly", "mykey", "loom:assembly:mykey"},
		{"empty key with prefix", "app", "", "app:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{keyPrefix: tt.prefix}
			if got := c.prefixedKey(tt.key); got != tt.want {
				t.Errorf("prefixedKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestClient_WithKeyPrefix(t *testing.T) {
	c := &Client{}
	result := c.WithKeyPrefix("test")

	if result != c {
		t.Error("WithKeyPrefix() should return the same client for chaining")
	}
	if c.keyPrefix != "test" {
		t.Errorf("keyPrefix = %v, want %v", c.keyPrefix, "test")
	}
}

func TestNewRateLimiter(t *testing.T) {
	client := &Client{}
	rl := NewRateLimiter(client, "ratelimit:resync", 5, 60)

	if rl.client != client {
		t.Error("client not stored")
	}
	if rl.keyPrefix != "ratelimit:resync" {
		t.Errorf("keyPrefix = %v, want %v", rl.keyPrefix, "ratelimit:resync")
	}
	if rl.limit != 5 {
		t.Errorf("limit = %v, want %v", rl.limit, 5)
	}
	if rl.windowSecs != 60 {
		t.Errorf("windowSecs = %v, want %v", rl.windowSecs, 60)
	}
}
