package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func getRedisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	// DB 15 keeps test keys away from anything real
	return "redis://localhost:6379/15"
}

func setupRedis(t *testing.T) *Client {
	t.Helper()

	cfg := DefaultConfig(getRedisURL())
	cfg.PoolSize = 5
	cfg.MinIdleConns = 1
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Connect(ctx, cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clean up test database
	client.Client.FlushDB(ctx)

	t.Cleanup(func() {
		client.Client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestClient_GetSet_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Test Set and Get with string
	err := client.Set(ctx, "test-key", "test-value", time.Minute)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, err := client.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "test-value" {
		t.Errorf("Get() = %q, want %q", val, "test-value")
	}
}

func TestClient_GetSet_ByteSlice_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	data := []byte("binary data here")
	err := client.Set(ctx, "bytes-key", data, time.Minute)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, err := client.Get(ctx, "bytes-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != string(data) {
		t.Errorf("Get() = %q, want %q", val, string(data))
	}
}

func TestClient_Get_NotFound_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	val, err := client.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for nonexistent key", val)
	}
}

func TestClient_Delete_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Set a key
	err := client.Set(ctx, "delete-me", "value", time.Minute)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Delete it
	err = client.Delete(ctx, "delete-me")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Verify it's gone
	val, err := client.Get(ctx, "delete-me")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "" {
		t.Errorf("Get() after Delete() = %q, want empty", val)
	}
}

func TestClient_Delete_Multiple_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Set multiple keys
	keys := []string{"key1", "key2", "key3"}
	for _, k := range keys {
		if err := client.Set(ctx, k, "value", time.Minute); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	// Delete all
	err := client.Delete(ctx, keys...)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Verify all gone
	for _, k := range keys {
		val, _ := client.Get(ctx, k)
		if val != "" {
			t.Errorf("Get(%s) after Delete() = %q, want empty", k, val)
		}
	}
}

func TestClient_Exists_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Key doesn't exist
	exists, err := client.Exists(ctx, "exists-test")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true for nonexistent key")
	}

	// Set the key
	_ = client.Set(ctx, "exists-test", "value", time.Minute)

	// Now it exists
	exists, err = client.Exists(ctx, "exists-test")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists() = false for existing key")
	}
}

func TestClient_Expire_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	_ = client.Set(ctx, "expire-test", "value", time.Hour)

	// Set a short expiration (minimum 1 second for Redis)
	err := client.Expire(ctx, "expire-test", 1*time.Second)
	if err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	// Wait for expiration
	time.Sleep(1500 * time.Millisecond)

	val, _ := client.Get(ctx, "expire-test")
	if val != "" {
		t.Errorf("key should have expired, got %q", val)
	}
}

func TestClient_Incr_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Incr on nonexistent key starts at 1
	val, err := client.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if val != 1 {
		t.Errorf("Incr() = %d, want 1", val)
	}

	// Incr again
	val, err = client.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if val != 2 {
		t.Errorf("Incr() = %d, want 2", val)
	}
}

func TestClient_HSetNX_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// First write to the field wins
	if err := client.HSetNX(ctx, "links", "conv-B", "conv-A"); err != nil {
		t.Fatalf("HSetNX() error = %v", err)
	}
	if err := client.HSetNX(ctx, "links", "conv-B", "conv-Z"); err != nil {
		t.Fatalf("HSetNX() error = %v", err)
	}

	fields, err := client.HGetAll(ctx, "links")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if fields["conv-B"] != "conv-A" {
		t.Errorf("field = %q, want first-written %q", fields["conv-B"], "conv-A")
	}
}

func TestClient_HGetAll_Empty_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	fields, err := client.HGetAll(ctx, "no-such-hash")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("HGetAll() = %v, want empty map", fields)
	}
}

func TestClient_WithKeyPrefix_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	client.WithKeyPrefix("myapp")

	_ = client.Set(ctx, "key", "value", time.Minute)

	// Key should be stored with prefix
	val, _ := client.Get(ctx, "key")
	if val != "value" {
		t.Errorf("Get() = %q, want %q", val, "value")
	}

	// Direct access without prefix should fail
	directVal, _ := client.Client.Get(ctx, "key").Result()
	if directVal == "value" {
		t.Error("key stored without prefix")
	}

	// Direct access with prefix should work
	prefixedVal, _ := client.Client.Get(ctx, "myapp:key").Result()
	if prefixedVal != "value" {
		t.Errorf("prefixed key = %q, want %q", prefixedVal, "value")
	}
}

func TestRateLimiter_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := NewRateLimiter(client, "test-limit", 3, 60)

	// First 3 requests should be allowed
	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "user1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	// 4th request should be denied
	allowed, err := limiter.Allow(ctx, "user1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("4th request should be denied")
	}

	// Different user should be allowed
	allowed, err = limiter.Allow(ctx, "user2")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("different user should be allowed")
	}
}
