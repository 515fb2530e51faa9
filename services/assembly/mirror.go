package assembly

import (
	"context"
	"fmt"

	"github.com/instantcocoa/loom/pkg/cache"
)

const mirrorLinksKey = "links"

// RedisLinkMirror persists the parent-link table in a Redis hash so a
// restarted engine recovers links whose originating spans have long
// since been evicted or truncated away.
type RedisLinkMirror struct {
	client *cache.Client
}

// NewRedisLinkMirror creates a mirror over an existing cache client.
// Callers should set a key prefix on the client to namespace the hash.
func NewRedisLinkMirror(client *cache.Client) *RedisLinkMirror {
	return &RedisLinkMirror{client: client}
}

// StoreLink writes child -> parent if the field is not already set.
// HSETNX preserves first-writer-wins across processes sharing the hash.
func (m *RedisLinkMirror) StoreLink(ctx context.Context, child, parent string) error {
	if err := m.client.HSetNX(ctx, mirrorLinksKey, child, parent); err != nil {
		return fmt.Errorf("storing link %s: %w", child, err)
	}
	return nil
}

// LoadLinks returns the full mirrored table.
func (m *RedisLinkMirror) LoadLinks(ctx context.Context) (map[string]string, error) {
	links, err := m.client.HGetAll(ctx, mirrorLinksKey)
	if err != nil {
		return nil, fmt.Errorf("loading mirrored links: %w", err)
	}
	return links, nil
}

var _ LinkMirror = (*RedisLinkMirror)(nil)
