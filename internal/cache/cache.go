// Package cache is a small typed wrapper over an in-memory TTL cache for
// hot read paths.
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type Cache[V any] struct {
	items *gocache.Cache
	ttl   time.Duration
}

// NewTTLCache returns a cache whose entries expire after ttl.
func NewTTLCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		items: gocache.New(ttl, defaultCleanupInterval),
		ttl:   ttl,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	raw, ok := c.items.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

func (c *Cache[V]) Set(key string, value V) {
	if c == nil {
		return
	}
	c.items.Set(key, value, c.ttl)
}

func (c *Cache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.items.Delete(key)
}

// DeletePrefix drops every entry whose key starts with prefix.
func (c *Cache[V]) DeletePrefix(prefix string) {
	if c == nil {
		return
	}
	for key := range c.items.Items() {
		if strings.HasPrefix(key, prefix) {
			c.items.Delete(key)
		}
	}
}

// Key joins trimmed, lower-cased parts with "|".
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
