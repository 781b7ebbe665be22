package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSet(t *testing.T) {
	c := NewTTLCache[[]int](time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", []int{1, 2})
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2}, got)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := NewTTLCache[string](20 * time.Millisecond)
	c.Set("k", "v")
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	c := NewTTLCache[int](time.Minute)
	c.Set(Key("day", "20250703", "a"), 1)
	c.Set(Key("day", "20250703", "b"), 2)
	c.Set(Key("week", "2025-W27"), 3)

	c.DeletePrefix(Key("day", "20250703"))
	_, ok := c.Get(Key("day", "20250703", "a"))
	assert.False(t, ok)
	_, ok = c.Get(Key("week", "2025-W27"))
	assert.True(t, ok)
}

func TestNilCache(t *testing.T) {
	var c *Cache[int]
	c.Set("k", 1)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "day|20250703|numsongsgenerated", Key(" Day ", "20250703", "", "numSongsGenerated"))
}
