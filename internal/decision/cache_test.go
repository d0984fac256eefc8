package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c := NewCache(ttl)
	t.Cleanup(c.Close)
	return c
}

func put(c *Cache, userID, flagKey string, allow bool) {
	c.Put(Decision{UserID: userID, FlagKey: flagKey, Allow: allow})
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t, time.Minute)
	put(c, "u1", "f1", true)

	d, ok := c.Get("u1", "f1")
	require.True(t, ok)
	assert.True(t, d.Allow)

	_, ok = c.Get("u1", "f2")
	assert.False(t, ok)
	_, ok = c.Get("u2", "f1")
	assert.False(t, ok)
}

func TestCache_ExpiryOnRead(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	put(c, "u1", "f1", true)

	_, ok := c.Get("u1", "f1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("u1", "f1")
	assert.False(t, ok, "expired entry must never be returned")
}

func TestCache_InvalidateUser(t *testing.T) {
	c := newTestCache(t, time.Minute)
	put(c, "u1", "f1", true)
	put(c, "u1", "f2", true)
	put(c, "u2", "f1", true)

	c.InvalidateUser("u1")

	_, ok := c.Get("u1", "f1")
	assert.False(t, ok)
	_, ok = c.Get("u1", "f2")
	assert.False(t, ok)
	_, ok = c.Get("u2", "f1")
	assert.True(t, ok, "other users' entries survive")
}

func TestCache_InvalidateFlag(t *testing.T) {
	c := newTestCache(t, time.Minute)
	put(c, "u1", "f1", true)
	put(c, "u2", "f1", true)
	put(c, "u1", "f2", true)

	c.InvalidateFlag("f1")

	_, ok := c.Get("u1", "f1")
	assert.False(t, ok)
	_, ok = c.Get("u2", "f1")
	assert.False(t, ok)
	_, ok = c.Get("u1", "f2")
	assert.True(t, ok, "other flags' entries survive")
}

func TestCache_InvalidateSingleEntryAndClear(t *testing.T) {
	c := newTestCache(t, time.Minute)
	put(c, "u1", "f1", true)
	put(c, "u1", "f2", true)

	c.Invalidate("u1", "f1")
	_, ok := c.Get("u1", "f1")
	assert.False(t, ok)
	_, ok = c.Get("u1", "f2")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_SweeperReclaimsExpired(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	put(c, "u1", "f1", true)
	put(c, "u2", "f1", true)
	require.Equal(t, 2, c.Len())

	assert.Eventually(t, func() bool { return c.Len() == 0 },
		500*time.Millisecond, 10*time.Millisecond)
}
