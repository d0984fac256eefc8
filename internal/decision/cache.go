// Package decision evaluates feature-flag rules against a user's traits
// and segments, with a short-TTL per-(user, flag) cache.
package decision

import (
	"sync"
	"time"
)

// DefaultTTL is how long a decision stays valid in the cache.
const DefaultTTL = 60 * time.Second

// Decision is the outcome of evaluating a flag for a user. Variant is
// reserved in the response shape; the rule grammar only produces a
// boolean, so it is always absent.
type Decision struct {
	UserID  string   `json:"userId"`
	FlagKey string   `json:"flag"`
	Allow   bool     `json:"allow"`
	Variant *string  `json:"variant,omitempty"`
	Reasons []string `json:"reasons"`
}

type cacheKey struct {
	userID  string
	flagKey string
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Cache is an in-process decision cache. Alongside the main map it keeps
// per-user and per-flag key indices so targeted invalidation touches only
// the affected entries. It has no cross-process coherence.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	byUser  map[string]map[string]struct{}
	byFlag  map[string]map[string]struct{}
	stop    chan struct{}
	once    sync.Once
}

// NewCache creates a cache with the given TTL (DefaultTTL if zero or
// negative) and starts a background sweeper that reclaims expired entries
// every TTL/2. Expiry is also checked on every read, so the sweeper only
// bounds memory.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		byUser:  make(map[string]map[string]struct{}),
		byFlag:  make(map[string]map[string]struct{}),
		stop:    make(chan struct{}),
	}
	go c.sweep(ttl / 2)
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Get returns the cached decision for (userID, flagKey) if present and
// not expired.
func (c *Cache) Get(userID, flagKey string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{userID: userID, flagKey: flagKey}
	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if time.Now().After(entry.expires) {
		c.removeLocked(key)
		return Decision{}, false
	}
	return entry.decision, true
}

// Put stores a decision with expiry now + TTL.
func (c *Cache) Put(d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{userID: d.UserID, flagKey: d.FlagKey}
	c.entries[key] = cacheEntry{decision: d, expires: time.Now().Add(c.ttl)}

	if c.byUser[d.UserID] == nil {
		c.byUser[d.UserID] = make(map[string]struct{})
	}
	c.byUser[d.UserID][d.FlagKey] = struct{}{}

	if c.byFlag[d.FlagKey] == nil {
		c.byFlag[d.FlagKey] = make(map[string]struct{})
	}
	c.byFlag[d.FlagKey][d.UserID] = struct{}{}
}

// Invalidate drops the single (userID, flagKey) entry.
func (c *Cache) Invalidate(userID, flagKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(cacheKey{userID: userID, flagKey: flagKey})
}

// InvalidateUser drops every cached decision for a user.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for flagKey := range c.byUser[userID] {
		c.removeLocked(cacheKey{userID: userID, flagKey: flagKey})
	}
}

// InvalidateFlag drops every cached decision for a flag.
func (c *Cache) InvalidateFlag(flagKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID := range c.byFlag[flagKey] {
		c.removeLocked(cacheKey{userID: userID, flagKey: flagKey})
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
	c.byUser = make(map[string]map[string]struct{})
	c.byFlag = make(map[string]map[string]struct{})
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key cacheKey) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)

	if flags := c.byUser[key.userID]; flags != nil {
		delete(flags, key.flagKey)
		if len(flags) == 0 {
			delete(c.byUser, key.userID)
		}
	}
	if users := c.byFlag[key.flagKey]; users != nil {
		delete(users, key.userID)
		if len(users) == 0 {
			delete(c.byFlag, key.flagKey)
		}
	}
}

func (c *Cache) sweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expires) {
					c.removeLocked(key)
				}
			}
			c.mu.Unlock()
		}
	}
}
