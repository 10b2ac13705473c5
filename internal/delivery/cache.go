package delivery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"carepro-chat/internal/types"
)

const (
	historyTTL = 30 * time.Minute
	statusTTL  = 30 * time.Second
)

// PairKey builds an order-independent cache key for a participant pair.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

type historyEntry struct {
	messages []types.Message
	expires  time.Time
}

type historyCache struct {
	mu      sync.Mutex
	entries map[string]historyEntry
}

func newHistoryCache() *historyCache {
	return &historyCache{entries: make(map[string]historyEntry)}
}

func (c *historyCache) get(key string) ([]types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	out := make([]types.Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

func (c *historyCache) set(key string, msgs []types.Message) {
	stored := make([]types.Message, len(msgs))
	copy(stored, msgs)

	c.mu.Lock()
	c.entries[key] = historyEntry{messages: stored, expires: time.Now().Add(historyTTL)}
	c.mu.Unlock()
}

func (c *historyCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

type statusEntry struct {
	online  bool
	expires time.Time
}

// statusCache holds short-lived online-status lookups. Expired entries
// are swept lazily whenever the cache is touched.
type statusCache struct {
	mu      sync.Mutex
	entries map[string]statusEntry
}

func newStatusCache() *statusCache {
	return &statusCache{entries: make(map[string]statusEntry)}
}

func (c *statusCache) get(userID string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	e, ok := c.entries[userID]
	if !ok {
		return false, false
	}
	return e.online, true
}

func (c *statusCache) set(userID string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	c.entries[userID] = statusEntry{online: online, expires: time.Now().Add(statusTTL)}
}

func (c *statusCache) sweepLocked() {
	now := time.Now()
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
}
