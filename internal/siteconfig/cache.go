package siteconfig

import (
	"sync"
	"time"
)

// configCache is a concurrent-safe read-through cache for site configs.
// Entries expire after the TTL so a missed invalidation self-heals.
type configCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	cfg      *SiteConfig
	loadedAt time.Time
}

func newConfigCache(ttl time.Duration) *configCache {
	return &configCache{
		items: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

func (c *configCache) get(siteName string) (*SiteConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.items[siteName]
	if !found || time.Since(entry.loadedAt) > c.ttl {
		return nil, false
	}
	return entry.cfg, true
}

func (c *configCache) set(siteName string, cfg *SiteConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[siteName] = cacheEntry{cfg: cfg, loadedAt: time.Now()}
}

func (c *configCache) invalidate(siteName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, siteName)
}
