package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

type cacheEntry struct {
	stats        *models.FeedbackStats
	expiresAt    time.Time
	lastAccessed time.Time
}

// MemoryCache keeps stats in process with TTL expiry and LRU eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache. Non-positive arguments select defaults.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *MemoryCache) Append(_ context.Context, entry *models.FeedbackEntry) error {
	if entry.FindingID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(entry.FindingID)
	if !ok {
		return nil
	}
	e.stats.Add(entry.Type)
	e.expiresAt = timeNow().Add(c.ttl)
	return nil
}

func (c *MemoryCache) Stats(_ context.Context, findingID string) (*models.FeedbackStats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(findingID)
	if !ok {
		return nil, false, nil
	}
	e.lastAccessed = timeNow()
	return cloneStats(e.stats), true, nil
}

func (c *MemoryCache) PutStats(_ context.Context, stats *models.FeedbackStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[stats.FindingID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := timeNow()
	c.entries[stats.FindingID] = &cacheEntry{
		stats:        cloneStats(stats),
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	return nil
}

// Len returns the number of cached findings, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// live returns the unexpired entry for id. Caller holds mu.
func (c *MemoryCache) live(id string) (*cacheEntry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if timeNow().After(e.expiresAt) {
		delete(c.entries, id)
		return nil, false
	}
	return e, true
}

// evictLRU drops the least recently used entry. Caller holds mu.
func (c *MemoryCache) evictLRU() {
	var oldest string
	var oldestTime time.Time
	first := true
	for id, e := range c.entries {
		if first || e.lastAccessed.Before(oldestTime) {
			oldest, oldestTime, first = id, e.lastAccessed, false
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}

func cloneStats(s *models.FeedbackStats) *models.FeedbackStats {
	out := models.NewFeedbackStats(s.FindingID)
	for t, n := range s.Counts {
		out.Counts[t] = n
	}
	out.Total = s.Total
	out.Recompute()
	return out
}
