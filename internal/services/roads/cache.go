package roads

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"
)

// LegStore persists legs across restarts (see database.DistanceCache)
type LegStore interface {
	GetLeg(ctx context.Context, origin, destination string) (geo.Leg, bool, error)
	PutLeg(ctx context.Context, origin, destination string, leg geo.Leg) error
}

// CachedProvider wraps a geo.Provider with an in-process TTL cache and an
// optional persistent store, reducing paid API calls
type CachedProvider struct {
	next       geo.Provider
	store      LegStore
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	maxEntries int
	ttl        time.Duration
	stats      CacheStats
}

// CacheEntry represents a cached leg
type CacheEntry struct {
	Leg          geo.Leg
	CreatedAt    time.Time
	LastAccessed time.Time
	HitCount     int
}

// CacheStats tracks cache performance
type CacheStats struct {
	Hits      int64
	Misses    int64
	StoreHits int64
	Evictions int64
	mutex     sync.RWMutex
}

// NewCachedProvider creates a caching provider; store may be nil
func NewCachedProvider(next geo.Provider, store LegStore) *CachedProvider {
	return &CachedProvider{
		next:       next,
		store:      store,
		cache:      make(map[string]*CacheEntry),
		maxEntries: 10000,          // Legs are tiny, keep plenty
		ttl:        24 * time.Hour, // Road network changes slowly
	}
}

func cacheKey(from, to models.Location) string {
	return geo.Key(from) + "|" + geo.Key(to)
}

// Distance serves from memory, then the persistent store, then the wrapped provider
func (c *CachedProvider) Distance(ctx context.Context, from, to models.Location) (geo.Leg, error) {
	key := cacheKey(from, to)
	if leg, ok := c.get(key); ok {
		return leg, nil
	}

	if c.store != nil {
		leg, ok, err := c.store.GetLeg(ctx, geo.Key(from), geo.Key(to))
		if err != nil {
			log.Printf("⚠️  [DISTANCE-CACHE] Store read failed: %v", err)
		} else if ok {
			c.recordStoreHit()
			c.set(key, leg)
			return leg, nil
		}
	}

	leg, err := c.next.Distance(ctx, from, to)
	if err != nil {
		return geo.Leg{}, err
	}

	c.set(key, leg)
	if c.store != nil {
		if err := c.store.PutLeg(ctx, geo.Key(from), geo.Key(to), leg); err != nil {
			log.Printf("⚠️  [DISTANCE-CACHE] Store write failed: %v", err)
		}
	}
	return leg, nil
}

func (c *CachedProvider) get(key string) (geo.Leg, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, found := c.cache[key]
	if !found {
		c.recordMiss()
		return geo.Leg{}, false
	}

	if time.Since(entry.CreatedAt) > c.ttl {
		delete(c.cache, key)
		c.recordMiss()
		c.recordEviction()
		return geo.Leg{}, false
	}

	entry.LastAccessed = time.Now()
	entry.HitCount++
	c.recordHit()
	return entry.Leg, true
}

func (c *CachedProvider) set(key string, leg geo.Leg) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Evict oldest entries if cache is full
	if _, exists := c.cache[key]; !exists && len(c.cache) >= c.maxEntries {
		c.evictOldest()
	}

	now := time.Now()
	c.cache[key] = &CacheEntry{
		Leg:          leg,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// evictOldest removes the least recently used entry; caller holds the lock
func (c *CachedProvider) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.cache {
		if oldestKey == "" || entry.LastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastAccessed
		}
	}

	if oldestKey != "" {
		delete(c.cache, oldestKey)
		c.recordEviction()
	}
}

// RunCleanup removes expired entries every interval until ctx is done
func (c *CachedProvider) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.cache {
				if now.Sub(entry.CreatedAt) > c.ttl {
					delete(c.cache, key)
					c.recordEviction()
				}
			}
			c.mutex.Unlock()
		}
	}
}

func (c *CachedProvider) recordHit() {
	c.stats.mutex.Lock()
	defer c.stats.mutex.Unlock()
	c.stats.Hits++
}

func (c *CachedProvider) recordMiss() {
	c.stats.mutex.Lock()
	defer c.stats.mutex.Unlock()
	c.stats.Misses++
}

func (c *CachedProvider) recordStoreHit() {
	c.stats.mutex.Lock()
	defer c.stats.mutex.Unlock()
	c.stats.StoreHits++
}

func (c *CachedProvider) recordEviction() {
	c.stats.mutex.Lock()
	defer c.stats.mutex.Unlock()
	c.stats.Evictions++
}

// GetStats returns cache statistics
func (c *CachedProvider) GetStats() map[string]interface{} {
	c.stats.mutex.RLock()
	defer c.stats.mutex.RUnlock()

	c.mutex.RLock()
	cacheSize := len(c.cache)
	c.mutex.RUnlock()

	hitRate := 0.0
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		hitRate = float64(c.stats.Hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"cache_size":  cacheSize,
		"max_entries": c.maxEntries,
		"hits":        c.stats.Hits,
		"misses":      c.stats.Misses,
		"store_hits":  c.stats.StoreHits,
		"hit_rate":    fmt.Sprintf("%.2f%%", hitRate),
		"evictions":   c.stats.Evictions,
		"ttl_hours":   int(c.ttl.Hours()),
	}
}
