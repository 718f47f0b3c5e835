package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"storefront-inventory/internal/catalog"
	"storefront-inventory/internal/models"
)

// IndexEntry represents a built index with expiration time
type IndexEntry struct {
	Index     *catalog.Index
	ExpiresAt time.Time
}

// Stats reports cache counters
type Stats struct {
	TotalEntries   int    `json:"total_entries"`
	ActiveEntries  int    `json:"active_entries"`
	ExpiredEntries int    `json:"expired_entries"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Builds         uint64 `json:"builds"`
	TTL            string `json:"ttl_duration"`
}

// IndexCache keeps built attribute indexes per product id so that every view of a
// product shares one read-only index until the entry expires
type IndexCache struct {
	items         map[string]*IndexEntry
	mutex         sync.RWMutex
	ttl           time.Duration
	now           func() time.Time
	builds        singleflight.Group
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once

	hits      atomic.Uint64
	misses    atomic.Uint64
	buildRuns atomic.Uint64
}

// NewIndexCache creates an index cache with the given TTL and cleanup interval
func NewIndexCache(ttl, cleanupInterval time.Duration) *IndexCache {
	c := &IndexCache{
		items:       make(map[string]*IndexEntry),
		ttl:         ttl,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		c.cleanupTicker = time.NewTicker(cleanupInterval)
		go c.cleanupExpiredEntries()
	}

	slog.Info("Index cache initialized",
		"ttl", ttl.String(),
		"cleanup_interval", cleanupInterval.String())

	return c
}

// GetOrBuild returns the cached index for the product or builds and caches it.
// Concurrent misses for one product share a single build. Build failures are not cached.
func (c *IndexCache) GetOrBuild(product models.Product) (*catalog.Index, error) {
	if idx, ok := c.Get(product.ID); ok {
		return idx, nil
	}

	v, err, _ := c.builds.Do(product.ID, func() (interface{}, error) {
		if idx, ok := c.Get(product.ID); ok {
			return idx, nil
		}

		c.buildRuns.Add(1)
		idx, err := catalog.Build(product.Variants, product.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to build index for product %s: %w", product.ID, err)
		}
		c.Set(product.ID, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalog.Index), nil
}

// Set stores an index for a product
func (c *IndexCache) Set(productID string, idx *catalog.Index) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	expiresAt := c.now().Add(c.ttl)
	c.items[productID] = &IndexEntry{Index: idx, ExpiresAt: expiresAt}

	slog.Debug("Index cached",
		"product_id", productID,
		"expires_at", expiresAt.Format(time.RFC3339))
}

// Get retrieves an index if present and not expired
func (c *IndexCache) Get(productID string) (*catalog.Index, bool) {
	c.mutex.RLock()
	entry, exists := c.items[productID]
	c.mutex.RUnlock()

	if !exists || c.now().After(entry.ExpiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Index, true
}

// Invalidate drops the cached index for a product, e.g. after a catalog change
func (c *IndexCache) Invalidate(productID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, productID)
	slog.Debug("Index invalidated", "product_id", productID)
}

// Size returns the number of entries including expired ones
func (c *IndexCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

// Stop stops the cleanup goroutine
func (c *IndexCache) Stop() {
	c.stopOnce.Do(func() {
		if c.cleanupTicker != nil {
			c.cleanupTicker.Stop()
		}
		close(c.stopCleanup)
		slog.Info("Index cache stopped")
	})
}

func (c *IndexCache) cleanupExpiredEntries() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.performCleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *IndexCache) performCleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expired := 0
	for key, entry := range c.items {
		if now.After(entry.ExpiresAt) {
			delete(c.items, key)
			expired++
		}
	}

	if expired > 0 {
		slog.Debug("Index cache cleanup completed",
			"expired_entries", expired,
			"remaining_entries", len(c.items))
	}
}

// GetStats returns cache statistics
func (c *IndexCache) GetStats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	stats := Stats{
		TotalEntries: len(c.items),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Builds:       c.buildRuns.Load(),
		TTL:          c.ttl.String(),
	}
	for _, entry := range c.items {
		if now.After(entry.ExpiresAt) {
			stats.ExpiredEntries++
		} else {
			stats.ActiveEntries++
		}
	}
	return stats
}
