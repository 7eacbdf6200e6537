package remotefs

import (
	"sync"
	"time"
)

// dirCache is a TTL-bound, read-through cache of directory listings with a
// byte budget. Eviction is strict LRU by last access, triggered lazily
// before an insert would exceed the budget. One cache exists per session,
// so keys are normalized remote paths.
type dirCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxBytes   int64
	totalBytes int64
	entries    map[string]*dirCacheEntry
}

type dirCacheEntry struct {
	listing    []FileEntry
	fetchedAt  time.Time
	lastAccess time.Time
	hits       int
	size       int64
}

func newDirCache(ttl time.Duration, maxBytes int64) *dirCache {
	return &dirCache{
		ttl:      ttl,
		maxBytes: maxBytes,
		entries:  make(map[string]*dirCacheEntry),
	}
}

// get returns the cached listing for key if present and fresh.
func (c *dirCache) get(key string) ([]FileEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		metricCacheMisses.Inc()
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		c.removeLocked(key, entry)
		metricCacheMisses.Inc()
		return nil, false
	}

	entry.lastAccess = time.Now()
	entry.hits++
	metricCacheHits.Inc()
	return entry.listing, true
}

// put stores a listing, evicting least-recently-accessed entries first if
// the insert would exceed the byte budget.
func (c *dirCache) put(key string, listing []FileEntry) {
	size := estimateListingSize(listing)
	if size > c.maxBytes {
		// Listing alone exceeds the budget; not worth caching.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}

	for c.totalBytes+size > c.maxBytes && len(c.entries) > 0 {
		c.evictOldestLocked()
	}

	now := time.Now()
	c.entries[key] = &dirCacheEntry{
		listing:    listing,
		fetchedAt:  now,
		lastAccess: now,
		size:       size,
	}
	c.totalBytes += size
}

// invalidate drops the entry for key, if any.
func (c *dirCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// clear drops every entry.
func (c *dirCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*dirCacheEntry)
	c.totalBytes = 0
}

// len returns the number of cached listings.
func (c *dirCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// bytes returns the current accounted size.
func (c *dirCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *dirCache) removeLocked(key string, entry *dirCacheEntry) {
	delete(c.entries, key)
	c.totalBytes -= entry.size
}

// evictOldestLocked removes the globally least-recently-accessed entry.
func (c *dirCache) evictOldestLocked() {
	var oldestKey string
	var oldest *dirCacheEntry

	for key, entry := range c.entries {
		if oldest == nil || entry.lastAccess.Before(oldest.lastAccess) {
			oldestKey = key
			oldest = entry
		}
	}

	if oldest != nil {
		c.removeLocked(oldestKey, oldest)
		metricCacheEvictions.Inc()
	}
}

// estimateListingSize approximates the in-memory footprint of a listing.
const fileEntryOverhead = 160

func estimateListingSize(listing []FileEntry) int64 {
	size := int64(64)
	for _, e := range listing {
		size += fileEntryOverhead
		size += int64(len(e.Name) + len(e.Path) + len(e.Permissions) +
			len(e.Owner) + len(e.Group) + len(e.LinkTarget))
	}
	return size
}
