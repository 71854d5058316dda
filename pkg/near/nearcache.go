package near

import (
	"sync"

	"github.com/gridcache/gridcache/pkg/types"
)

// Cache is the non-owner-side opportunistic replica
// Every entry is a weak reference: never promoted to authoritative,
// always discardable.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]types.NearEntry
	// stashedInvalidations holds a version seen via Invalidate for a key
	// that has no installed near entry yet — guards against the response
	// of a GetRequest racing an Invalidate and installing a stale copy
	//.
	stashed map[string]types.Version
}

// New builds an empty near cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]types.NearEntry),
		stashed: make(map[string]types.Version),
	}
}

// Get returns the currently installed near entry for key, if any.
func (c *Cache) Get(key string) (types.NearEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Install stores a near entry fetched from the primary. If a newer
// invalidation was stashed for this key while the fetch was in flight,
// the fetch result is discarded instead.
func (c *Cache) Install(entry types.NearEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stashedVer, ok := c.stashed[entry.Key]; ok {
		if stashedVer.Newer(entry.Version) || stashedVer == entry.Version {
			delete(c.stashed, entry.Key)
			return
		}
		delete(c.stashed, entry.Key)
	}
	c.entries[entry.Key] = entry
}

// Invalidate discards the near entry for key if newVersion dominates
// whatever is (or will be) installed.
func (c *Cache) Invalidate(key string, newVersion types.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if newVersion.Newer(e.Version) {
			delete(c.entries, key)
		}
		return
	}
	// No entry installed yet: a concurrent Get's response might still be
	// in flight. Stash so Install can detect the race.
	if cur, ok := c.stashed[key]; !ok || newVersion.Newer(cur) {
		c.stashed[key] = newVersion
	}
}

// Evict explicitly drops a near entry (eviction policy decision, not an
// invalidation from the primary). The caller is responsible for telling
// the primary to unregister this node as a reader.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every near entry, used when a topology change
// invalidates the mapping from key to primary.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]types.NearEntry)
}
