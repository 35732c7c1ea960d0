package engine

import (
	"sync"

	"github.com/mkeeter/halfspace/pkg/world"
)

// CacheEntry is the last committed result of a block.
type CacheEntry struct {
	Fingerprint Fingerprint
	Result      *Result
}

// Cache maps block ids to their last committed results. It knows nothing
// about the graph and is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[world.BlockID]CacheEntry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[world.BlockID]CacheEntry),
	}
}

// Get returns the entry for id.
func (c *Cache) Get(id world.BlockID) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Put stores a result under its fingerprint, replacing any previous entry.
func (c *Cache) Put(id world.BlockID, fp Fingerprint, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = CacheEntry{Fingerprint: fp, Result: result}
}

// Delete drops the entry for id.
func (c *Cache) Delete(id world.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Retain drops every entry whose id is not in live.
func (c *Cache) Retain(live map[world.BlockID]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if !live[id] {
			delete(c.entries, id)
		}
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[world.BlockID]CacheEntry)
}
