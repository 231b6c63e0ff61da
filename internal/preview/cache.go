// Package preview caches generated preview URLs by canonical stream URL so
// repeated UI requests do not re-run frame extraction in the helper.
package preview

import "sync"

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is a process-wide preview URL cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
	hits    int64
	misses  int64
}

// NewCache creates an empty preview cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// Get looks up the preview URL for a canonical stream URL.
func (c *Cache) Get(canonical string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	url, ok := c.entries[canonical]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return url, ok
}

// Put stores a preview URL.
func (c *Cache) Put(canonical, previewURL string) {
	if previewURL == "" {
		return
	}
	c.mu.Lock()
	c.entries[canonical] = previewURL
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Clear drops every entry. Counters reset with the entries.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]string)
	c.hits = 0
	c.misses = 0
	return n
}
