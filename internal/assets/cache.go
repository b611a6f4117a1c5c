// Package assets resolves detection-associated asset identities to loadable
// URLs via a primary lookup with a static-path fallback, and fetches resolved
// URLs with bounded retry. Resolutions are cached once per key and evicted
// only by explicit invalidation, never by age.
package assets

import (
	"strconv"
	"sync"
	"time"
)

// Origin records which arm of the resolution chain produced a URL.
type Origin string

const (
	OriginPrimary  Origin = "primary"
	OriginFallback Origin = "fallback"
)

// Key identifies one asset: a detection subject and which of its assets.
type Key struct {
	SubjectID int64  `json:"subject_id"`
	Kind      string `json:"kind"`
}

func (k Key) String() string {
	return strconv.FormatInt(k.SubjectID, 10) + "/" + k.Kind
}

// Entry is a cached resolution.
type Entry struct {
	URL        string    `json:"url"`
	Origin     Origin    `json:"origin"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Cache stores resolved asset URLs for the lifetime of a session. It is an
// explicit owned store handed to consumers, not a package-level singleton.
// Each key is written once on successful resolution; the resolver consults
// Get before resolving, so an entry changes only after Invalidate.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewCache creates an empty resolution cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]Entry)}
}

// Get returns the cached entry for key, if present.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put stores the resolution for key.
func (c *Cache) Put(key Key, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// Invalidate removes the entry for key. The next Resolve for the key will
// perform a fresh lookup. Unknown keys are a no-op.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached resolutions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the cache contents for inspection surfaces.
func (c *Cache) Entries() map[Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Key]Entry, len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

// Reset discards every entry. Called on session teardown.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]Entry)
}
