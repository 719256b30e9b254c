package depot

import (
	"sync"
)

// Snapshot pairs a layout with the graph built from it.
type Snapshot struct {
	Layout Layout
	Graph  *Graph
}

// Cache holds the current snapshot per depot. Snapshots are replaced
// wholesale, never mutated, so readers can keep using an old one.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Snapshot
	builds  int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Snapshot)}
}

// Get returns the cached snapshot for a depot.
func (c *Cache) Get(depotID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[depotID]
	return s, ok
}

// Put installs a layout. The graph is rebuilt only when the fingerprint changed.
func (c *Cache) Put(l Layout) (*Snapshot, error) {
	fp := l.Fingerprint()
	if cur, ok := c.Get(l.DepotID); ok && cur.Graph.Fingerprint() == fp {
		return cur, nil
	}
	g, err := Build(l)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Layout: l.Clone(), Graph: g}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[l.DepotID] = s
	c.builds++
	return s, nil
}

// Drop forgets a depot.
func (c *Cache) Drop(depotID string) {
	c.mu.Lock()
	delete(c.entries, depotID)
	c.mu.Unlock()
}

// Builds counts graph constructions.
func (c *Cache) Builds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}
