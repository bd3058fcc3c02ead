package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"tileview/internal/tile"
)

// memoryTier keeps one LRU per zoom level so a burst of tiles at one zoom
// cannot flush the others.
type memoryTier struct {
	capacity  int
	mu        sync.RWMutex
	zooms     map[int]*lru.Cache[tile.Key, *tile.Tile]
	evictions atomic.Int64
}

func newMemoryTier(capacity int) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		zooms:    make(map[int]*lru.Cache[tile.Key, *tile.Tile]),
	}
}

func (m *memoryTier) tier(zoom int, create bool) *lru.Cache[tile.Key, *tile.Tile] {
	m.mu.RLock()
	c := m.zooms[zoom]
	m.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.zooms[zoom]; c != nil {
		return c
	}
	// Only fails for a non-positive size, which Options rules out.
	c, _ = lru.New[tile.Key, *tile.Tile](m.capacity)
	m.zooms[zoom] = c
	return c
}

// get marks the tile as most recently used.
func (m *memoryTier) get(key tile.Key) (*tile.Tile, bool) {
	c := m.tier(key.Zoom, false)
	if c == nil {
		return nil, false
	}
	return c.Get(key)
}

func (m *memoryTier) contains(key tile.Key) bool {
	c := m.tier(key.Zoom, false)
	return c != nil && c.Contains(key)
}

func (m *memoryTier) add(t *tile.Tile) {
	if evicted := m.tier(t.Key.Zoom, true).Add(t.Key, t); evicted {
		m.evictions.Add(1)
	}
}

func (m *memoryTier) len() (tiles, zooms int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.zooms {
		tiles += c.Len()
	}
	return tiles, len(m.zooms)
}

func (m *memoryTier) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zooms = make(map[int]*lru.Cache[tile.Key, *tile.Tile])
}
