package cache

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"tileview/internal/tile"
)

var (
	ErrMiss    = errors.New("tile not cached")
	ErrCacheIO = errors.New("disk cache unavailable")
)

// Stats summarises both tiers.
type Stats struct {
	MemoryTiles     int    `json:"memoryTiles"`
	MemoryZooms     int    `json:"memoryZooms"`
	MemoryEvictions int64  `json:"memoryEvictions"`
	DiskEntries     int    `json:"diskEntries"`
	DiskBytes       int64  `json:"diskBytes"`
	DiskMaxBytes    int64  `json:"diskMaxBytes"`
	Dir             string `json:"dir,omitempty"`
}

// Store is the two-tier tile cache. The memory tier answers Get and
// GetWithFallback without blocking; the disk tier is only read through
// LoadDisk, which the fetch queue calls off the draw path.
type Store struct {
	log   *zap.Logger
	opts  Options
	mem   *memoryTier
	loads singleflight.Group

	mu        sync.RWMutex
	disk      *diskTier
	onWarning func(error)
}

// New creates a memory-only store. Call SetCacheDirectory to attach the
// disk tier.
func New(opts Options, log *zap.Logger) *Store {
	opts = opts.withDefaults()
	return &Store{
		log:  log.Named("cache"),
		opts: opts,
		mem:  newMemoryTier(opts.MemoryTilesPerZoom),
	}
}

// OnWarning registers a callback for disk failures that degraded the store.
func (s *Store) OnWarning(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWarning = fn
}

// SetCacheDirectory swaps the disk tier. An empty path detaches it. When the
// new directory cannot be used the store continues memory-only and the
// returned error wraps ErrCacheIO.
func (s *Store) SetCacheDirectory(path string) error {
	var (
		d   *diskTier
		err error
	)
	if path != "" {
		d, err = openDisk(path, s.opts, s.log)
	}

	s.mu.Lock()
	old := s.disk
	s.disk = d
	s.opts.Dir = path
	if err != nil {
		s.opts.Dir = ""
	}
	s.mu.Unlock()

	if old != nil {
		if cerr := old.close(); cerr != nil {
			s.log.Warn("failed to flush previous cache index", zap.String("dir", old.baseDir), zap.Error(cerr))
		}
	}
	if err != nil {
		s.log.Warn("disk cache unavailable, continuing in memory", zap.String("dir", path), zap.Error(err))
		return err
	}
	s.log.Info("cache directory set", zap.String("dir", path))
	return nil
}

// CacheDirectory returns the disk tier root, or "" when memory-only.
func (s *Store) CacheDirectory() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.Dir
}

func (s *Store) diskTier() *diskTier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disk
}

// Get returns the exact tile from memory. It never touches disk or network.
func (s *Store) Get(key tile.Key) (*tile.Tile, bool) {
	return s.mem.get(key)
}

// Put stores t under key in memory and writes it through to disk. Preview
// tiles are never stored.
func (s *Store) Put(key tile.Key, t *tile.Tile) {
	if t == nil || t.Preview {
		return
	}
	if t.Key != key {
		cp := *t
		cp.Key = key
		t = &cp
	}
	s.mem.add(t)

	d := s.diskTier()
	if d == nil {
		return
	}
	if err := d.put(t); err != nil {
		s.degrade(d, err)
	}
}

// degrade drops a failing disk tier and reports it once.
func (s *Store) degrade(d *diskTier, err error) {
	s.mu.Lock()
	if s.disk != d {
		s.mu.Unlock()
		return
	}
	s.disk = nil
	s.opts.Dir = ""
	warn := s.onWarning
	s.mu.Unlock()

	d.close()
	s.log.Warn("disk cache failed, continuing in memory", zap.String("dir", d.baseDir), zap.Error(err))
	if warn != nil {
		warn(err)
	}
}

// LoadDisk reads key from the disk tier and promotes it into memory.
// Concurrent loads of one key share a single read.
func (s *Store) LoadDisk(key tile.Key) (*tile.Tile, error) {
	if t, ok := s.mem.get(key); ok {
		return t, nil
	}
	d := s.diskTier()
	if d == nil {
		return nil, ErrMiss
	}

	v, err, _ := s.loads.Do(key.String(), func() (interface{}, error) {
		t, err := d.get(key)
		if err != nil {
			return nil, err
		}
		s.mem.add(t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tile.Tile), nil
}

// Lookup reports where key is cached without promoting it.
func (s *Store) Lookup(key tile.Key) (CacheEntry, bool) {
	if s.mem.contains(key) {
		return CacheEntry{
			Key: key.String(), Layer: key.Layer, Z: key.Zoom, X: key.X, Y: key.Y, Tier: TierMemory,
		}, true
	}
	if d := s.diskTier(); d != nil {
		return d.lookup(key)
	}
	return CacheEntry{}, false
}

// GetWithFallback returns the exact tile when cached, otherwise a preview
// synthesised from fallbackZoom: a crop of the ancestor scaled up, or a
// scaled-down mosaic of whichever descendants are cached. A negative
// fallbackZoom, or one further than MaxFallbackDistance from key.Zoom,
// disables the fallback.
func (s *Store) GetWithFallback(key tile.Key, fallbackZoom int) (*tile.Tile, bool) {
	if t, ok := s.mem.get(key); ok {
		return t, true
	}
	if fallbackZoom < 0 || fallbackZoom == key.Zoom {
		return nil, false
	}
	d := fallbackZoom - key.Zoom
	if s.opts.MaxFallbackDistance == NoFallbackBridging || abs(d) > s.opts.MaxFallbackDistance {
		return nil, false
	}

	if d < 0 {
		anc, ok := s.mem.get(key.Ancestor(fallbackZoom))
		if !ok {
			return nil, false
		}
		return cropAncestor(key, anc), true
	}
	return s.mosaic(key, fallbackZoom)
}

// cropAncestor extracts the quadrant of anc covering key and scales it up
// with nearest-neighbour sampling.
func cropAncestor(key tile.Key, anc *tile.Tile) *tile.Tile {
	scale := 1 << uint(key.Zoom-anc.Key.Zoom)
	sub := tile.Size / scale
	relCol := key.X - anc.Key.X*scale
	relRow := key.Y - anc.Key.Y*scale

	src := image.Rect(relCol*sub, relRow*sub, (relCol+1)*sub, (relRow+1)*sub)
	dst := image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), anc.Image, src, draw.Src, nil)
	return &tile.Tile{Key: key, Image: dst, Preview: true}
}

// mosaic downsamples cached descendants at zoom into one tile. Missing
// cells stay transparent.
func (s *Store) mosaic(key tile.Key, zoom int) (*tile.Tile, bool) {
	d := uint(zoom - key.Zoom)
	cell := tile.Size >> d
	if cell == 0 {
		return nil, false
	}

	var dst *image.RGBA
	for _, child := range key.Descendants(zoom) {
		t, ok := s.mem.get(child)
		if !ok {
			continue
		}
		if dst == nil {
			dst = image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size))
		}
		x := (child.X - key.X<<d) * cell
		y := (child.Y - key.Y<<d) * cell
		draw.ApproxBiLinear.Scale(dst, image.Rect(x, y, x+cell, y+cell), t.Image, t.Image.Bounds(), draw.Src, nil)
	}
	if dst == nil {
		return nil, false
	}
	return &tile.Tile{Key: key, Image: dst, Preview: true}, true
}

// Clear empties both tiers.
func (s *Store) Clear() error {
	s.mem.purge()
	if d := s.diskTier(); d != nil {
		if err := d.clear(); err != nil {
			return errors.Wrap(err, "clear disk cache")
		}
	}
	s.log.Info("cache cleared")
	return nil
}

// ClearMemory empties the memory tier only.
func (s *Store) ClearMemory() {
	s.mem.purge()
	s.log.Info("memory cache cleared")
}

func (s *Store) Stats() Stats {
	tiles, zooms := s.mem.len()
	st := Stats{
		MemoryTiles:     tiles,
		MemoryZooms:     zooms,
		MemoryEvictions: s.mem.evictions.Load(),
		Dir:             s.CacheDirectory(),
	}
	if d := s.diskTier(); d != nil {
		st.DiskEntries, st.DiskBytes, st.DiskMaxBytes = d.stats()
	}
	return st
}

// Close flushes the disk index.
func (s *Store) Close() error {
	s.mu.Lock()
	d := s.disk
	s.disk = nil
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.close()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
