package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/tile"
)

const indexFile = "cache_index.json"

// Tier names where a cached tile lives.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// CacheEntry stores information about a cached tile
type CacheEntry struct {
	Key        string     `json:"key"`
	Layer      tile.Layer `json:"layer"`
	Z          int        `json:"z"`
	X          int        `json:"x"`
	Y          int        `json:"y"`
	Tier       Tier       `json:"tier"`
	Size       int64      `json:"size"`
	AccessTime time.Time  `json:"accessTime"`
	CreateTime time.Time  `json:"createTime"`
}

func (e *CacheEntry) tileKey() tile.Key {
	return tile.Key{X: e.X, Y: e.Y, Zoom: e.Z, Layer: e.Layer}
}

// diskTier provides disk-based caching with OGC ZXY structure.
// Structure: {baseDir}/{layer}/{z}/{x}/{y}.{ext}
// Index: {baseDir}/cache_index.json
type diskTier struct {
	baseDir   string
	format    tile.Format
	maxSize   int64 // Maximum cache size in bytes
	currSize  int64 // Current cache size (atomic)
	ttl       time.Duration
	log       *zap.Logger
	mu        sync.RWMutex
	index     map[string]*CacheEntry
	closed    bool
	debounced func(f func())
	evictChan chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func openDisk(baseDir string, opts Options, log *zap.Logger) (*diskTier, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrapf(ErrCacheIO, "create cache directory: %v", err)
	}

	d := &diskTier{
		baseDir:   baseDir,
		format:    opts.Format,
		maxSize:   int64(opts.MaxSizeMB) * 1024 * 1024,
		ttl:       time.Duration(opts.TTLDays) * 24 * time.Hour,
		log:       log,
		index:     make(map[string]*CacheEntry),
		debounced: debounce.New(500 * time.Millisecond),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := d.loadIndex(); err != nil {
		log.Debug("rebuilding cache index", zap.String("dir", baseDir), zap.Error(err))
		if err := d.rebuildIndex(); err != nil {
			return nil, errors.Wrapf(ErrCacheIO, "initialize cache: %v", err)
		}
	}

	d.wg.Add(1)
	go d.maintenanceWorker()

	return d, nil
}

func (d *diskTier) filePath(layer tile.Layer, z, x, y int) string {
	return filepath.Join(d.baseDir, string(layer), strconv.Itoa(z), strconv.Itoa(x),
		fmt.Sprintf("%d.%s", y, d.format.Ext()))
}

func (d *diskTier) entryPath(e *CacheEntry) string {
	return d.filePath(e.Layer, e.Z, e.X, e.Y)
}

func (d *diskTier) get(key tile.Key) (*tile.Tile, error) {
	name := key.String()
	d.mu.RLock()
	e, ok := d.index[name]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}

	if d.ttl > 0 && time.Since(e.CreateTime) > d.ttl {
		d.evict(name)
		return nil, ErrMiss
	}

	data, err := os.ReadFile(d.entryPath(e))
	if err != nil {
		// File missing - remove from index
		d.evict(name)
		return nil, ErrMiss
	}

	t, err := tile.Decode(key, data)
	if err != nil {
		d.log.Warn("dropping undecodable cache file", zap.Stringer("key", key), zap.Error(err))
		d.evict(name)
		return nil, ErrMiss
	}

	d.mu.Lock()
	e.AccessTime = time.Now()
	d.mu.Unlock()
	d.scheduleSave()

	return t, nil
}

func (d *diskTier) put(t *tile.Tile) error {
	var buf bytes.Buffer
	if err := t.Encode(&buf, d.format); err != nil {
		return errors.Wrapf(ErrCacheIO, "encode %s: %v", t.Key, err)
	}
	size := int64(buf.Len())

	path := d.filePath(t.Key.Layer, t.Key.Zoom, t.Key.X, t.Key.Y)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(ErrCacheIO, "create tile directory: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(ErrCacheIO, "write tile: %v", err)
	}

	now := time.Now()
	e := &CacheEntry{
		Key:        t.Key.String(),
		Layer:      t.Key.Layer,
		Z:          t.Key.Zoom,
		X:          t.Key.X,
		Y:          t.Key.Y,
		Tier:       TierDisk,
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}

	d.mu.Lock()
	if old, ok := d.index[e.Key]; ok {
		atomic.AddInt64(&d.currSize, -old.Size)
	}
	d.index[e.Key] = e
	d.mu.Unlock()

	if atomic.AddInt64(&d.currSize, size) > d.maxSize {
		select {
		case d.evictChan <- struct{}{}:
		default:
		}
	}

	d.scheduleSave()
	return nil
}

func (d *diskTier) lookup(key tile.Key) (CacheEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.index[key.String()]
	if !ok {
		return CacheEntry{}, false
	}
	return *e, true
}

func (d *diskTier) evict(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(name)
}

func (d *diskTier) removeLocked(name string) {
	e, ok := d.index[name]
	if !ok {
		return
	}
	os.Remove(d.entryPath(e))
	delete(d.index, name)
	atomic.AddInt64(&d.currSize, -e.Size)
}

// maintenanceWorker runs periodic cache maintenance
func (d *diskTier) maintenanceWorker() {
	defer d.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.evictChan:
			d.evictOldTiles()
		case <-ticker.C:
			d.evictExpiredTiles()
		case <-d.done:
			return
		}
	}
}

// evictOldTiles removes least recently used tiles down to 80% of the limit.
func (d *diskTier) evictOldTiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	currSize := atomic.LoadInt64(&d.currSize)
	if currSize <= d.maxSize {
		return 0
	}
	targetSize := d.maxSize * 8 / 10

	entries := make([]*CacheEntry, 0, len(d.index))
	for _, e := range d.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	evicted := 0
	for _, e := range entries {
		if currSize <= targetSize {
			break
		}
		d.removeLocked(e.Key)
		currSize -= e.Size
		evicted++
	}

	d.log.Debug("evicted cache files", zap.Int("count", evicted), zap.Int64("bytes", currSize))
	d.scheduleSave()
	return evicted
}

// evictExpiredTiles removes tiles that exceed TTL
func (d *diskTier) evictExpiredTiles() int {
	if d.ttl <= 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []string
	for name, e := range d.index {
		if time.Since(e.CreateTime) > d.ttl {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		d.removeLocked(name)
	}

	if len(expired) > 0 {
		d.scheduleSave()
	}
	return len(expired)
}

func (d *diskTier) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(d.baseDir, indexFile))
	if err != nil {
		return errors.Wrap(err, "read index")
	}

	var index map[string]*CacheEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrap(err, "parse index")
	}

	var total int64
	for _, e := range index {
		total += e.Size
	}
	d.index = index
	atomic.StoreInt64(&d.currSize, total)
	return nil
}

// rebuildIndex rebuilds the index by scanning the cache directory
func (d *diskTier) rebuildIndex() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.index = make(map[string]*CacheEntry)
	var total int64
	ext := "." + d.format.Ext()

	err := filepath.Walk(d.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ext {
			return nil
		}

		// Parse path: {layer}/{z}/{x}/{y}.{ext}
		rel, _ := filepath.Rel(d.baseDir, path)
		parts := strings.Split(rel, string(os.PathSeparator))
		if len(parts) != 4 {
			return nil
		}
		z, errZ := strconv.Atoi(parts[1])
		x, errX := strconv.Atoi(parts[2])
		y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], ext))
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}

		key := tile.Key{X: x, Y: y, Zoom: z, Layer: tile.Layer(parts[0])}
		d.index[key.String()] = &CacheEntry{
			Key:        key.String(),
			Layer:      key.Layer,
			Z:          z,
			X:          x,
			Y:          y,
			Tier:       TierDisk,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan cache directory")
	}

	atomic.StoreInt64(&d.currSize, total)
	return d.writeIndexLocked()
}

func (d *diskTier) scheduleSave() {
	d.debounced(func() {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return
		}
		if err := d.writeIndexLocked(); err != nil {
			d.log.Warn("failed to save cache index", zap.Error(err))
		}
	})
}

// writeIndexLocked requires d.mu to be held.
func (d *diskTier) writeIndexLocked() error {
	path := filepath.Join(d.baseDir, indexFile)

	data, err := json.MarshalIndent(d.index, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal index")
	}

	// Write to temp file first, then rename (atomic operation)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(ErrCacheIO, "write index: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(ErrCacheIO, "rename index: %v", err)
	}
	return nil
}

func (d *diskTier) stats() (entries int, size, maxSize int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index), atomic.LoadInt64(&d.currSize), d.maxSize
}

func (d *diskTier) clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.index {
		os.Remove(d.entryPath(e))
	}
	d.index = make(map[string]*CacheEntry)
	atomic.StoreInt64(&d.currSize, 0)
	return d.writeIndexLocked()
}

// close stops maintenance and flushes the index.
func (d *diskTier) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	err := d.writeIndexLocked()
	d.mu.Unlock()

	d.wg.Wait()
	return err
}
