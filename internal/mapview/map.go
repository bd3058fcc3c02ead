// Package mapview is the entry point for embedding the tile pipeline: it
// wires the cache, fetch queue, compositor and scheduler behind a Map and
// hands out Viewports.
package mapview

import (
	"context"
	"image"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/common"
	"tileview/internal/compose"
	"tileview/internal/events"
	"tileview/internal/fetchqueue"
	"tileview/internal/geo"
	"tileview/internal/scheduler"
	"tileview/internal/source"
)

// Stats combines cache and queue counters.
type Stats struct {
	Cache cache.Stats       `json:"cache"`
	Queue fetchqueue.Status `json:"queue"`
}

// Map owns the shared tile services.
type Map struct {
	store *cache.Store
	queue *fetchqueue.Queue
	comp  *compose.Compositor
	sched *scheduler.Scheduler
	bus   *events.Bus
	log   *zap.Logger

	mu           sync.Mutex
	fallbackZoom int
	cacheErr     error
	viewports    map[string]*Viewport
	closed       bool
}

// New builds a Map fetching from src. A cache directory that cannot be
// used leaves the map memory-only; CacheError reports why.
func New(src source.Source, opts Options, log *zap.Logger) *Map {
	bus := events.NewBus()
	store := cache.New(opts.Cache, log)
	queue := fetchqueue.New(src, store, opts.Queue, log)
	comp := compose.New(store, queue, log)
	if opts.MaxPixels > 0 {
		comp.MaxPixels = opts.MaxPixels
	}
	sched := scheduler.New(comp, queue, bus, log)
	sched.Adjacent = opts.Adjacent

	m := &Map{
		store:        store,
		queue:        queue,
		comp:         comp,
		sched:        sched,
		bus:          bus,
		log:          log.Named("mapview"),
		fallbackZoom: opts.FallbackZoom,
		viewports:    make(map[string]*Viewport),
	}
	store.OnWarning(func(err error) { bus.Warn("", err) })
	queue.SetOnStatus(func(st fetchqueue.Status) {
		bus.Publish(events.Event{Kind: events.KindQueueStatus, Data: st})
	})
	if opts.Cache.Dir != "" {
		_ = m.SetCacheDirectory(opts.Cache.Dir)
	}
	return m
}

// Bus returns the event bus every viewport publishes on.
func (m *Map) Bus() *events.Bus { return m.bus }

// SetCacheDirectory moves the disk tier to path. On failure the map keeps
// running memory-only, a warning is published and the error is returned.
func (m *Map) SetCacheDirectory(path string) error {
	err := m.store.SetCacheDirectory(path)
	m.mu.Lock()
	m.cacheErr = err
	m.mu.Unlock()
	if err != nil {
		m.bus.Warn("", err)
		return err
	}
	return nil
}

// CacheError returns the failure of the last cache directory change,
// including the one made by New, or nil if the disk tier is in use.
func (m *Map) CacheError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheErr
}

func (m *Map) CacheDirectory() string {
	return m.store.CacheDirectory()
}

// ClearCache empties both cache tiers and forgets failed tiles.
func (m *Map) ClearCache() error {
	m.queue.ResetFailures()
	if err := m.store.Clear(); err != nil {
		return err
	}
	m.log.Info("cache cleared")
	return nil
}

// ClearMemory drops the memory tier only.
func (m *Map) ClearMemory() {
	m.store.ClearMemory()
	m.log.Info("memory cache cleared")
}

// SetCachedZoomDisplay enables blending cached tiles from level under
// missing tiles of every later draw, or disables it.
func (m *Map) SetCachedZoomDisplay(enabled bool, level int) error {
	z := common.NoFallback
	if enabled {
		if err := geo.ValidateZoom(level); err != nil {
			return err
		}
		z = level
	}
	m.mu.Lock()
	m.fallbackZoom = z
	m.mu.Unlock()
	return nil
}

// FallbackZoom returns the cached zoom display level, or common.NoFallback.
func (m *Map) FallbackZoom() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackZoom
}

// SetOnline toggles network fetching. Offline, only cached tiles are shown.
func (m *Map) SetOnline(online bool) {
	m.queue.SetOnline(online)
}

func (m *Map) Online() bool {
	return m.queue.Online()
}

// AbortAll cancels every queued fetch.
func (m *Map) AbortAll() int {
	return m.queue.AbortAll()
}

// Render draws req and waits until every tile has been fetched or has
// failed. Failed tiles stay background or fallback.
func (m *Map) Render(ctx context.Context, req common.ViewportRequest) (*image.RGBA, error) {
	buf := compose.NewBuffer()
	buf.Claim(1)
	tag := "render-" + uuid.NewString()

	pass, err := m.comp.Compose(ctx, req, buf, compose.Options{Generation: 1, Tag: tag})
	if err != nil {
		return nil, err
	}
	if err := pass.Wait(ctx); err != nil {
		m.queue.AbortTag(tag)
		return nil, errors.Wrap(err, "render")
	}
	if n := pass.Failed(); n > 0 {
		_, total := pass.Progress()
		m.log.Warn("rendered with missing tiles", zap.Int("failed", n), zap.Int("total", total))
	}
	return buf.Snapshot(), nil
}

// Stats returns cache and queue counters.
func (m *Map) Stats() Stats {
	return Stats{Cache: m.store.Stats(), Queue: m.queue.Status()}
}

// Close stops every viewport and releases the cache and queue.
func (m *Map) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	vps := make([]*Viewport, 0, len(m.viewports))
	for _, v := range m.viewports {
		vps = append(vps, v)
	}
	m.mu.Unlock()

	for _, v := range vps {
		v.Stop()
	}
	m.queue.Close()
	return m.store.Close()
}
