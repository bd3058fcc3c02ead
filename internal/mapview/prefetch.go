package mapview

import (
	"context"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/fetchqueue"
	"tileview/internal/geo"
	"tileview/internal/tile"
)

// Prefetch tracks a background region download.
type Prefetch struct {
	Zoom  int
	Total int

	mu        sync.Mutex
	completed int
	failed    int
	remaining int
	done      chan struct{}
}

// Progress returns completed, failed and total tile counts.
func (p *Prefetch) Progress() (completed, failed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.Total
}

// Wait blocks until every tile has been fetched or has failed.
func (p *Prefetch) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prefetch) record(r fetchqueue.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.remaining--
	if p.remaining == 0 {
		close(p.done)
	}
}

// PrefetchRegion enqueues, as prefetch, every tile at zoom under rect.
// Tiles already in memory count as completed immediately.
func (m *Map) PrefetchRegion(rect geo.Rect, zoom int, layer tile.Layer) (*Prefetch, error) {
	if err := geo.ValidateZoom(zoom); err != nil {
		return nil, err
	}
	layer, err := tile.ParseLayer(string(layer))
	if err != nil {
		return nil, err
	}

	var keys []tile.Key
	for t := range tilecover.Bound(rect.Bound(), maptile.Zoom(zoom)) {
		if k := tile.FromMaptile(t, layer); k.Valid() {
			keys = append(keys, k)
		}
	}

	p := &Prefetch{Zoom: zoom, Total: len(keys), remaining: len(keys), done: make(chan struct{})}
	if len(keys) == 0 {
		close(p.done)
		return p, nil
	}
	for _, k := range keys {
		m.queue.Enqueue(k, fetchqueue.PriorityPrefetch, p.record)
	}
	m.log.Info("prefetch queued", zap.Int("zoom", zoom), zap.Int("tiles", len(keys)))
	return p, nil
}

// PrefetchLevels prefetches rect at every zoom from minZoom to maxZoom and
// waits for all of them.
func (m *Map) PrefetchLevels(ctx context.Context, rect geo.Rect, minZoom, maxZoom int, layer tile.Layer) ([]*Prefetch, error) {
	if minZoom > maxZoom {
		minZoom, maxZoom = maxZoom, minZoom
	}
	g, ctx := errgroup.WithContext(ctx)
	out := make([]*Prefetch, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		p, err := m.PrefetchRegion(rect, z, layer)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		g.Go(func() error { return p.Wait(ctx) })
	}
	return out, g.Wait()
}
