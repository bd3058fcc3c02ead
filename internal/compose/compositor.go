// Package compose assembles viewport images from cached tiles and fills in
// late tiles as the fetch queue delivers them.
package compose

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"tileview/internal/cache"
	"tileview/internal/common"
	"tileview/internal/fetchqueue"
)

var (
	ErrAllocation = errors.New("cannot allocate draw buffer")
	ErrSuperseded = errors.New("draw superseded")
	ErrStopped    = errors.New("draw stopped")
)

// Background fills every pixel no tile covers.
var Background = color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}

// DefaultMaxPixels bounds a single draw buffer (about 256 MiB of RGBA).
const DefaultMaxPixels = 8192 * 8192

// Options controls one Compose call.
type Options struct {
	Generation uint64
	// Tag groups the fetches of this pass so they can be withdrawn together.
	Tag string
	// OnTile runs after a late tile has been handled, drawn or not.
	OnTile     func(p Placement, drawn bool, err error)
	OnProgress func(completed, total int)
}

// Compositor draws viewport requests into Buffers.
type Compositor struct {
	store     *cache.Store
	queue     *fetchqueue.Queue
	log       *zap.Logger
	MaxPixels int
}

func New(store *cache.Store, queue *fetchqueue.Queue, log *zap.Logger) *Compositor {
	return &Compositor{
		store:     store,
		queue:     queue,
		log:       log.Named("compose"),
		MaxPixels: DefaultMaxPixels,
	}
}

// Compose paints req into a new image using what the cache holds, commits it
// to buf under opts.Generation and enqueues the missing tiles as visible
// fetches. The returned Pass tracks those fetches; each one is drawn into
// buf when it arrives unless the generation has been superseded.
func (c *Compositor) Compose(ctx context.Context, req common.ViewportRequest, buf *Buffer, opts Options) (*Pass, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	back, err := c.allocate(req.Width, req.Height)
	if err != nil {
		return nil, err
	}
	draw.Draw(back, back.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)

	p := &Pass{
		gen:      opts.Generation,
		buf:      buf,
		back:     back,
		opts:     opts,
		finished: make(chan struct{}),
	}

	var missing []Placement
	for _, pl := range Cover(req) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(ErrStopped, err.Error())
		}
		if !pl.InWorld {
			continue
		}
		p.total++
		t, ok := c.store.GetWithFallback(pl.Key, req.FallbackZoom)
		if ok && !t.Preview {
			draw.Draw(back, pl.Rect(), t.Image, image.Point{}, draw.Src)
			p.done++
			continue
		}
		if ok {
			draw.Draw(back, pl.Rect(), t.Image, image.Point{}, draw.Over)
		}
		missing = append(missing, pl)
	}
	p.pending = len(missing)

	for _, pl := range missing {
		c.queue.Submit(fetchqueue.Request{
			Key:      pl.Key,
			Priority: fetchqueue.PriorityVisible,
			Tag:      opts.Tag,
			Notify:   p.listener(ctx, pl),
		})
	}

	p.mu.Lock()
	err = buf.Commit(p.gen, back)
	p.committed = err == nil
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.log.Debug("composed",
		zap.Uint64("generation", p.gen),
		zap.Int("tiles", p.total),
		zap.Int("missing", len(missing)))

	if opts.OnProgress != nil {
		done, total := p.Progress()
		opts.OnProgress(done, total)
	}
	p.mu.Lock()
	p.maybeFinishLocked()
	p.mu.Unlock()
	return p, nil
}

func (c *Compositor) allocate(w, h int) (img *image.RGBA, err error) {
	if c.MaxPixels > 0 && w*h > c.MaxPixels {
		return nil, errors.Wrapf(ErrAllocation, "%dx%d exceeds %d pixels", w, h, c.MaxPixels)
	}
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, errors.Wrapf(ErrAllocation, "%dx%d: %v", w, h, r)
		}
	}()
	return image.NewRGBA(image.Rect(0, 0, w, h)), nil
}

// Pass tracks the late tiles of one Compose call.
type Pass struct {
	gen  uint64
	buf  *Buffer
	opts Options

	mu        sync.Mutex
	back      *image.RGBA
	committed bool
	total     int
	done      int
	failed    int
	pending   int
	closed    bool
	finished  chan struct{}
}

func (p *Pass) Generation() uint64 { return p.gen }

// Progress returns the resolved and total in-world tile counts.
func (p *Pass) Progress() (completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total
}

// Failed returns how many late tiles could not be fetched.
func (p *Pass) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Outstanding returns how many fetches have not reported yet.
func (p *Pass) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Done is closed once every late tile has reported.
func (p *Pass) Done() <-chan struct{} {
	return p.finished
}

// Wait blocks until every late tile has reported or ctx ends.
func (p *Pass) Wait(ctx context.Context) error {
	select {
	case <-p.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pass) listener(ctx context.Context, pl Placement) fetchqueue.Listener {
	return func(r fetchqueue.Result) {
		drawn := false
		p.mu.Lock()
		if r.Err == nil && r.Tile != nil && ctx.Err() == nil {
			blit := func(img *image.RGBA) {
				draw.Draw(img, pl.Rect(), r.Tile.Image, image.Point{}, draw.Src)
			}
			if p.committed {
				drawn = p.buf.Apply(p.gen, blit)
			} else {
				blit(p.back)
				drawn = true
			}
		}
		if r.Err != nil {
			p.failed++
		}
		p.done++
		p.pending--
		completed, total := p.done, p.total
		p.maybeFinishLocked()
		p.mu.Unlock()

		if p.opts.OnTile != nil {
			p.opts.OnTile(pl, drawn, r.Err)
		}
		if p.opts.OnProgress != nil {
			p.opts.OnProgress(completed, total)
		}
	}
}

// maybeFinishLocked closes finished once the pass is committed and nothing
// is outstanding.
func (p *Pass) maybeFinishLocked() {
	if p.committed && p.pending == 0 && !p.closed {
		p.closed = true
		close(p.finished)
	}
}
