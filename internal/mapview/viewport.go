package mapview

import (
	"context"

	"github.com/pkg/errors"

	"tileview/internal/common"
	"tileview/internal/compose"
	"tileview/internal/events"
	"tileview/internal/geo"
	"tileview/internal/scheduler"
	"tileview/internal/tile"
)

var ErrClosed = errors.New("map closed")

// Viewport is one drawing surface: a center, zoom, size and layer. Every
// change requests a redraw.
type Viewport struct {
	m     *Map
	owner *scheduler.Owner

	center geo.Point
	zoom   int
	width  int
	height int
	layer  tile.Layer
}

// NewViewport registers a viewport. It does not draw until the first change
// or Redraw. An empty id gets a generated one.
func (m *Map) NewViewport(id string, center geo.Point, zoom, width, height int, layer tile.Layer) (*Viewport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	owner := m.sched.NewOwner(id)
	if _, exists := m.viewports[owner.ID()]; exists {
		return nil, errors.Errorf("viewport %q already exists", owner.ID())
	}
	v := &Viewport{
		m:      m,
		owner:  owner,
		center: center,
		zoom:   zoom,
		width:  width,
		height: height,
		layer:  layer,
	}
	m.viewports[owner.ID()] = v
	return v, nil
}

func (v *Viewport) ID() string { return v.owner.ID() }

// Request returns the draw request for the current state.
func (v *Viewport) Request() common.ViewportRequest {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.requestLocked()
}

func (v *Viewport) requestLocked() common.ViewportRequest {
	return common.ViewportRequest{
		Center:       v.center,
		Width:        v.width,
		Height:       v.height,
		Zoom:         v.zoom,
		FallbackZoom: v.m.fallbackZoom,
		Layer:        v.layer,
	}
}

// update applies fn to a copy of the state and requests a draw of the
// result. The state only changes when the request is accepted.
func (v *Viewport) update(fn func(next *Viewport)) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if v.m.closed {
		return ErrClosed
	}
	next := *v
	fn(&next)
	if err := v.owner.RequestDraw(next.requestLocked()); err != nil {
		return err
	}
	v.center, v.zoom, v.width, v.height, v.layer = next.center, next.zoom, next.width, next.height, next.layer
	return nil
}

// Redraw requests a draw of the current state.
func (v *Viewport) Redraw() error {
	return v.update(func(*Viewport) {})
}

// Pan moves the center by dx, dy screen pixels.
func (v *Viewport) Pan(dx, dy float64) error {
	return v.update(func(n *Viewport) {
		n.center = n.center.Offset(dx, dy, n.zoom)
	})
}

// SetZoom changes the zoom around the current center.
func (v *Viewport) SetZoom(zoom int) error {
	return v.update(func(n *Viewport) { n.zoom = zoom })
}

func (v *Viewport) Resize(width, height int) error {
	return v.update(func(n *Viewport) { n.width, n.height = width, height })
}

// SetCenterPixel centers the viewport on a world pixel at the current zoom.
func (v *Viewport) SetCenterPixel(p geo.Pixel) error {
	return v.update(func(n *Viewport) { n.center.SetPixel(p, n.zoom) })
}

func (v *Viewport) SetCenter(center geo.Point) error {
	return v.update(func(n *Viewport) { n.center = center })
}

func (v *Viewport) SetLayer(layer tile.Layer) error {
	l, err := tile.ParseLayer(string(layer))
	if err != nil {
		return err
	}
	return v.update(func(n *Viewport) { n.layer = l })
}

// Buffer returns the surface the viewport draws into.
func (v *Viewport) Buffer() *compose.Buffer { return v.owner.Buffer() }

// Stop cancels the running draw.
func (v *Viewport) Stop() { v.owner.Stop() }

// Wait blocks until no draw is running.
func (v *Viewport) Wait(ctx context.Context) error { return v.owner.Wait(ctx) }

func (v *Viewport) State() scheduler.State { return v.owner.State() }

// LastResult reports how the latest draw ended.
func (v *Viewport) LastResult() (scheduler.State, error) { return v.owner.LastResult() }

// Attach forwards this viewport's events to l.
func (v *Viewport) Attach(l events.Listener) func() {
	id := v.ID()
	return events.Attach(v.m.bus, ownerFilter{id: id, l: l})
}

// ownerFilter drops events of other viewports.
type ownerFilter struct {
	id string
	l  events.Listener
}

func (f ownerFilter) OnProgress(owner string, completed, total int) {
	if owner == f.id {
		f.l.OnProgress(owner, completed, total)
	}
}

func (f ownerFilter) OnMessage(owner, message string) {
	if owner == f.id {
		f.l.OnMessage(owner, message)
	}
}

func (f ownerFilter) OnBufferUpdated(owner string) {
	if owner == f.id {
		f.l.OnBufferUpdated(owner)
	}
}

func (f ownerFilter) OnDrawComplete(owner string, err error) {
	if owner == f.id {
		f.l.OnDrawComplete(owner, err)
	}
}
