package common

import (
	"github.com/pkg/errors"

	"tileview/internal/geo"
	"tileview/internal/tile"
)

// NoFallback disables cross-zoom previews in a ViewportRequest.
const NoFallback = -1

var ErrInvalidSize = errors.New("invalid viewport size")

// ViewportRequest describes one draw: a pixel rectangle centred on a point at
// a zoom level, optionally blended with cached imagery from FallbackZoom.
// Requests are values and are never modified after creation.
type ViewportRequest struct {
	Center       geo.Point
	Width        int
	Height       int
	Zoom         int
	FallbackZoom int
	Layer        tile.Layer
}

// Validate rejects requests that cannot start a draw.
func (r ViewportRequest) Validate() error {
	if err := geo.ValidateZoom(r.Zoom); err != nil {
		return err
	}
	if r.FallbackZoom != NoFallback {
		if err := geo.ValidateZoom(r.FallbackZoom); err != nil {
			return errors.Wrap(err, "fallback")
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return errors.Wrapf(ErrInvalidSize, "%dx%d", r.Width, r.Height)
	}
	return nil
}

// HasFallback reports whether a fallback zoom other than the request's own is set.
func (r ViewportRequest) HasFallback() bool {
	return r.FallbackZoom != NoFallback && r.FallbackZoom != r.Zoom
}

// Rect returns the pixel window of the request.
func (r ViewportRequest) Rect() geo.Rect {
	return geo.Rect{Center: r.Center, Width: r.Width, Height: r.Height, Zoom: r.Zoom}
}

// UpperLeft returns the floored world pixel of the north-west corner.
func (r ViewportRequest) UpperLeft() geo.Pixel {
	return r.Rect().UpperLeft()
}
