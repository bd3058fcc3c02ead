package compose

import (
	"image"
	"math"

	"tileview/internal/common"
	"tileview/internal/geo"
	"tileview/internal/tile"
)

// Placement positions one tile in the output buffer.
type Placement struct {
	// Key is wrapped into the world horizontally. Rows outside the world
	// keep their raw Y and have InWorld unset.
	Key     tile.Key
	Point   image.Point
	InWorld bool
}

// Rect returns the buffer rectangle the tile covers.
func (p Placement) Rect() image.Rectangle {
	return image.Rect(p.Point.X, p.Point.Y, p.Point.X+tile.Size, p.Point.Y+tile.Size)
}

// Cover lists the tiles under req in row-major order.
func Cover(req common.ViewportRequest) []Placement {
	ul := req.UpperLeft()
	bounds := common.BoundsFor(req)
	n := geo.TilesPerAxis(req.Zoom)
	ox := int(math.Floor(ul.X))
	oy := int(math.Floor(ul.Y))

	out := make([]Placement, 0, bounds.Cols()*bounds.Rows())
	for row := bounds.MinRow; row <= bounds.MaxRow; row++ {
		for col := bounds.MinCol; col <= bounds.MaxCol; col++ {
			key := tile.Key{X: col, Y: row, Zoom: req.Zoom, Layer: req.Layer}
			p := Placement{
				Point:   image.Pt(col*tile.Size-ox, row*tile.Size-oy),
				InWorld: row >= 0 && row < n,
			}
			if p.InWorld {
				key = key.Wrap()
			}
			p.Key = key
			out = append(out, p)
		}
	}
	return out
}
