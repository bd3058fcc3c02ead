package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// Rect is a pixel-sized window centred on a point at a zoom level.
type Rect struct {
	Center Point
	Width  int
	Height int
	Zoom   int
}

// UpperLeft returns the world pixel of the rectangle's north-west corner,
// floored to whole pixels.
func (r Rect) UpperLeft() Pixel {
	c := ToPixel(r.Center, r.Zoom)
	return Pixel{
		X: math.Floor(c.X - float64(r.Width)/2),
		Y: math.Floor(c.Y - float64(r.Height)/2),
	}
}

// Bound returns the geographic extent of the rectangle, limited to the
// Web Mercator latitudes.
func (r Rect) Bound() orb.Bound {
	ul := r.UpperLeft()
	nw := ToGeo(ul, r.Zoom)
	se := ToGeo(Pixel{X: ul.X + float64(r.Width), Y: ul.Y + float64(r.Height)}, r.Zoom)
	return orb.Bound{
		Min: orb.Point{nw.Lon, math.Max(se.Lat, MinLat)},
		Max: orb.Point{se.Lon, math.Min(nw.Lat, MaxLat)},
	}
}

// BBox is a geographic bounding box in degrees.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// BBoxFromBound converts an orb bound.
func BBoxFromBound(b orb.Bound) BBox {
	return BBox{South: b.Min.Lat(), West: b.Min.Lon(), North: b.Max.Lat(), East: b.Max.Lon()}
}

// Bound converts to an orb bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Validate checks if the bounding box is valid
func (b BBox) Validate() error {
	if b.South >= b.North {
		return errors.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West >= b.East {
		return errors.Errorf("west (%f) must be less than east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return errors.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < MinLon || b.East > MaxLon {
		return errors.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

func (b BBox) String() string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.South, b.West, b.North, b.East)
}
