package geo

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	MinZoom = 0
	MaxZoom = 21

	TileSize = 256 // world pixels per tile edge

	MinLat = -85.05112877980659 // Web Mercator limit
	MaxLat = 85.05112877980659
	MinLon = -180.0
	MaxLon = 180.0

	// poleLat keeps ToPixel finite at the poles.
	poleLat = 89.999999

	earthRadius = 6378137.0 // meters, EPSG:3857 sphere
)

var ErrInvalidZoom = errors.New("invalid zoom level")

// Point is a geographic position in degrees. It is a plain value: copying a
// Point never aliases another one.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Pixel is a position in the world pixel plane of a zoom level, where the
// plane is WorldSize(zoom) pixels wide and tall and (0,0) is the north-west
// corner of the map.
type Pixel struct {
	X float64
	Y float64
}

// WorldSize returns the edge length of the world pixel plane at zoom.
func WorldSize(zoom int) float64 {
	return float64(TileSize) * math.Exp2(float64(zoom))
}

// TilesPerAxis returns 2^zoom.
func TilesPerAxis(zoom int) int {
	return 1 << uint(zoom)
}

// ToPixel projects p onto the world pixel plane at zoom. Latitudes beyond
// the Web Mercator limit land above or below the world; only the poles
// themselves are clamped.
func ToPixel(p Point, zoom int) Pixel {
	size := WorldSize(zoom)
	lat := lo.Clamp(p.Lat, -poleLat, poleLat) * math.Pi / 180
	sin := math.Sin(lat)
	return Pixel{
		X: (p.Lon + 180) / 360 * size,
		Y: (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * size,
	}
}

// ToGeo is the inverse of ToPixel.
func ToGeo(px Pixel, zoom int) Point {
	size := WorldSize(zoom)
	n := math.Pi * (1 - 2*px.Y/size)
	return Point{
		Lat: math.Atan(math.Sinh(n)) * 180 / math.Pi,
		Lon: px.X/size*360 - 180,
	}
}

// SetPixel moves p to the position of px at zoom. Only the receiver changes.
func (p *Point) SetPixel(px Pixel, zoom int) {
	*p = ToGeo(px, zoom)
}

// Offset returns the point reached by moving p by (dx, dy) pixels at zoom.
func (p Point) Offset(dx, dy float64, zoom int) Point {
	px := ToPixel(p, zoom)
	px.X += dx
	px.Y += dy
	return ToGeo(px, zoom)
}

// ValidateZoom checks zoom against [MinZoom, MaxZoom].
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return errors.Wrapf(ErrInvalidZoom, "zoom %d out of range [%d, %d]", zoom, MinZoom, MaxZoom)
	}
	return nil
}

// Clamp forces zoom into the valid range.
func Clamp(zoom int) int {
	return lo.Clamp(zoom, MinZoom, MaxZoom)
}

// MetersPerPixel returns the ground resolution at lat and zoom.
func MetersPerPixel(lat float64, zoom int) float64 {
	return 2 * math.Pi * earthRadius * math.Cos(lat*math.Pi/180) / WorldSize(zoom)
}

// ToMercator converts a world pixel at zoom to EPSG:3857 meters.
func ToMercator(px Pixel, zoom int) (x, y float64) {
	size := WorldSize(zoom)
	half := math.Pi * earthRadius
	return px.X/size*2*half - half, half - px.Y/size*2*half
}
