package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tileview/internal/geo"
	"tileview/internal/utils/naming"
)

// Size is the edge length of every tile in pixels.
const Size = geo.TileSize

// Key identifies a tile by column, row, zoom and layer.
type Key struct {
	X     int   `json:"x"`
	Y     int   `json:"y"`
	Zoom  int   `json:"z"`
	Layer Layer `json:"layer"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Layer, k.Zoom, k.X, k.Y)
}

// Valid reports whether the zoom is supported and x, y lie in [0, 2^zoom).
func (k Key) Valid() bool {
	if geo.ValidateZoom(k.Zoom) != nil {
		return false
	}
	n := geo.TilesPerAxis(k.Zoom)
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Wrap folds x around the antimeridian. y is left untouched.
func (k Key) Wrap() Key {
	n := geo.TilesPerAxis(k.Zoom)
	k.X = ((k.X % n) + n) % n
	return k
}

// Ancestor returns the tile at the coarser zoom that contains k.
// zoom must not exceed k.Zoom.
func (k Key) Ancestor(zoom int) Key {
	d := uint(k.Zoom - zoom)
	return Key{X: k.X >> d, Y: k.Y >> d, Zoom: zoom, Layer: k.Layer}
}

// Descendants returns the tiles at the finer zoom covering k, row by row.
// zoom must not be below k.Zoom.
func (k Key) Descendants(zoom int) []Key {
	d := uint(zoom - k.Zoom)
	n := 1 << d
	keys := make([]Key, 0, n*n)
	for dy := 0; dy < n; dy++ {
		for dx := 0; dx < n; dx++ {
			keys = append(keys, Key{X: k.X<<d + dx, Y: k.Y<<d + dy, Zoom: zoom, Layer: k.Layer})
		}
	}
	return keys
}

// Neighbors returns the valid tiles of the 8-neighbourhood. Columns wrap.
func (k Key) Neighbors() []Key {
	seen := make(map[Key]bool, 8)
	var keys []Key
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := Key{X: k.X + dx, Y: k.Y + dy, Zoom: k.Zoom, Layer: k.Layer}.Wrap()
			if n == k || seen[n] || !n.Valid() {
				continue
			}
			seen[n] = true
			keys = append(keys, n)
		}
	}
	return keys
}

// Maptile converts to the orb representation.
func (k Key) Maptile() maptile.Tile {
	return maptile.New(uint32(k.X), uint32(k.Y), maptile.Zoom(k.Zoom))
}

// FromMaptile builds a Key from an orb tile.
func FromMaptile(t maptile.Tile, layer Layer) Key {
	return Key{X: int(t.X), Y: int(t.Y), Zoom: int(t.Z), Layer: layer}
}

// Bound returns the geographic extent of the tile.
func (k Key) Bound() orb.Bound {
	return k.Maptile().Bound()
}

func (k Key) Quadkey() string {
	return naming.Quadkey(k.X, k.Y, k.Zoom)
}
