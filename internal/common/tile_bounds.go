package common

import (
	"fmt"
	"math"

	"tileview/internal/geo"
	"tileview/internal/tile"
)

// TileBounds represents the min/max row and column bounds of a tile set.
// Columns and rows are in the unwrapped tile grid and may fall outside the world.
type TileBounds struct {
	MinCol int
	MaxCol int
	MinRow int
	MaxRow int
}

// Cols returns the number of columns in the bounds
func (tb TileBounds) Cols() int {
	return tb.MaxCol - tb.MinCol + 1
}

// Rows returns the number of rows in the bounds
func (tb TileBounds) Rows() int {
	return tb.MaxRow - tb.MinRow + 1
}

// Contains reports whether (col, row) lies inside the bounds.
func (tb TileBounds) Contains(col, row int) bool {
	return col >= tb.MinCol && col <= tb.MaxCol && row >= tb.MinRow && row <= tb.MaxRow
}

// Expand grows the bounds by n tiles on every side.
func (tb TileBounds) Expand(n int) TileBounds {
	return TileBounds{MinCol: tb.MinCol - n, MaxCol: tb.MaxCol + n, MinRow: tb.MinRow - n, MaxRow: tb.MaxRow + n}
}

func (tb TileBounds) String() string {
	return fmt.Sprintf("cols [%d, %d] rows [%d, %d]", tb.MinCol, tb.MaxCol, tb.MinRow, tb.MaxRow)
}

// BoundsFor returns the tile grid covering a request: starting at the tile
// under the upper-left pixel, ceil(w/256)+1 columns and ceil(h/256)+1 rows.
// The extra column and row cover rectangles that are not tile aligned.
func BoundsFor(req ViewportRequest) TileBounds {
	ul := req.UpperLeft()
	minCol := int(math.Floor(ul.X / geo.TileSize))
	minRow := int(math.Floor(ul.Y / geo.TileSize))
	cols := (req.Width+geo.TileSize-1)/geo.TileSize + 1
	rows := (req.Height+geo.TileSize-1)/geo.TileSize + 1
	return TileBounds{
		MinCol: minCol,
		MaxCol: minCol + cols - 1,
		MinRow: minRow,
		MaxRow: minRow + rows - 1,
	}
}

// CalculateTileBounds calculates the min/max row and column bounds from a slice of keys
func CalculateTileBounds(keys []tile.Key) (TileBounds, error) {
	if len(keys) == 0 {
		return TileBounds{}, fmt.Errorf("no tiles provided")
	}

	bounds := TileBounds{
		MinCol: keys[0].X,
		MaxCol: keys[0].X,
		MinRow: keys[0].Y,
		MaxRow: keys[0].Y,
	}

	for _, k := range keys[1:] {
		bounds.MinCol = min(bounds.MinCol, k.X)
		bounds.MaxCol = max(bounds.MaxCol, k.X)
		bounds.MinRow = min(bounds.MinRow, k.Y)
		bounds.MaxRow = max(bounds.MaxRow, k.Y)
	}

	return bounds, nil
}
