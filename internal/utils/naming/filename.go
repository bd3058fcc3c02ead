package naming

import (
	"fmt"
	"strings"
)

// ExportFilename creates a standardized export filename.
// Format: {layer}_{quadkey}_z{zoom}_{bbox}.{ext}
func ExportFilename(layer, quadkey string, south, west, north, east float64, zoom int, ext string) string {
	if quadkey == "" {
		quadkey = "root"
	}
	return fmt.Sprintf("%s_%s_z%d_%s.%s", layer, quadkey, zoom,
		BBoxString(south, west, north, east), strings.TrimPrefix(ext, "."))
}

// TilesDirName names a directory holding raw tiles of one layer and zoom.
// Format: {layer}_z{zoom}_tiles
func TilesDirName(layer string, zoom int) string {
	return fmt.Sprintf("%s_z%d_tiles", layer, zoom)
}
