package mapview

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/common"
	"tileview/internal/geo"
	"tileview/internal/tile"
	"tileview/internal/utils/naming"
	"tileview/pkg/geotiff"
)

const jpegQuality = 90

// Export renders req and writes it to w in format.
func (m *Map) Export(ctx context.Context, req common.ViewportRequest, format common.ExportFormat, w io.Writer) error {
	img, err := m.Render(ctx, req)
	if err != nil {
		return err
	}

	switch format {
	case common.ExportPNG, "":
		err = png.Encode(w, img)
	case common.ExportJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case common.ExportGeoTIFF:
		err = geotiff.EncodeGeo(w, img, GeoReference(req))
	default:
		return errors.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return errors.Wrapf(err, "encode %s", format)
	}
	m.log.Info("exported view",
		zap.String("format", string(format)),
		zap.Int("zoom", req.Zoom),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height))
	return nil
}

// GeoReference places the rendered image of req in EPSG:3857.
func GeoReference(req common.ViewportRequest) geotiff.GeoReference {
	ul := req.UpperLeft()
	x, y := geo.ToMercator(ul, req.Zoom)
	res := geo.MetersPerPixel(0, req.Zoom)
	return geotiff.GeoReference{
		EPSG:        geotiff.EPSGWebMercator,
		OriginX:     x,
		OriginY:     y,
		PixelWidth:  res,
		PixelHeight: -res,
		Description: fmt.Sprintf("%s z%d", req.Layer.DisplayName(), req.Zoom),
		Software:    "tileview",
	}
}

// ExportFilename names the export of req: layer, quadkey of the center
// tile, zoom and bounding box.
func ExportFilename(req common.ViewportRequest, format common.ExportFormat) string {
	c := geo.ToPixel(req.Center, req.Zoom)
	center := tile.Key{
		X:     int(math.Floor(c.X / tile.Size)),
		Y:     int(math.Floor(c.Y / tile.Size)),
		Zoom:  req.Zoom,
		Layer: req.Layer,
	}.Wrap()
	b := geo.BBoxFromBound(req.Rect().Bound())
	return naming.ExportFilename(string(req.Layer), center.Quadkey(), b.South, b.West, b.North, b.East, req.Zoom, format.Ext())
}
