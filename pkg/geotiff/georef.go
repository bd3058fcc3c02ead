package geotiff

import (
	"image"
	"io"
)

// EPSGWebMercator is WGS 84 / Pseudo-Mercator.
const EPSGWebMercator = 3857

// GeoReference places a raster in a projected CRS: the upper-left pixel
// corner sits at (OriginX, OriginY) and each pixel spans PixelWidth by
// PixelHeight model units.
type GeoReference struct {
	EPSG        uint16
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
	Description string
	Software    string
}

// Tags returns the GeoTIFF tags for r.
func (r GeoReference) Tags() Tags {
	epsg := r.EPSG
	if epsg == 0 {
		epsg = EPSGWebMercator
	}
	scaleY := r.PixelHeight
	if scaleY < 0 {
		scaleY = -scaleY
	}
	t := Tags{
		TagType_GeoKeyDirectoryTag: []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 1, // GTModelTypeGeoKey: Projected
			1025, 0, 1, 1, // GTRasterTypeGeoKey: PixelIsArea
			3072, 0, 1, epsg, // ProjectedCSTypeGeoKey
		},
		TagType_ModelPixelScaleTag: []float64{r.PixelWidth, scaleY, 0},
		TagType_ModelTiepointTag:   []float64{0, 0, 0, r.OriginX, r.OriginY, 0},
	}
	if r.Description != "" {
		t[TagType_ImageDescription] = r.Description
	}
	if r.Software != "" {
		t[TagType_Software] = r.Software
	}
	return t
}

// EncodeGeo writes m with the georeferencing of r.
func EncodeGeo(w io.Writer, m image.Image, r GeoReference) error {
	return Encode(w, m, r.Tags())
}
