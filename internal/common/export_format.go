package common

import "github.com/pkg/errors"

// ExportFormat is the output encoding of an exported view.
type ExportFormat string

const (
	ExportPNG     ExportFormat = "png"
	ExportJPEG    ExportFormat = "jpeg"
	ExportGeoTIFF ExportFormat = "geotiff"
)

// ParseExportFormat converts a format string to an ExportFormat
// Accepted values: "png", "jpeg" (or "jpg"), "geotiff" (or "tif")
func ParseExportFormat(format string) (ExportFormat, error) {
	switch format {
	case "png", "":
		return ExportPNG, nil
	case "jpeg", "jpg":
		return ExportJPEG, nil
	case "geotiff", "tif", "tiff":
		return ExportGeoTIFF, nil
	default:
		return "", errors.Errorf("invalid format: %s (must be 'png', 'jpeg', or 'geotiff')", format)
	}
}

// Ext returns the file extension for the format.
func (f ExportFormat) Ext() string {
	switch f {
	case ExportJPEG:
		return "jpg"
	case ExportGeoTIFF:
		return "tif"
	default:
		return "png"
	}
}
