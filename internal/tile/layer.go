package tile

import "github.com/pkg/errors"

// Layer selects which imagery a tile carries.
type Layer string

// Layer constants double as cache directory names.
const (
	// LayerMap is the street map rendering
	LayerMap Layer = "map"

	// LayerSatellite is aerial imagery
	LayerSatellite Layer = "satellite"

	// LayerHybrid is aerial imagery with labels
	LayerHybrid Layer = "hybrid"
)

// Layers lists every supported layer.
var Layers = []Layer{LayerMap, LayerSatellite, LayerHybrid}

var ErrUnknownLayer = errors.New("unknown layer")

// ParseLayer maps a layer name to a Layer. The empty string selects LayerMap.
func ParseLayer(s string) (Layer, error) {
	switch Layer(s) {
	case "", LayerMap:
		return LayerMap, nil
	case LayerSatellite, LayerHybrid:
		return Layer(s), nil
	default:
		return "", errors.Wrapf(ErrUnknownLayer, "%q (must be 'map', 'satellite', or 'hybrid')", s)
	}
}

// DisplayName is the human-readable name of the layer.
func (l Layer) DisplayName() string {
	switch l {
	case LayerSatellite:
		return "Satellite"
	case LayerHybrid:
		return "Hybrid"
	default:
		return "Map"
	}
}
