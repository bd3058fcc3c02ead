// Package wmts reads OGC WMTS capabilities documents so their RESTful tile
// templates can be used as XYZ layer templates.
package wmts

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var ErrNoLayers = errors.New("no layers found in capabilities")

// WebMercatorMatrixSet is the well-known tile matrix set matching XYZ tiles.
const WebMercatorMatrixSet = "GoogleMapsCompatible"

// WMTS XML structures for parsing capabilities
type Capabilities struct {
	XMLName  xml.Name `xml:"Capabilities"`
	Contents Contents `xml:"Contents"`
}

type Contents struct {
	Layers []Layer `xml:"Layer"`
}

type Layer struct {
	Title              string              `xml:"http://www.opengis.net/ows/1.1 Title"`
	Abstract           string              `xml:"http://www.opengis.net/ows/1.1 Abstract"`
	Identifier         string              `xml:"http://www.opengis.net/ows/1.1 Identifier"`
	TileMatrixSetLinks []TileMatrixSetLink `xml:"TileMatrixSetLink"`
	ResourceURL        []ResourceURL       `xml:"ResourceURL"`
}

type TileMatrixSetLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type ResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

// LayerInfo is one layer reduced to what an XYZ source needs.
type LayerInfo struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	TileMatrixSet string `json:"tileMatrixSet"`
	Template      string `json:"template"`
	Format        string `json:"format"`
}

// Parse decodes a capabilities document.
func Parse(r io.Reader) (*Capabilities, error) {
	var caps Capabilities
	if err := xml.NewDecoder(r).Decode(&caps); err != nil {
		return nil, errors.Wrap(err, "failed to parse capabilities")
	}
	if len(caps.Contents.Layers) == 0 {
		return nil, ErrNoLayers
	}
	return &caps, nil
}

// FetchCapabilities downloads and parses the capabilities document at url.
func FetchCapabilities(ctx context.Context, client *http.Client, url string) (*Capabilities, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch capabilities")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch capabilities: HTTP %d", resp.StatusCode)
	}
	return Parse(resp.Body)
}

// Layers extracts the layers that publish a tile ResourceURL, with their
// templates already converted to XYZ placeholders.
func (c *Capabilities) Layers() []LayerInfo {
	var layers []LayerInfo
	for _, layer := range c.Contents.Layers {
		info := LayerInfo{
			Name:        layer.Identifier,
			Title:       layer.Title,
			Description: layer.Abstract,
		}
		if len(layer.TileMatrixSetLinks) > 0 {
			info.TileMatrixSet = layer.TileMatrixSetLinks[0].TileMatrixSet
		}
		for _, res := range layer.ResourceURL {
			if res.ResourceType == "tile" {
				info.Template = ConvertTemplateToXYZ(res.Template, info.TileMatrixSet)
				info.Format = res.Format
				break
			}
		}
		if info.Template == "" {
			continue
		}
		layers = append(layers, info)
	}
	return layers
}

// Find returns the layer with the given identifier.
func (c *Capabilities) Find(name string) (LayerInfo, bool) {
	for _, l := range c.Layers() {
		if l.Name == name {
			return l, true
		}
	}
	return LayerInfo{}, false
}

// ConvertTemplateToXYZ rewrites WMTS placeholders to {z}/{x}/{y}.
// {TileMatrixSet} is filled with matrixSet and {Style} with "default".
// Templates without WMTS placeholders are returned unchanged.
//
// Example: .../wmts/{TileMatrixSet}/{TileMatrix}/{TileRow}/{TileCol}.jpg
// becomes  .../wmts/g/{z}/{y}/{x}.jpg
func ConvertTemplateToXYZ(template, matrixSet string) string {
	r := strings.NewReplacer(
		"{TileMatrix}", "{z}",
		"{TileCol}", "{x}",
		"{TileRow}", "{y}",
		"{TileMatrixSet}", matrixSet,
		"{Style}", "default",
		"{style}", "default",
	)
	return r.Replace(template)
}
