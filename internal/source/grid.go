package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"tileview/internal/tile"
)

var gridBackgrounds = map[tile.Layer]color.RGBA{
	tile.LayerMap:       {200, 220, 255, 255},
	tile.LayerSatellite: {90, 110, 80, 255},
	tile.LayerHybrid:    {120, 100, 140, 255},
}

// GridSource renders labelled debug tiles without any I/O.
type GridSource struct{}

func NewGrid() *GridSource {
	return &GridSource{}
}

func (s *GridSource) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, GridImage(key)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GridImage draws the debug tile for key.
func GridImage(key tile.Key) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size))

	bg, ok := gridBackgrounds[key.Layer]
	if !ok {
		bg = gridBackgrounds[tile.LayerMap]
	}
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	drawLabel(img, fmt.Sprintf("%d/%d/%d", key.Zoom, key.X, key.Y))

	borderColor := color.RGBA{100, 100, 100, 255}
	borders := []image.Rectangle{
		image.Rect(0, 0, tile.Size, 1),
		image.Rect(0, tile.Size-1, tile.Size, tile.Size),
		image.Rect(0, 0, 1, tile.Size),
		image.Rect(tile.Size-1, 0, tile.Size, tile.Size),
	}
	for _, r := range borders {
		draw.Draw(img, r, image.NewUniform(borderColor), image.Point{}, draw.Src)
	}
	return img
}

func drawLabel(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	textWidth := d.MeasureString(text).Round()
	textHeight := face.Metrics().Height.Round()
	mid := tile.Size / 2

	padding := 10
	bgRect := image.Rect(
		(tile.Size-textWidth)/2-padding,
		mid-textHeight/2-padding,
		(tile.Size+textWidth)/2+padding,
		mid+textHeight/2+padding,
	)
	draw.Draw(img, bgRect, image.NewUniform(color.RGBA{255, 255, 255, 220}), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I((tile.Size - textWidth) / 2),
		Y: fixed.I(mid + textHeight/2),
	}
	d.DrawString(text)
}
