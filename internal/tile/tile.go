package tile

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

var ErrDecode = errors.New("tile decode failed")

// Format is an on-disk tile encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// Tile is a decoded Size x Size image. A stored Tile is never mutated;
// replacing a tile means storing a new value.
type Tile struct {
	Key   Key
	Image *image.RGBA

	// Preview is set on tiles synthesised from another zoom level.
	Preview bool
}

// New copies img into a fresh tile, scaling it to Size x Size if needed.
func New(key Key, img image.Image) *Tile {
	dst := image.NewRGBA(image.Rect(0, 0, Size, Size))
	b := img.Bounds()
	if b.Dx() == Size && b.Dy() == Size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	return &Tile{Key: key, Image: dst}
}

// Filled returns a tile of a single colour.
func Filled(key Key, c color.Color) *Tile {
	dst := image.NewRGBA(image.Rect(0, 0, Size, Size))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return &Tile{Key: key, Image: dst}
}

// Decode decodes PNG, JPEG or WebP bytes into a tile.
func Decode(key Key, data []byte) (*Tile, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", key, err)
	}
	return New(key, img), nil
}

// Encode writes the tile image in the given format.
func (t *Tile) Encode(w io.Writer, f Format) error {
	switch f {
	case FormatJPEG:
		return jpeg.Encode(w, t.Image, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(w, t.Image)
	}
}

// SamePixels reports whether two tiles carry identical pixel data.
func SamePixels(a, b *Tile) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Image.Bounds() == b.Image.Bounds() && bytes.Equal(a.Image.Pix, b.Image.Pix)
}
