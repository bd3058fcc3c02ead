// Package geotiff writes uncompressed RGBA TIFF files carrying GeoTIFF
// georeferencing tags.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/draw"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

var ErrUnsupportedTag = errors.New("unsupported tag value type")

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Tags maps a TIFF tag to its value. Values may be []uint16 (SHORT),
// []uint32 (LONG), []float64 (DOUBLE) or string (ASCII).
type Tags map[uint16]interface{}

// Encode writes m to w as a single-strip little-endian RGBA TIFF with the
// given extra tags.
func Encode(w io.Writer, m image.Image, extra Tags) error {
	rgba := toRGBA(m)
	width, height := rgba.Rect.Dx(), rgba.Rect.Dy()
	if width == 0 || height == 0 {
		return errors.New("empty image")
	}
	pixels := rgba.Pix
	if rgba.Stride != 4*width {
		pixels = make([]byte, 0, 4*width*height)
		for y := 0; y < height; y++ {
			off := y * rgba.Stride
			pixels = append(pixels, rgba.Pix[off:off+4*width]...)
		}
	}

	entries := []ifdEntry{
		{TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width))},
		{TagType_ImageLength, DataType_Long, 1, enc32(uint32(height))},
		{TagType_BitsPerSample, DataType_Short, 4, enc16s([]uint16{8, 8, 8, 8})},
		{TagType_Compression, DataType_Short, 1, enc16(1)},
		{TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)},
		{TagType_SamplesPerPixel, DataType_Short, 1, enc16(4)},
		{TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height))},
		{TagType_XResolution, DataType_Rational, 1, encRational(72, 1)},
		{TagType_YResolution, DataType_Rational, 1, encRational(72, 1)},
		{TagType_ResolutionUnit, DataType_Short, 1, enc16(2)},
		// Unassociated alpha.
		{TagType_ExtraSamples, DataType_Short, 1, enc16(2)},
		// Patched once the layout is known.
		{TagType_StripOffsets, DataType_Long, 1, nil},
		{TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels)))},
	}

	for tag, val := range extra {
		e, err := entryFor(tag, val)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	sort.Sort(byTag(entries))

	// Header (8) | IFD (2 + 12n + 4) | out-of-line values | pixels
	const ifdOffset = 8
	valueOffset := ifdOffset + 2 + 12*len(entries) + 4

	var values bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		off := uint32(valueOffset + values.Len())
		values.Write(e.data)
		// Keep values word aligned.
		if values.Len()%2 == 1 {
			values.WriteByte(0)
		}
		e.data = enc32(off)
	}
	pixelOffset := uint32(valueOffset + values.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelOffset)
		}
	}

	var head bytes.Buffer
	head.Write([]byte{'I', 'I', 0x2A, 0x00})
	head.Write(enc32(ifdOffset))
	head.Write(enc16(uint16(len(entries))))
	for _, e := range entries {
		head.Write(enc16(e.tag))
		head.Write(enc16(e.datatype))
		head.Write(enc32(e.count))
		var val [4]byte
		copy(val[:], e.data)
		head.Write(val[:])
	}
	head.Write(enc32(0))

	if _, err := head.WriteTo(w); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := values.WriteTo(w); err != nil {
		return errors.Wrap(err, "write tag values")
	}
	if _, err := w.Write(pixels); err != nil {
		return errors.Wrap(err, "write pixels")
	}
	return nil
}

func entryFor(tag uint16, val interface{}) (ifdEntry, error) {
	switch v := val.(type) {
	case []uint16:
		return ifdEntry{tag, DataType_Short, uint32(len(v)), enc16s(v)}, nil
	case []uint32:
		b := make([]byte, 4*len(v))
		for i, x := range v {
			enc.PutUint32(b[i*4:], x)
		}
		return ifdEntry{tag, DataType_Long, uint32(len(v)), b}, nil
	case []float64:
		return ifdEntry{tag, DataType_Double, uint32(len(v)), encDoubles(v)}, nil
	case string:
		b := append([]byte(v), 0)
		return ifdEntry{tag, DataType_ASCII, uint32(len(b)), b}, nil
	default:
		return ifdEntry{}, errors.Wrapf(ErrUnsupportedTag, "tag %d: %T", tag, val)
	}
}

func toRGBA(m image.Image) *image.RGBA {
	if rgba, ok := m.(*image.RGBA); ok {
		return rgba
	}
	b := m.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, m, b.Min, draw.Src)
	return rgba
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
