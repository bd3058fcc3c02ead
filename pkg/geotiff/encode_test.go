package geotiff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 80), G: uint8(y * 100), B: 7, A: 255})
		}
	}
	return img
}

// readEntries parses the first IFD of a little-endian TIFF.
func readEntries(t *testing.T, data []byte) map[uint16]ifdEntry {
	t.Helper()
	le := binary.LittleEndian
	off := le.Uint32(data[4:8])
	n := int(le.Uint16(data[off:]))
	out := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		p := int(off) + 2 + 12*i
		e := ifdEntry{
			tag:      le.Uint16(data[p:]),
			datatype: le.Uint16(data[p+2:]),
			count:    le.Uint32(data[p+4:]),
		}
		size := int(e.count) * map[uint16]int{DataType_ASCII: 1, DataType_Short: 2, DataType_Long: 4, DataType_Rational: 8, DataType_Double: 8}[e.datatype]
		if size <= 4 {
			e.data = data[p+8 : p+8+size]
		} else {
			at := le.Uint32(data[p+8:])
			e.data = data[at : int(at)+size]
		}
		out[e.tag] = e
	}
	return out
}

func doubles(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

func TestEncodeDecodes(t *testing.T) {
	var buf bytes.Buffer
	src := testImage()
	if err := Encode(&buf, src, nil); err != nil {
		t.Fatal(err)
	}

	got, err := tiff.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v", got.Bounds())
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			r1, g1, b1, a1 := src.At(x, y).RGBA()
			r2, g2, b2, a2 := got.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got.At(x, y), src.At(x, y))
			}
		}
	}
}

func TestEncodeSubImage(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 10, 10))
	big.SetRGBA(5, 5, color.RGBA{R: 255, A: 255})
	sub := big.SubImage(image.Rect(5, 5, 7, 7))

	var buf bytes.Buffer
	if err := Encode(&buf, sub, nil); err != nil {
		t.Fatal(err)
	}
	got, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Bounds().Dx() != 2 {
		t.Fatalf("width = %d", got.Bounds().Dx())
	}
	if r, _, _, _ := got.At(0, 0).RGBA(); r != 0xffff {
		t.Errorf("origin pixel red = %x", r)
	}
}

func TestGeoReferenceTags(t *testing.T) {
	ref := GeoReference{
		OriginX:     -9168019.6,
		OriginY:     3482107.9,
		PixelWidth:  152.87,
		PixelHeight: -152.87,
		Description: "map z10",
		Software:    "tileview",
	}
	var buf bytes.Buffer
	if err := EncodeGeo(&buf, testImage(), ref); err != nil {
		t.Fatal(err)
	}
	entries := readEntries(t, buf.Bytes())

	keys := entries[TagType_GeoKeyDirectoryTag]
	if keys.count != 16 {
		t.Fatalf("geo key count = %d", keys.count)
	}
	if epsg := binary.LittleEndian.Uint16(keys.data[30:]); epsg != EPSGWebMercator {
		t.Errorf("EPSG = %d", epsg)
	}
	if diff := cmp.Diff([]float64{152.87, 152.87, 0}, doubles(entries[TagType_ModelPixelScaleTag].data)); diff != "" {
		t.Errorf("pixel scale (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 0, 0, -9168019.6, 3482107.9, 0}, doubles(entries[TagType_ModelTiepointTag].data)); diff != "" {
		t.Errorf("tie point (-want +got):\n%s", diff)
	}
	if got := string(entries[TagType_Software].data); got != "tileview\x00" {
		t.Errorf("software = %q", got)
	}

	// Geo tags must not break plain TIFF readers.
	if _, err := tiff.Decode(bytes.NewReader(buf.Bytes())); err != nil {
		t.Errorf("decode: %v", err)
	}
}

func TestUnsupportedTag(t *testing.T) {
	err := Encode(&bytes.Buffer{}, testImage(), Tags{40000: 3.5})
	if !errors.Is(err, ErrUnsupportedTag) {
		t.Errorf("err = %v, want ErrUnsupportedTag", err)
	}
}
