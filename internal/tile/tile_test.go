package tile

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestKeyValid(t *testing.T) {
	tests := []struct {
		key  Key
		want bool
	}{
		{Key{0, 0, 0, LayerMap}, true},
		{Key{1, 0, 0, LayerMap}, false},
		{Key{3, 3, 2, LayerMap}, true},
		{Key{4, 0, 2, LayerMap}, false},
		{Key{0, -1, 2, LayerMap}, false},
		{Key{0, 0, 22, LayerMap}, false},
	}
	for _, tt := range tests {
		if got := tt.key.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestKeyWrap(t *testing.T) {
	tests := []struct {
		in, want Key
	}{
		{Key{-1, 0, 2, LayerMap}, Key{3, 0, 2, LayerMap}},
		{Key{4, 1, 2, LayerMap}, Key{0, 1, 2, LayerMap}},
		{Key{9, -1, 2, LayerMap}, Key{1, -1, 2, LayerMap}},
	}
	for _, tt := range tests {
		if got := tt.in.Wrap(); got != tt.want {
			t.Errorf("%v.Wrap() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAncestorDescendants(t *testing.T) {
	k := Key{X: 13, Y: 6, Zoom: 5, Layer: LayerSatellite}
	if got, want := k.Ancestor(3), (Key{X: 3, Y: 1, Zoom: 3, Layer: LayerSatellite}); got != want {
		t.Errorf("Ancestor() = %v, want %v", got, want)
	}

	parent := Key{X: 1, Y: 2, Zoom: 3, Layer: LayerMap}
	want := []Key{
		{2, 4, 4, LayerMap}, {3, 4, 4, LayerMap},
		{2, 5, 4, LayerMap}, {3, 5, 4, LayerMap},
	}
	if diff := cmp.Diff(want, parent.Descendants(4)); diff != "" {
		t.Errorf("Descendants() mismatch (-want +got):\n%s", diff)
	}
	for _, d := range parent.Descendants(6) {
		if d.Ancestor(3) != parent {
			t.Fatalf("%v is not a descendant of %v", d, parent)
		}
	}
}

func TestNeighbors(t *testing.T) {
	if got := len((Key{X: 2, Y: 2, Zoom: 3}).Neighbors()); got != 8 {
		t.Errorf("interior neighbours = %d, want 8", got)
	}
	// Top row: no row above, columns wrap.
	top := Key{X: 0, Y: 0, Zoom: 3}.Neighbors()
	if len(top) != 5 {
		t.Errorf("top edge neighbours = %d, want 5", len(top))
	}
	found := false
	for _, n := range top {
		if n.X == 7 && n.Y == 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("wrapped neighbour missing from %v", top)
	}
	if got := len((Key{Zoom: 0}).Neighbors()); got != 0 {
		t.Errorf("zoom 0 neighbours = %d, want 0", got)
	}
}

func TestParseLayer(t *testing.T) {
	for _, l := range Layers {
		got, err := ParseLayer(string(l))
		if err != nil || got != l {
			t.Errorf("ParseLayer(%q) = %v, %v", l, got, err)
		}
	}
	if got, _ := ParseLayer(""); got != LayerMap {
		t.Errorf("default layer = %v", got)
	}
	if _, err := ParseLayer("terrain"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("ParseLayer(terrain) error = %v", err)
	}
}

func TestDecodePNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, Size, Size))
	for i := range src.Pix {
		src.Pix[i] = uint8(i)
	}
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	key := Key{X: 1, Y: 1, Zoom: 1, Layer: LayerMap}
	got, err := Decode(key, buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Key != key {
		t.Errorf("key = %v", got.Key)
	}
	if !bytes.Equal(got.Image.Pix, src.Pix) {
		t.Error("decoded pixels differ from source")
	}
}

func TestDecodeScalesOddSizes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 512, 512))
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(Key{}, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.Image.Bounds() != image.Rect(0, 0, Size, Size) {
		t.Errorf("bounds = %v", got.Image.Bounds())
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(Key{}, []byte("not an image")); !errors.Is(err, ErrDecode) {
		t.Errorf("Decode() error = %v, want ErrDecode", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	orig := Filled(Key{Zoom: 2}, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := orig.Encode(&buf, FormatPNG); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(orig.Key, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !SamePixels(orig, got) {
		t.Error("PNG round trip changed pixels")
	}
}
