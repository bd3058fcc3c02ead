package tileserver

import (
	"context"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/source"
	"tileview/internal/tile"
)

type fakeTiles struct {
	cached map[tile.Key]bool
	errs   map[tile.Key]error
	calls  []tile.Key
}

func (f *fakeTiles) Tile(ctx context.Context, key tile.Key) (*tile.Tile, bool, error) {
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return nil, false, err
	}
	return tile.Filled(key, color.RGBA{10, 20, 30, 255}), f.cached[key], nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServeTile(t *testing.T) {
	hit := tile.Key{X: 1, Y: 2, Zoom: 3, Layer: tile.LayerSatellite}
	tiles := &fakeTiles{cached: map[tile.Key]bool{hit: true}}
	h := NewServer(tiles, tile.FormatPNG, zap.NewNop()).Handler()

	rec := get(t, h, "/tiles/satellite/3/1/2.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("X-Cache-Status"); got != "HIT" {
		t.Errorf("X-Cache-Status = %q, want HIT", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if r, g, b, _ := img.At(5, 5).RGBA(); r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Errorf("pixel = %d,%d,%d", r>>8, g>>8, b>>8)
	}

	rec = get(t, h, "/tiles/map/3/4/5")
	if got := rec.Header().Get("X-Cache-Status"); got != "MISS" {
		t.Errorf("X-Cache-Status = %q, want MISS", got)
	}
	if len(tiles.calls) != 2 || tiles.calls[0] != hit {
		t.Errorf("calls = %v", tiles.calls)
	}
}

func TestServeTileBadRequest(t *testing.T) {
	tiles := &fakeTiles{}
	h := NewServer(tiles, "", zap.NewNop()).Handler()

	for _, path := range []string{
		"/tiles/terrain/1/0/0.png",
		"/tiles/map/a/0/0.png",
		"/tiles/map/1/2/0.png",
		"/tiles/map/1/0/-1.png",
		"/tiles/map/40/0/0.png",
	} {
		if rec := get(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
	if len(tiles.calls) != 0 {
		t.Errorf("invalid requests reached the cache: %v", tiles.calls)
	}
}

func TestServeTileErrors(t *testing.T) {
	missing := tile.Key{X: 0, Y: 0, Zoom: 1, Layer: tile.LayerMap}
	broken := tile.Key{X: 1, Y: 0, Zoom: 1, Layer: tile.LayerMap}
	tiles := &fakeTiles{errs: map[tile.Key]error{
		missing: errors.Wrap(source.ErrNotFound, "upstream"),
		broken:  errors.New("connection reset"),
	}}
	h := NewServer(tiles, tile.FormatPNG, zap.NewNop()).Handler()

	if rec := get(t, h, "/tiles/map/1/0/0.png"); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}

	rec := get(t, h, "/tiles/map/1/1/0.png")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache-Status") != "ERROR" {
		t.Fatalf("broken: status = %d, cache = %q", rec.Code, rec.Header().Get("X-Cache-Status"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("fallback tile alpha = %d, want 0", a)
	}
}

func TestPreflight(t *testing.T) {
	h := NewServer(&fakeTiles{}, tile.FormatPNG, zap.NewNop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/tiles/map/0/0/0.png", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := NewServer(&fakeTiles{}, tile.FormatJPEG, zap.NewNop())
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get(s.URL() + "/tiles/hybrid/0/0/0.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if want := s.URL() + "/tiles/hybrid/{z}/{x}/{y}.jpg"; s.Template(tile.LayerHybrid) != want {
		t.Errorf("Template = %q, want %q", s.Template(tile.LayerHybrid), want)
	}
}
