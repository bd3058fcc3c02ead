package source

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/ratelimit"
	"tileview/internal/tile"
)

func TestHTTPSourceURL(t *testing.T) {
	s := NewHTTP(HTTPOptions{Templates: map[tile.Layer]string{
		tile.LayerMap: "https://example.com/{z}/{x}/{y}.png?q={q}",
	}}, zap.NewNop())

	got, err := s.URL(tile.Key{X: 3, Y: 5, Zoom: 3, Layer: tile.LayerMap})
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://example.com/3/3/5.png?q=213"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
	if _, err := s.URL(tile.Key{Layer: "terrain"}); !errors.Is(err, tile.ErrUnknownLayer) {
		t.Errorf("unknown layer error = %v", err)
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		switch r.URL.Path {
		case "/1/0/0":
			w.Write([]byte("tile-bytes"))
		case "/1/1/0":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	limiter := ratelimit.NewHandler(nil, zap.NewNop())
	s := NewHTTP(HTTPOptions{
		Templates: map[tile.Layer]string{tile.LayerMap: srv.URL + "/{z}/{x}/{y}"},
		UserAgent: "tileview-test",
		Limiter:   limiter,
	}, zap.NewNop())
	ctx := context.Background()

	data, err := s.FetchTile(ctx, tile.Key{X: 0, Y: 0, Zoom: 1, Layer: tile.LayerMap})
	if err != nil || string(data) != "tile-bytes" {
		t.Fatalf("FetchTile() = %q, %v", data, err)
	}
	if ua, _ := gotUA.Load().(string); ua != "tileview-test" {
		t.Errorf("User-Agent = %q", ua)
	}

	if _, err := s.FetchTile(ctx, tile.Key{X: 0, Y: 1, Zoom: 1, Layer: tile.LayerMap}); !errors.Is(err, ErrNotFound) {
		t.Errorf("404 error = %v, want ErrNotFound", err)
	}

	if _, err := s.FetchTile(ctx, tile.Key{X: 1, Y: 0, Zoom: 1, Layer: tile.LayerMap}); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("429 error = %v, want ErrRateLimited", err)
	}
	// The provider is now paused, so even good tiles are refused locally.
	if _, err := s.FetchTile(ctx, tile.Key{X: 0, Y: 0, Zoom: 1, Layer: tile.LayerMap}); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("paused provider error = %v", err)
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	key := tile.Key{X: 2, Y: 1, Zoom: 3, Layer: tile.LayerSatellite}
	dir := filepath.Join(root, "satellite", "3", "2")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.jpg"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewDir(root)
	data, err := s.FetchTile(context.Background(), key)
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("FetchTile() = %q, %v", data, err)
	}
	key.Y = 0
	if _, err := s.FetchTile(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing tile error = %v", err)
	}
}

func TestGridSource(t *testing.T) {
	key := tile.Key{X: 1, Y: 2, Zoom: 3, Layer: tile.LayerHybrid}
	data, err := NewGrid().FetchTile(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != tile.Size || b.Dy() != tile.Size {
		t.Errorf("bounds = %v", b)
	}
	if _, err := tile.Decode(key, data); err != nil {
		t.Errorf("grid tile does not decode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewGrid().FetchTile(ctx, key); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled fetch error = %v", err)
	}
}

func TestFunc(t *testing.T) {
	var s Source = Func(func(ctx context.Context, key tile.Key) ([]byte, error) {
		return []byte(key.String()), nil
	})
	data, _ := s.FetchTile(context.Background(), tile.Key{Zoom: 1, Layer: tile.LayerMap})
	if string(data) != "map/1/0/0" {
		t.Errorf("Func = %q", data)
	}
}
