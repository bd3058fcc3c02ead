// Package tileserver serves cached tiles over HTTP as an XYZ endpoint, so
// other map clients can share the tile cache.
package tileserver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/fetchqueue"
	"tileview/internal/source"
	"tileview/internal/tile"
)

// Tiles resolves a tile from the cache or its source.
type Tiles interface {
	Tile(ctx context.Context, key tile.Key) (t *tile.Tile, cached bool, err error)
}

// Server manages the tile server HTTP server
type Server struct {
	tiles  Tiles
	format tile.Format
	log    *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
	url        string
}

// NewServer creates a tile server answering from tiles in the given format.
func NewServer(tiles Tiles, format tile.Format, log *zap.Logger) *Server {
	if format == "" {
		format = tile.FormatPNG
	}
	return &Server{
		tiles:  tiles,
		format: format,
		log:    log.Named("tileserver"),
	}
}

// URL returns the base URL once Start succeeded.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Template returns the XYZ template clients should use for layer.
func (s *Server) Template(layer tile.Layer) string {
	return fmt.Sprintf("%s/tiles/%s/{z}/{x}/{y}.%s", s.URL(), layer, s.format.Ext())
}

// Handler returns the routes:
//
//	GET /tiles/{layer}/{z}/{x}/{y}[.png|.jpg]
//	GET /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return corsMiddleware(mux)
}

// corsMiddleware lets browser map clients on any origin read the tiles.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseKey(r *http.Request) (tile.Key, error) {
	layer, err := tile.ParseLayer(r.PathValue("layer"))
	if err != nil {
		return tile.Key{}, err
	}
	y := r.PathValue("y")
	if i := strings.IndexByte(y, '.'); i >= 0 {
		y = y[:i]
	}
	var key tile.Key
	key.Layer = layer
	for _, f := range []struct {
		dst  *int
		name string
		val  string
	}{
		{&key.Zoom, "zoom level", r.PathValue("z")},
		{&key.X, "X coordinate", r.PathValue("x")},
		{&key.Y, "Y coordinate", y},
	} {
		n, err := strconv.Atoi(f.val)
		if err != nil {
			return tile.Key{}, errors.Errorf("invalid %s %q", f.name, f.val)
		}
		*f.dst = n
	}
	if !key.Valid() {
		return tile.Key{}, errors.Wrapf(fetchqueue.ErrInvalidKey, "%s", key)
	}
	return key, nil
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, cached, err := s.tiles.Tile(r.Context(), key)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, source.ErrNotFound):
		http.Error(w, "tile not found", http.StatusNotFound)
		return
	default:
		// Map clients keep retrying failed tiles; a transparent tile keeps
		// the view usable.
		s.log.Debug("failed to fetch tile", zap.Stringer("key", key), zap.Error(err))
		w.Header().Set("X-Cache-Status", "ERROR")
		s.serveTransparentTile(w)
		return
	}

	var buf bytes.Buffer
	if err := t.Encode(&buf, s.format); err != nil {
		s.log.Warn("failed to encode tile", zap.Stringer("key", key), zap.Error(err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}

	status := "MISS"
	if cached {
		status = "HIT"
	}
	w.Header().Set("Content-Type", contentType(s.format))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Cache-Status", status)
	w.Write(buf.Bytes())
}

var transparentTile = func() []byte {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, tile.Size, tile.Size)))
	return buf.Bytes()
}()

func (s *Server) serveTransparentTile(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(transparentTile)
}

func contentType(f tile.Format) string {
	if f == tile.FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in
// the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to start tile server")
	}

	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.httpServer = srv
	s.url = "http://" + listener.Addr().String()
	s.mu.Unlock()
	s.log.Info("tile server started", zap.String("url", s.URL()))

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("tile server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
