package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tileview/internal/ratelimit"
	"tileview/internal/tile"
)

const DefaultUserAgent = "tileview/1.0 (+https://github.com/tileview/tileview)"

// DefaultTemplates are public XYZ endpoints per layer.
var DefaultTemplates = map[tile.Layer]string{
	tile.LayerMap:       "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
	tile.LayerSatellite: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
	tile.LayerHybrid:    "https://ecn.t0.tiles.virtualearth.net/tiles/h{q}.jpeg?g=1",
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	// Templates maps a layer to a URL with {z}, {x}, {y} and {q} (quadkey)
	// placeholders. Missing layers use DefaultTemplates.
	Templates map[tile.Layer]string
	UserAgent string
	Timeout   time.Duration
	Limiter   *ratelimit.Handler
}

// HTTPSource fetches tiles from XYZ tile servers.
type HTTPSource struct {
	httpClient *http.Client
	templates  map[tile.Layer]string
	userAgent  string
	limiter    *ratelimit.Handler
	log        *zap.Logger
}

// NewHTTP creates an HTTP source with system proxy support.
func NewHTTP(opts HTTPOptions, log *zap.Logger) *HTTPSource {
	templates := make(map[tile.Layer]string, len(DefaultTemplates))
	for l, t := range DefaultTemplates {
		templates[l] = t
	}
	for l, t := range opts.Templates {
		if t != "" {
			templates[l] = t
		}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewHandler(nil, log)
	}

	return &HTTPSource{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		templates: templates,
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
		log:       log.Named("source.http"),
	}
}

// URL expands the template of key's layer.
func (s *HTTPSource) URL(key tile.Key) (string, error) {
	tmpl, ok := s.templates[key.Layer]
	if !ok {
		return "", errors.Wrapf(tile.ErrUnknownLayer, "no URL template for %q", key.Layer)
	}
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
		"{q}", key.Quadkey(),
	)
	return r.Replace(tmpl), nil
}

// provider is the rate limit bucket for a layer: the template's host.
func (s *HTTPSource) provider(tileURL string) string {
	rest := tileURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// FetchTile downloads one tile.
func (s *HTTPSource) FetchTile(ctx context.Context, key tile.Key) ([]byte, error) {
	tileURL, err := s.URL(key)
	if err != nil {
		return nil, err
	}
	provider := s.provider(tileURL)
	if s.limiter.IsRateLimited(provider) {
		return nil, errors.Wrap(ratelimit.ErrRateLimited, provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch tile %s", key)
	}
	defer resp.Body.Close()

	if err := s.limiter.CheckResponse(provider, resp.StatusCode); err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, errors.Wrapf(ErrNotFound, "%s: HTTP %d", key, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tile request %s failed with status: %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read tile %s", key)
	}
	s.log.Debug("fetched tile", zap.Stringer("key", key), zap.Int("bytes", len(data)))
	return data, nil
}
