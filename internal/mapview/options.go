package mapview

import (
	"time"

	"tileview/internal/cache"
	"tileview/internal/common"
	"tileview/internal/config"
	"tileview/internal/fetchqueue"
	"tileview/internal/ratelimit"
	"tileview/internal/source"
	"tileview/internal/tile"
	"tileview/internal/wmts"
)

// Options configures a Map.
type Options struct {
	Cache cache.Options
	Queue fetchqueue.Options
	// MaxPixels bounds one draw buffer; zero keeps the compositor default.
	MaxPixels int
	// Adjacent prefetches the ring around every completed draw.
	Adjacent bool
	// FallbackZoom is the cached zoom shown under missing tiles, or
	// common.NoFallback.
	FallbackZoom int
}

func DefaultOptions() Options {
	return Options{
		Cache:        cache.DefaultOptions(),
		Queue:        fetchqueue.DefaultOptions(),
		Adjacent:     true,
		FallbackZoom: common.NoFallback,
	}
}

// OptionsFromSettings maps user settings onto Map options.
func OptionsFromSettings(s *config.Settings) Options {
	o := DefaultOptions()
	o.Cache.Dir = s.CacheDir
	o.Cache.MaxSizeMB = s.CacheMaxSizeMB
	o.Cache.TTLDays = s.CacheTTLDays
	o.Cache.MemoryTilesPerZoom = s.MemoryTilesPerZoom
	o.Cache.MaxFallbackDistance = s.MaxFallbackDistance

	o.Queue.Concurrency = s.FetchConcurrency
	o.Queue.FetchTimeout = time.Duration(s.FetchTimeoutSeconds) * time.Second
	o.Queue.CoolDown = time.Duration(s.CoolDownSeconds) * time.Second
	o.Queue.Offline = s.Offline
	retry := ratelimit.TileRetryStrategy()
	retry.MaxRetries = s.FetchRetries
	o.Queue.Retry = retry

	o.FallbackZoom = s.FallbackZoom
	return o
}

// HTTPOptionsFromSettings builds the HTTP source options of s.
func HTTPOptionsFromSettings(s *config.Settings, limiter *ratelimit.Handler) source.HTTPOptions {
	templates := make(map[tile.Layer]string, len(s.Templates))
	for name, t := range s.Templates {
		if l, err := tile.ParseLayer(name); err == nil {
			templates[l] = wmts.ConvertTemplateToXYZ(t, wmts.WebMercatorMatrixSet)
		}
	}
	return source.HTTPOptions{
		Templates: templates,
		UserAgent: s.UserAgent,
		Timeout:   time.Duration(s.FetchTimeoutSeconds) * time.Second,
		Limiter:   limiter,
	}
}
