package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"

	"tileview/internal/tile"
)

// NoFallbackBridging as MaxFallbackDistance turns GetWithFallback into an
// exact lookup.
const NoFallbackBridging = -1

// Options configures a Store.
type Options struct {
	// Dir is the disk tier root. Empty keeps the store memory-only.
	Dir       string
	MaxSizeMB int
	TTLDays   int

	// MemoryTilesPerZoom caps each zoom tier of the memory LRU.
	MemoryTilesPerZoom int

	// MaxFallbackDistance is the largest zoom difference GetWithFallback
	// will bridge. Zero selects the default; NoFallbackBridging disables it.
	MaxFallbackDistance int

	// Format is the on-disk encoding.
	Format tile.Format
}

// DefaultOptions returns default cache configuration
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:           250, // 250 MB default
		TTLDays:             30,  // 30 days default
		MemoryTilesPerZoom:  256,
		MaxFallbackDistance: 4,
		Format:              tile.FormatPNG,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = d.MaxSizeMB
	}
	if o.TTLDays < 0 {
		o.TTLDays = 0
	}
	if o.MemoryTilesPerZoom <= 0 {
		o.MemoryTilesPerZoom = d.MemoryTilesPerZoom
	}
	switch {
	case o.MaxFallbackDistance == 0:
		o.MaxFallbackDistance = d.MaxFallbackDistance
	case o.MaxFallbackDistance < 0:
		o.MaxFallbackDistance = NoFallbackBridging
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	return o
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin": // macOS
		return filepath.Join(homeDir, "Library", "Caches", "tileview", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "tileview", "cache", "tiles")
	default: // Linux and others
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "tileview", "tiles")
	}
}
