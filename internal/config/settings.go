package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"tileview/internal/geo"
	"tileview/internal/tile"
)

var ErrInvalid = errors.New("invalid settings")

// Settings represents persistent user preferences
type Settings struct {
	// Cache settings
	CacheDir            string `json:"cacheDir" hcl:"cache_dir,optional"`
	CacheMaxSizeMB      int    `json:"cacheMaxSizeMB" hcl:"cache_max_size_mb,optional"`
	CacheTTLDays        int    `json:"cacheTTLDays" hcl:"cache_ttl_days,optional"`
	MemoryTilesPerZoom  int    `json:"memoryTilesPerZoom" hcl:"memory_tiles_per_zoom,optional"`
	// MaxFallbackDistance of 0 means the default; -1 disables cross-zoom previews.
	MaxFallbackDistance int    `json:"maxFallbackDistance" hcl:"max_fallback_distance,optional"`

	// Fetch settings
	FetchConcurrency    int               `json:"fetchConcurrency" hcl:"fetch_concurrency,optional"`
	FetchTimeoutSeconds int               `json:"fetchTimeoutSeconds" hcl:"fetch_timeout_seconds,optional"`
	FetchRetries        int               `json:"fetchRetries" hcl:"fetch_retries,optional"`
	CoolDownSeconds     int               `json:"coolDownSeconds" hcl:"cool_down_seconds,optional"`
	Templates           map[string]string `json:"templates,omitempty" hcl:"templates,optional"`
	UserAgent           string            `json:"userAgent,omitempty" hcl:"user_agent,optional"`
	Offline             bool              `json:"offline" hcl:"offline,optional"`

	// Default map settings
	DefaultZoom      int     `json:"defaultZoom" hcl:"default_zoom,optional"`
	DefaultLayer     string  `json:"defaultLayer" hcl:"default_layer,optional"`
	DefaultCenterLat float64 `json:"defaultCenterLat" hcl:"default_center_lat,optional"`
	DefaultCenterLon float64 `json:"defaultCenterLon" hcl:"default_center_lon,optional"`
	// FallbackZoom is the cached zoom blended under missing tiles; -1 disables it.
	FallbackZoom int    `json:"fallbackZoom" hcl:"fallback_zoom,optional"`
	ExportPath   string `json:"exportPath" hcl:"export_path,optional"`

	LogLevel      string `json:"logLevel" hcl:"log_level,optional"`
	TelemetryKey  string `json:"telemetryKey,omitempty" hcl:"telemetry_key,optional"`
	TelemetryHost string `json:"telemetryHost,omitempty" hcl:"telemetry_host,optional"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()

	return &Settings{
		CacheMaxSizeMB:      250,
		CacheTTLDays:        30,
		MemoryTilesPerZoom:  256,
		MaxFallbackDistance: 4,
		FetchConcurrency:    4,
		FetchTimeoutSeconds: 15,
		FetchRetries:        2,
		CoolDownSeconds:     30,
		DefaultZoom:         10,
		DefaultLayer:        string(tile.LayerMap),
		DefaultCenterLat:    30.0444, // Cairo, Egypt
		DefaultCenterLon:    31.2357,
		FallbackZoom:        -1,
		ExportPath:          filepath.Join(homeDir, "Downloads", "tileview"),
		LogLevel:            "info",
		TelemetryHost:       "https://us.i.posthog.com",
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tileview", "settings.json")
}

// LoadSettings reads path, or the default settings file when path is empty.
// Files ending in .hcl are decoded as HCL, everything else as JSON. A
// missing default file yields defaults. Unset fields take their defaults and
// TILEVIEW_* environment variables override the result.
func LoadSettings(path string) (*Settings, error) {
	explicit := path != ""
	if !explicit {
		path = GetSettingsPath()
	}

	settings := &Settings{FallbackZoom: -1}
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		settings = DefaultSettings()
	} else {
		var err error
		if strings.EqualFold(filepath.Ext(path), ".hcl") {
			err = decodeHCL(path, settings)
		} else {
			err = decodeJSON(path, settings)
		}
		if err != nil {
			return nil, err
		}
		settings.mergeDefaults(DefaultSettings())
	}

	settings.applyEnv()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func decodeJSON(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read settings file")
	}
	if err := json.Unmarshal(data, s); err != nil {
		return errors.Wrap(err, "failed to parse settings")
	}
	return nil
}

func decodeHCL(path string, s *Settings) error {
	if err := hclsimple.DecodeFile(path, newHCLEvalContext(), s); err != nil {
		return errors.Wrap(err, "failed to parse settings")
	}
	return nil
}

// newHCLEvalContext exposes home and cache_home variables and an env()
// function to HCL settings files.
func newHCLEvalContext() *hcl.EvalContext {
	homeDir, _ := os.UserHomeDir()
	cacheHome, err := os.UserCacheDir()
	if err != nil {
		cacheHome = filepath.Join(homeDir, ".cache")
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"home":       cty.StringVal(homeDir),
			"cache_home": cty.StringVal(cacheHome),
		},
		Functions: map[string]function.Function{
			"env": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "name", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					return cty.StringVal(os.Getenv(args[0].AsString())), nil
				},
			}),
		},
	}
}

// mergeDefaults fills zero fields from d.
func (s *Settings) mergeDefaults(d *Settings) {
	if s.CacheMaxSizeMB == 0 {
		s.CacheMaxSizeMB = d.CacheMaxSizeMB
	}
	if s.CacheTTLDays == 0 {
		s.CacheTTLDays = d.CacheTTLDays
	}
	if s.MemoryTilesPerZoom == 0 {
		s.MemoryTilesPerZoom = d.MemoryTilesPerZoom
	}
	if s.MaxFallbackDistance == 0 {
		s.MaxFallbackDistance = d.MaxFallbackDistance
	}
	if s.FetchConcurrency == 0 {
		s.FetchConcurrency = d.FetchConcurrency
	}
	if s.FetchTimeoutSeconds == 0 {
		s.FetchTimeoutSeconds = d.FetchTimeoutSeconds
	}
	if s.CoolDownSeconds == 0 {
		s.CoolDownSeconds = d.CoolDownSeconds
	}
	if s.DefaultZoom == 0 {
		s.DefaultZoom = d.DefaultZoom
	}
	if s.DefaultLayer == "" {
		s.DefaultLayer = d.DefaultLayer
	}
	if s.ExportPath == "" {
		s.ExportPath = d.ExportPath
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.TelemetryHost == "" {
		s.TelemetryHost = d.TelemetryHost
	}
}

// SaveSettings writes settings as JSON to path, or to the default location
// when path is empty.
func SaveSettings(path string, settings *Settings) error {
	if path == "" {
		path = GetSettingsPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create settings directory")
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal settings")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write settings file")
	}

	return nil
}

// Validate checks ranges and names.
func (s *Settings) Validate() error {
	if s.CacheMaxSizeMB < 0 || s.CacheTTLDays < 0 || s.MemoryTilesPerZoom < 0 {
		return errors.Wrap(ErrInvalid, "cache sizes must not be negative")
	}
	if s.MaxFallbackDistance < -1 {
		return errors.Wrapf(ErrInvalid, "max fallback distance %d", s.MaxFallbackDistance)
	}
	if s.FetchConcurrency < 1 {
		return errors.Wrapf(ErrInvalid, "fetch concurrency %d", s.FetchConcurrency)
	}
	if s.FetchRetries < 0 || s.FetchTimeoutSeconds < 0 || s.CoolDownSeconds < 0 {
		return errors.Wrap(ErrInvalid, "fetch timings must not be negative")
	}
	if err := geo.ValidateZoom(s.DefaultZoom); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if s.FallbackZoom != -1 {
		if err := geo.ValidateZoom(s.FallbackZoom); err != nil {
			return errors.Wrap(ErrInvalid, "fallback: "+err.Error())
		}
	}
	if _, err := tile.ParseLayer(s.DefaultLayer); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	for name := range s.Templates {
		if _, err := tile.ParseLayer(name); err != nil {
			return errors.Wrapf(ErrInvalid, "template for %q", name)
		}
	}
	return nil
}
