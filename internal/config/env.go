package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides, applied after the settings file.
const (
	EnvCacheDir     = "TILEVIEW_CACHE_DIR"
	EnvCacheMaxMB   = "TILEVIEW_CACHE_MAX_MB"
	EnvConcurrency  = "TILEVIEW_CONCURRENCY"
	EnvUserAgent    = "TILEVIEW_USER_AGENT"
	EnvOffline      = "TILEVIEW_OFFLINE"
	EnvLogLevel     = "TILEVIEW_LOG_LEVEL"
	EnvTelemetryKey = "TILEVIEW_TELEMETRY_KEY"
)

func (s *Settings) applyEnv() {
	s.CacheDir = getEnv(EnvCacheDir, s.CacheDir)
	s.CacheMaxSizeMB = getEnvInt(EnvCacheMaxMB, s.CacheMaxSizeMB)
	s.FetchConcurrency = getEnvInt(EnvConcurrency, s.FetchConcurrency)
	s.UserAgent = getEnv(EnvUserAgent, s.UserAgent)
	s.Offline = getEnvBool(EnvOffline, s.Offline)
	s.LogLevel = getEnv(EnvLogLevel, s.LogLevel)
	s.TelemetryKey = getEnv(EnvTelemetryKey, s.TelemetryKey)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
