package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config sizes one bounded cache instance.
type Config struct {
	// Enabled controls whether callers should cache at all. A disabled
	// config still produces a working cache of size one.
	Enabled bool

	// MaxSize is the maximum number of live entries.
	MaxSize int

	// TTL is how long an entry stays valid after it was set. Zero keeps
	// entries until they are evicted by size.
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		MaxSize: 1000,
		TTL:     30 * time.Second,
	}
}

// ConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - CATALOG_CACHE_ENABLED: "true" or "false" (default: "true")
//   - CATALOG_CACHE_TTL: entry lifetime in seconds (default: 30)
//   - CATALOG_CACHE_MAX_SIZE: max entries per cache (default: 1000)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CATALOG_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CATALOG_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CATALOG_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
