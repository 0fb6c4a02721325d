package catalog

import (
	"os"
	"strconv"
)

// Config holds catalog engine settings.
type Config struct {
	// EstimateThreshold bounds the row count performed for a page when an
	// exact count was not requested. Larger result sets report an
	// estimated count.
	EstimateThreshold int

	// DefaultPageLimit applies when a PageRequest has no Limit.
	DefaultPageLimit int

	// MaxPageLimit caps PageRequest.Limit.
	MaxPageLimit int

	// ScanBatchSize is the number of rows fetched per round trip when a
	// policy post-filters results.
	ScanBatchSize int

	// StorageRoot is the directory holding data written through writable
	// data sources.
	StorageRoot string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EstimateThreshold: 10000,
		DefaultPageLimit:  100,
		MaxPageLimit:      300,
		ScanBatchSize:     200,
		StorageRoot:       "data",
	}
}

// ConfigFromEnv reads catalog configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - CATALOG_ESTIMATE_THRESHOLD: bounded count limit (default: 10000)
//   - CATALOG_PAGE_LIMIT: default page size (default: 100)
//   - CATALOG_MAX_PAGE_LIMIT: maximum page size (default: 300)
//   - CATALOG_STORAGE_ROOT: writable data directory (default: data)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CATALOG_ESTIMATE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EstimateThreshold = n
		}
	}
	if v := os.Getenv("CATALOG_PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultPageLimit = n
		}
	}
	if v := os.Getenv("CATALOG_MAX_PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPageLimit = n
		}
	}
	if v := os.Getenv("CATALOG_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}

	return cfg
}
