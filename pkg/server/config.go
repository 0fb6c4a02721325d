package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds HTTP listener settings.
type Config struct {
	// ListenAddr is the address the server binds to.
	ListenAddr string

	// AllowedOrigins lists CORS origins. Wildcards are accepted.
	AllowedOrigins []string

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns a Config listening on :8000.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8000",
		AllowedOrigins:    []string{"https://*", "http://*"},
		MaxBodyBytes:      32 << 20,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// ConfigFromEnv reads server configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - CATALOG_LISTEN_ADDR: listen address (default: ":8000")
//   - CATALOG_CORS_ORIGINS: comma-separated allowed origins
//   - CATALOG_MAX_BODY_BYTES: request body limit (default: 32 MiB)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("CATALOG_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CATALOG_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if v := os.Getenv("CATALOG_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	return cfg
}
