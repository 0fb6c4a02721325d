// Package audit records catalog mutations made over HTTP and serves them
// back as a paged event log.
package audit

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config controls what the audit middleware records and how long events
// are kept.
type Config struct {
	Enabled bool
	// LogDenied records requests rejected with 403.
	LogDenied bool
	// RetentionDays is the age after which events are purged. Zero keeps
	// events forever.
	RetentionDays int
	// RetentionInterval is the time between purge passes.
	RetentionInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		LogDenied:         true,
		RetentionDays:     90,
		RetentionInterval: 24 * time.Hour,
	}
}

// ConfigFromEnv loads config from CATALOG_AUDIT_ENABLED,
// CATALOG_AUDIT_LOG_DENIED, CATALOG_AUDIT_RETENTION_DAYS and
// CATALOG_AUDIT_RETENTION_INTERVAL.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CATALOG_AUDIT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("CATALOG_AUDIT_ENABLED: %w", err)
		}
		cfg.Enabled = b
	}
	if v := os.Getenv("CATALOG_AUDIT_LOG_DENIED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("CATALOG_AUDIT_LOG_DENIED: %w", err)
		}
		cfg.LogDenied = b
	}
	if v := os.Getenv("CATALOG_AUDIT_RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			return nil, fmt.Errorf("CATALOG_AUDIT_RETENTION_DAYS: invalid value %q", v)
		}
		cfg.RetentionDays = days
	}
	if v := os.Getenv("CATALOG_AUDIT_RETENTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("CATALOG_AUDIT_RETENTION_INTERVAL: invalid value %q", v)
		}
		cfg.RetentionInterval = d
	}
	return cfg, nil
}

// Retention returns RetentionDays as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
