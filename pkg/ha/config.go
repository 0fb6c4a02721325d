// Package ha elects one catalog server replica to run singleton
// background loops, using a Kubernetes Lease.
package ha

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds leader election settings.
type Config struct {
	// Enabled turns on Lease-based election. When false every replica
	// considers itself the leader.
	Enabled        bool
	LeaseName      string
	LeaseNamespace string
	LeaseDuration  time.Duration
	RenewDeadline  time.Duration
	RetryPeriod    time.Duration
	// Identity must be unique per replica; it defaults to the pod name.
	Identity string
}

// DefaultConfig returns election disabled with client-go's usual timings.
func DefaultConfig() *Config {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "data-catalog"
	}
	return &Config{
		LeaseName:      "data-catalog-leader",
		LeaseNamespace: ns,
		LeaseDuration:  15 * time.Second,
		RenewDeadline:  10 * time.Second,
		RetryPeriod:    2 * time.Second,
		Identity:       defaultIdentity(),
	}
}

// ConfigFromEnv reads CATALOG_LEADER_ELECTION_ENABLED and the
// CATALOG_LEADER_LEASE_NAME, _LEASE_NAMESPACE, _LEASE_DURATION,
// _RENEW_DEADLINE and _RETRY_PERIOD variables. Durations use Go syntax
// ("15s").
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CATALOG_LEADER_ELECTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("CATALOG_LEADER_ELECTION_ENABLED: %w", err)
		}
		cfg.Enabled = b
	}
	if v := os.Getenv("CATALOG_LEADER_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("CATALOG_LEADER_LEASE_NAMESPACE"); v != "" {
		cfg.LeaseNamespace = v
	}
	for key, dst := range map[string]*time.Duration{
		"CATALOG_LEADER_LEASE_DURATION": &cfg.LeaseDuration,
		"CATALOG_LEADER_RENEW_DEADLINE": &cfg.RenewDeadline,
		"CATALOG_LEADER_RETRY_PERIOD":   &cfg.RetryPeriod,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", key, v)
		}
		*dst = d
	}
	return cfg, cfg.Validate()
}

// Validate checks the timing constraints client-go enforces.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.LeaseName == "" || c.LeaseNamespace == "" {
		return errors.New("leader election needs a lease name and namespace")
	}
	if c.Identity == "" {
		return errors.New("leader election needs an identity")
	}
	if c.LeaseDuration <= c.RenewDeadline {
		return fmt.Errorf("lease duration %s must exceed renew deadline %s", c.LeaseDuration, c.RenewDeadline)
	}
	if c.RenewDeadline <= c.RetryPeriod {
		return fmt.Errorf("renew deadline %s must exceed retry period %s", c.RenewDeadline, c.RetryPeriod)
	}
	return nil
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	return hostname
}
