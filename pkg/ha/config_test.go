package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("POD_NAMESPACE", "")
	t.Setenv("POD_NAME", "catalog-0")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "data-catalog", cfg.LeaseNamespace)
	assert.Equal(t, "catalog-0", cfg.Identity)

	t.Setenv("POD_NAMESPACE", "cat")
	t.Setenv("CATALOG_LEADER_ELECTION_ENABLED", "true")
	t.Setenv("CATALOG_LEADER_LEASE_NAME", "retention")
	t.Setenv("CATALOG_LEADER_LEASE_DURATION", "30s")
	t.Setenv("CATALOG_LEADER_RENEW_DEADLINE", "20s")
	t.Setenv("CATALOG_LEADER_RETRY_PERIOD", "5s")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Enabled:        true,
		LeaseName:      "retention",
		LeaseNamespace: "cat",
		LeaseDuration:  30 * time.Second,
		RenewDeadline:  20 * time.Second,
		RetryPeriod:    5 * time.Second,
		Identity:       "catalog-0",
	}, cfg)
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv("POD_NAME", "catalog-0")
	t.Setenv("CATALOG_LEADER_ELECTION_ENABLED", "yes please")
	_, err := ConfigFromEnv()
	assert.ErrorContains(t, err, "CATALOG_LEADER_ELECTION_ENABLED")

	t.Setenv("CATALOG_LEADER_ELECTION_ENABLED", "1")
	t.Setenv("CATALOG_LEADER_RETRY_PERIOD", "2")
	_, err = ConfigFromEnv()
	assert.ErrorContains(t, err, "CATALOG_LEADER_RETRY_PERIOD")

	t.Setenv("CATALOG_LEADER_RETRY_PERIOD", "12s")
	_, err = ConfigFromEnv()
	assert.ErrorContains(t, err, "must exceed retry period")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Identity = "catalog-0"
	cfg.LeaseDuration = time.Second
	assert.NoError(t, cfg.Validate(), "disabled config is not checked")

	cfg.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "must exceed renew deadline")

	cfg = DefaultConfig()
	cfg.Enabled = true
	cfg.Identity = ""
	assert.ErrorContains(t, cfg.Validate(), "identity")
}
