package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())

	t.Setenv("CATALOG_AUDIT_ENABLED", "false")
	t.Setenv("CATALOG_AUDIT_LOG_DENIED", "0")
	t.Setenv("CATALOG_AUDIT_RETENTION_DAYS", "0")
	t.Setenv("CATALOG_AUDIT_RETENTION_INTERVAL", "1h")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, &Config{RetentionInterval: time.Hour}, cfg)
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		"CATALOG_AUDIT_ENABLED":            "maybe",
		"CATALOG_AUDIT_LOG_DENIED":         "sometimes",
		"CATALOG_AUDIT_RETENTION_DAYS":     "-1",
		"CATALOG_AUDIT_RETENTION_INTERVAL": "daily",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := ConfigFromEnv()
			assert.ErrorContains(t, err, key)
		})
	}
}
