package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utility-ussd-bridge/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.NotEmpty(t, cfg.PodID)

	assert.Equal(t, 45*time.Second, cfg.Correlation.BalanceTimeout)
	assert.Equal(t, 120*time.Second, cfg.Correlation.TokenTimeout)
	assert.Equal(t, 2.0, cfg.Correlation.PollFactor)
	assert.Equal(t, []string{"+254700000001", "KPLC"}, cfg.Provider.SenderNumbers)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, 600, cfg.Webhook.RateLimit)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("POD_ID", "pod-a")
	t.Setenv("CORRELATION_TOKEN_TIMEOUT", "90s")
	t.Setenv("REDIS_POOL_SIZE", "200")
	t.Setenv("PROVIDER_SENDER_NUMBERS", "+254711111111,KPLC,UTILITY")
	t.Setenv("PERSISTENCE_DRIVER", "postgres")
	t.Setenv("PERSISTENCE_DSN", "postgres://bridge@localhost/bridge")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pod-a", cfg.PodID)
	assert.Equal(t, 90*time.Second, cfg.Correlation.TokenTimeout)
	assert.Equal(t, 200, cfg.Redis.PoolSize)
	assert.Equal(t, []string{"+254711111111", "KPLC", "UTILITY"}, cfg.Provider.SenderNumbers)
	assert.Equal(t, "postgres", cfg.Persistence.Driver)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"unknown driver", "PERSISTENCE_DRIVER", "mysql", "unsupported persistence driver"},
		{"zero poll base", "CORRELATION_POLL_BASE", "0s", "CORRELATION_POLL_BASE"},
		{"shrinking backoff", "CORRELATION_POLL_FACTOR", "0.5", "CORRELATION_POLL_FACTOR"},
		{"malformed duration", "CORRELATION_BALANCE_TIMEOUT", "soon", "failed to process environment"},
		{"no provider senders", "PROVIDER_SENDER_NUMBERS", "", "PROVIDER_SENDER_NUMBERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestCorrelationConfig_Timeout(t *testing.T) {
	c := CorrelationConfig{
		BalanceTimeout: 45 * time.Second,
		TokenTimeout:   120 * time.Second,
		UnitsTimeout:   30 * time.Second,
	}

	assert.Equal(t, 45*time.Second, c.Timeout(models.KindBalance))
	assert.Equal(t, 120*time.Second, c.Timeout(models.KindToken))
	assert.Equal(t, 30*time.Second, c.Timeout(models.KindUnits))
}
