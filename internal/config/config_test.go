package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/cobranca/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, config.StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "BLT", cfg.Billing.InstrumentPrefix)
	assert.Equal(t, "textfile", cfg.Remittance.Layout)
	assert.Equal(t, 30*time.Second, cfg.Remittance.Timeout)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "postgres://postgres:@localhost:5432/cobranca?sslmode=disable", cfg.ConnectionString())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LOCK_TTL", "45s")
	t.Setenv("BILLING_TIMEZONE", "UTC")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.Redis.LockTTL)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_Invalid(t *testing.T) {
	type testCase struct {
		name  string
		key   string
		value string
	}

	tests := []testCase{
		{name: "UnknownDriver", key: "STORAGE_DRIVER", value: "sqlite"},
		{name: "UnknownTimezone", key: "BILLING_TIMEZONE", value: "Mars/Olympus"},
		{name: "BadDuration", key: "REMITTANCE_TIMEOUT", value: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
