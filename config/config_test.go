package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Booking.ReconcileInterval)
	assert.False(t, cfg.Booking.DisableLegacyOwnerless)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowOrigins)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LABBOOK_SERVER_PORT", "9090")
	t.Setenv("LABBOOK_SERVER_RATE_LIMIT", "2.5")
	t.Setenv("LABBOOK_STORE_DRIVER", "memory")
	t.Setenv("LABBOOK_STORE_MONGO_DB", "labs")
	t.Setenv("LABBOOK_REDIS_CHANNEL", "bookings")
	t.Setenv("LABBOOK_BOOKING_TIMEZONE", "Europe/Berlin")
	t.Setenv("LABBOOK_BOOKING_DISABLE_LEGACY_OWNERLESS", "true")
	t.Setenv("LABBOOK_BOOKING_RECONCILE_INTERVAL", "15m")
	t.Setenv("LABBOOK_CORS_ALLOW_ORIGINS", "https://labs.example.org")
	t.Setenv("LABBOOK_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2.5, cfg.Server.RateLimit)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "labs", cfg.Store.MongoDB)
	assert.Equal(t, "bookings", cfg.Redis.Channel)
	assert.Equal(t, []string{"https://labs.example.org"}, cfg.CORS.AllowOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Booking.DisableLegacyOwnerless)
	assert.Equal(t, 15*time.Minute, cfg.Booking.ReconcileInterval)
	loc, err := cfg.Booking.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LABBOOK_REDIS_ADDR=localhost:6379\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LABBOOK_REDIS_ADDR") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfig_UngroupedKeysIgnored(t *testing.T) {
	// GIVEN: keys without their group segment
	t.Setenv("LABBOOK_RECONCILE_INTERVAL", "1m")
	t.Setenv("LABBOOK_DISABLE_LEGACY_OWNERLESS", "true")

	// WHEN: loading
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))

	// THEN: defaults stay in place
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Booking.ReconcileInterval)
	assert.False(t, cfg.Booking.DisableLegacyOwnerless)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"unknown driver": func(c *Config) { c.Store.Driver = "postgres" },
		"bad timezone":   func(c *Config) { c.Booking.TimeZone = "Mars/Olympus" },
		"zero rate":      func(c *Config) { c.Server.RateLimit = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := NewTestConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, NewTestConfig().Validate())
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("lab", "Chem").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"lab":"Chem"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
