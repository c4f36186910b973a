package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing gateway url", func(c *Config) { c.Venue.GatewayURL = "" }},
		{"zero call interval", func(c *Config) { c.Venue.MinCallIntervalMs = 0 }},
		{"zero retry attempts", func(c *Config) { c.Venue.RetryMaxAttempts = 0 }},
		{"withdraw buffer out of range", func(c *Config) { c.Venue.WithdrawBufferPct = 1 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"no assets", func(c *Config) { c.Assets = nil }},
		{"duplicate asset", func(c *Config) {
			c.Assets = append(c.Assets, AssetConfig{Symbol: "sol-perp", DefaultPrice: 1})
		}},
		{"non-positive default price", func(c *Config) { c.Assets[0].DefaultPrice = 0 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[venue]
gateway_url = "http://gateway:9000"
min_call_interval_ms = 250

[server]
port = 9090
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://gateway:9000", cfg.Venue.GatewayURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Venue.MinCallInterval())
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Len(t, cfg.Assets, 3)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[venue]
gateway_url = "http://gateway:9000"
`), 0o600))

	t.Setenv("PERPDESK_VENUE_GATEWAY_URL", "http://override:9100")
	t.Setenv("PERPDESK_SERVER_PORT", "9191")
	t.Setenv("PERPDESK_POSTGRES_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override:9100", cfg.Venue.GatewayURL)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestAssetTableLookups(t *testing.T) {
	table := NewAssetTable([]AssetConfig{
		{Symbol: "sol-perp", MarketIndex: 0, DefaultPrice: 150},
		{Symbol: "BTC-PERP", MarketIndex: 1, DefaultPrice: 60000},
		{Symbol: "  ", MarketIndex: 2},
	})

	assert.Equal(t, []string{"SOL-PERP", "BTC-PERP"}, table.Symbols())

	a, ok := table.Get("sol-PERP")
	require.True(t, ok)
	assert.Equal(t, "SOL-PERP", a.Symbol)
	assert.Equal(t, 0, a.MarketIndex)

	_, ok = table.Get("DOGE-PERP")
	assert.False(t, ok)
}
