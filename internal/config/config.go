// Package config defines the top-level configuration for the perpdesk
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPDESK_* environment
// variables.
type Config struct {
	Venue    VenueConfig    `toml:"venue"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Stream   StreamConfig   `toml:"stream"`
	Assets   []AssetConfig  `toml:"assets"`
	LogLevel string         `toml:"log_level"`
}

// VenueConfig holds remote venue endpoints and pacing parameters.
type VenueConfig struct {
	GatewayURL           string  `toml:"gateway_url"`
	MinCallIntervalMs    int     `toml:"min_call_interval_ms"`
	RetryMaxAttempts     int     `toml:"retry_max_attempts"`
	RetryBaseDelayMs     int     `toml:"retry_base_delay_ms"`
	DialAttempts         int     `toml:"dial_attempts"`
	DialRetryDelayMs     int     `toml:"dial_retry_delay_ms"`
	DialTimeoutSec       int     `toml:"dial_timeout_sec"`
	HighLeverageMin      float64 `toml:"high_leverage_min"`
	WithdrawBufferPct    float64 `toml:"withdraw_buffer_pct"`
	PendingTTLMinutes    int     `toml:"pending_ttl_minutes"`
	RequestTimeoutSec    int     `toml:"request_timeout_sec"`
	SettlementTokenAcct  string  `toml:"settlement_token_account"`
}

// MinCallInterval returns the pacing interval as a duration.
func (v VenueConfig) MinCallInterval() time.Duration {
	return time.Duration(v.MinCallIntervalMs) * time.Millisecond
}

// RetryBaseDelay returns the backoff base delay as a duration.
func (v VenueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(v.RetryBaseDelayMs) * time.Millisecond
}

// DialRetryDelay returns the fixed delay between connection attempts.
func (v VenueConfig) DialRetryDelay() time.Duration {
	return time.Duration(v.DialRetryDelayMs) * time.Millisecond
}

// DialTimeout returns the hard cutoff for connection establishment.
func (v VenueConfig) DialTimeout() time.Duration {
	return time.Duration(v.DialTimeoutSec) * time.Second
}

// RequestTimeout returns the per-request timeout for gateway calls.
func (v VenueConfig) RequestTimeout() time.Duration {
	return time.Duration(v.RequestTimeoutSec) * time.Second
}

// PendingTTL returns how long a pending position may wait for confirmation.
func (v VenueConfig) PendingTTL() time.Duration {
	return time.Duration(v.PendingTTLMinutes) * time.Minute
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the
// closed-position archive. Archiving is disabled when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the HTTP/WebSocket server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// StreamConfig holds the distribution service timers.
type StreamConfig struct {
	PriceIntervalSec    int `toml:"price_interval_sec"`
	PositionIntervalSec int `toml:"position_interval_sec"`
}

// PriceInterval returns the price loop tick as a duration.
func (s StreamConfig) PriceInterval() time.Duration {
	return time.Duration(s.PriceIntervalSec) * time.Second
}

// PositionInterval returns the position loop tick as a duration.
func (s StreamConfig) PositionInterval() time.Duration {
	return time.Duration(s.PositionIntervalSec) * time.Second
}

// AssetConfig is one row of the supported-asset table: static fallbacks and
// venue parameters, loaded once and referenced everywhere.
type AssetConfig struct {
	Symbol                 string  `toml:"symbol"`
	MarketIndex            int     `toml:"market_index"`
	DefaultPrice           float64 `toml:"default_price"`
	MaintenanceMarginRatio float64 `toml:"maintenance_margin_ratio"`
	MaxLeverage            float64 `toml:"max_leverage"`
}

// AssetTable provides lookups over the configured assets.
type AssetTable struct {
	bySymbol map[string]AssetConfig
	order    []string
}

// NewAssetTable builds a lookup table from configured assets.
func NewAssetTable(assets []AssetConfig) *AssetTable {
	t := &AssetTable{bySymbol: make(map[string]AssetConfig, len(assets))}
	for _, a := range assets {
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if sym == "" {
			continue
		}
		a.Symbol = sym
		if _, dup := t.bySymbol[sym]; !dup {
			t.order = append(t.order, sym)
		}
		t.bySymbol[sym] = a
	}
	return t
}

// Get returns the asset config for a symbol (case-insensitive).
func (t *AssetTable) Get(symbol string) (AssetConfig, bool) {
	a, ok := t.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return a, ok
}

// Symbols returns the supported symbols in configuration order.
func (t *AssetTable) Symbols() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Defaults returns the built-in configuration, suitable for local
// development against a gateway on localhost.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			GatewayURL:        "http://localhost:8899",
			MinCallIntervalMs: 1000,
			RetryMaxAttempts:  3,
			RetryBaseDelayMs:  500,
			DialAttempts:      3,
			DialRetryDelayMs:  1000,
			DialTimeoutSec:    15,
			HighLeverageMin:   50,
			WithdrawBufferPct: 0.10,
			PendingTTLMinutes: 15,
			RequestTimeoutSec: 30,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpdesk",
			User:          "perpdesk",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Server: ServerConfig{
			Port:            8080,
			RateLimitPerMin: 120,
		},
		Stream: StreamConfig{
			PriceIntervalSec:    5,
			PositionIntervalSec: 20,
		},
		Assets: []AssetConfig{
			{Symbol: "SOL-PERP", MarketIndex: 0, DefaultPrice: 150, MaintenanceMarginRatio: 0.025, MaxLeverage: 20},
			{Symbol: "BTC-PERP", MarketIndex: 1, DefaultPrice: 60000, MaintenanceMarginRatio: 0.02, MaxLeverage: 25},
			{Symbol: "ETH-PERP", MarketIndex: 2, DefaultPrice: 3000, MaintenanceMarginRatio: 0.02, MaxLeverage: 25},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that would prevent startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Venue.GatewayURL) == "" {
		return fmt.Errorf("config: venue.gateway_url is required")
	}
	if c.Venue.MinCallIntervalMs <= 0 {
		return fmt.Errorf("config: venue.min_call_interval_ms must be positive")
	}
	if c.Venue.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: venue.retry_max_attempts must be at least 1")
	}
	if c.Venue.DialAttempts < 1 {
		return fmt.Errorf("config: venue.dial_attempts must be at least 1")
	}
	if c.Venue.WithdrawBufferPct < 0 || c.Venue.WithdrawBufferPct >= 1 {
		return fmt.Errorf("config: venue.withdraw_buffer_pct must be in [0,1)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one asset must be configured")
	}
	seen := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if sym == "" {
			return fmt.Errorf("config: asset with empty symbol")
		}
		if seen[sym] {
			return fmt.Errorf("config: duplicate asset %q", sym)
		}
		seen[sym] = true
		if a.DefaultPrice <= 0 {
			return fmt.Errorf("config: asset %q default_price must be positive", sym)
		}
		if a.MaintenanceMarginRatio < 0 || a.MaintenanceMarginRatio >= 1 {
			return fmt.Errorf("config: asset %q maintenance_margin_ratio must be in [0,1)", sym)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
