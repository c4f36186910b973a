package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPDESK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPDESK_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.GatewayURL, "PERPDESK_VENUE_GATEWAY_URL")
	setInt(&cfg.Venue.MinCallIntervalMs, "PERPDESK_VENUE_MIN_CALL_INTERVAL_MS")
	setInt(&cfg.Venue.RetryMaxAttempts, "PERPDESK_VENUE_RETRY_MAX_ATTEMPTS")
	setInt(&cfg.Venue.RetryBaseDelayMs, "PERPDESK_VENUE_RETRY_BASE_DELAY_MS")
	setInt(&cfg.Venue.DialAttempts, "PERPDESK_VENUE_DIAL_ATTEMPTS")
	setInt(&cfg.Venue.DialTimeoutSec, "PERPDESK_VENUE_DIAL_TIMEOUT_SEC")
	setStr(&cfg.Venue.SettlementTokenAcct, "PERPDESK_VENUE_SETTLEMENT_TOKEN_ACCOUNT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPDESK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPDESK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPDESK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPDESK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPDESK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPDESK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPDESK_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "PERPDESK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPDESK_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PERPDESK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPDESK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPDESK_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPDESK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPDESK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPDESK_S3_SECRET_KEY")

	// ── Server ──
	setInt(&cfg.Server.Port, "PERPDESK_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PERPDESK_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "PERPDESK_SERVER_RATE_LIMIT_PER_MIN")

	// ── Misc ──
	setStr(&cfg.LogLevel, "PERPDESK_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
