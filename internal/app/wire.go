package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/perpdesk/perpdesk/internal/blob/s3"
	"github.com/perpdesk/perpdesk/internal/cache/redis"
	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
	"github.com/perpdesk/perpdesk/internal/platform/drift"
	"github.com/perpdesk/perpdesk/internal/service"
	"github.com/perpdesk/perpdesk/internal/store/postgres"
	"github.com/perpdesk/perpdesk/internal/venue"
)

// Dependencies bundles every domain-level dependency the application needs.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Venue
	Pacer    *venue.Pacer
	FeedConn domain.VenueConn
	Dialer   service.VenueDialer

	// Blob storage. Nil when no bucket is configured.
	Archiver domain.Archiver

	// Liveness probes for the health endpoint.
	PingPostgres func(ctx context.Context) error
	PingRedis    func(ctx context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, assets *config.AssetTable, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	positionStore := postgres.NewPositionStore(pool)
	deps.PositionStore = positionStore
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.PingPostgres = func(ctx context.Context) error { return pool.Ping(ctx) }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, 0)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.PingRedis = redisClient.Ping

	// --- Venue ---
	// One pacer for the whole process so every outbound venue call shares
	// the same minimum spacing, regardless of which session issued it.
	deps.Pacer = venue.NewPacer(cfg.Venue.MinCallInterval())

	clientCfg := drift.Config{
		BaseURL:          cfg.Venue.GatewayURL,
		RequestTimeout:   cfg.Venue.RequestTimeout(),
		RetryMaxAttempts: cfg.Venue.RetryMaxAttempts,
		RetryBaseDelay:   cfg.Venue.RetryBaseDelay(),
		TokenAccount:     cfg.Venue.SettlementTokenAcct,
	}

	// Long-lived subscription-free client for the global price feed.
	deps.FeedConn = drift.NewClient(clientCfg, deps.Pacer)

	dialCfg := venue.DialConfig{
		Attempts:   cfg.Venue.DialAttempts,
		RetryDelay: cfg.Venue.DialRetryDelay(),
		Timeout:    cfg.Venue.DialTimeout(),
	}
	deps.Dialer = service.VenueDialerFunc(func(ctx context.Context, ownerID string) (service.VenueSession, error) {
		conn := drift.NewClient(clientCfg, deps.Pacer)
		return venue.Dial(ctx, conn, ownerID, assets, dialCfg, logger)
	})

	// --- S3 blob storage (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), positionStore, deps.AuditStore)
	}

	return deps, cleanup, nil
}
