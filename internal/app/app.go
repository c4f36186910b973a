// Package app provides top-level application lifecycle management. It wires
// the stores, caches, venue clients, services, HTTP server, and streaming
// hub, and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/margin"
	"github.com/perpdesk/perpdesk/internal/server"
	"github.com/perpdesk/perpdesk/internal/server/handler"
	"github.com/perpdesk/perpdesk/internal/server/ws"
	"github.com/perpdesk/perpdesk/internal/service"
)

// pendingSweepInterval is how often expired pending positions are cancelled.
const pendingSweepInterval = time.Minute

// archiveInterval is how often settled positions are exported to blob
// storage.
const archiveInterval = 24 * time.Hour

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the HTTP server, the streaming hub, and
// the background loops, and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	assets := config.NewAssetTable(a.cfg.Assets)

	deps, cleanup, err := Wire(ctx, a.cfg, assets, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	calc := margin.NewCalculator(assets, a.logger)

	positionSvc := service.NewPositionService(
		deps.PositionStore,
		deps.AuditStore,
		deps.SignalBus,
		deps.PriceCache,
		deps.Dialer,
		calc,
		assets,
		service.Options{
			HighLeverageMin: a.cfg.Venue.HighLeverageMin,
			WithdrawBuffer:  a.cfg.Venue.WithdrawBufferPct,
			PendingTTL:      a.cfg.Venue.PendingTTL(),
		},
		a.logger,
	)

	priceSvc := service.NewPriceService(deps.FeedConn, deps.PriceCache, assets, a.logger)

	hub := ws.NewHub(
		priceSvc,
		positionSvc,
		deps.PriceCache,
		deps.SignalBus,
		assets.Symbols(),
		ws.Config{
			PriceInterval:    a.cfg.Stream.PriceInterval(),
			PositionInterval: a.cfg.Stream.PositionInterval(),
		},
		a.logger,
	)

	healthChecks := map[string]handler.Pinger{
		"postgres": deps.PingPostgres,
		"redis":    deps.PingRedis,
	}

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(healthChecks, a.logger),
			Positions: handler.NewPositionHandler(positionSvc, priceSvc, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return a.pendingSweepLoop(ctx, positionSvc)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// pendingSweepLoop periodically cancels pending positions that were never
// confirmed.
func (a *App) pendingSweepLoop(ctx context.Context, svc *service.PositionService) error {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := svc.ExpirePending(ctx); err != nil {
				a.logger.WarnContext(ctx, "pending sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// archiveLoop exports settled positions to blob storage once a day.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			to := time.Now().UTC()
			from := to.Add(-archiveInterval)
			count, err := deps.Archiver.ArchivePositions(ctx, from, to)
			if err != nil {
				a.logger.WarnContext(ctx, "archive failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if count > 0 {
				a.logger.InfoContext(ctx, "archived settled positions",
					slog.Int64("count", count),
				)
			}
		}
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
