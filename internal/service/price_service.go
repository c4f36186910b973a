package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
)

// PriceService produces the global quote set for the distribution hub. Every
// call returns one quote per configured asset: fresh oracle reads where
// possible, the last cached quote otherwise, and the static default as the
// final floor. Fresh reads are written back to the cache so late-joining
// clients see prices immediately.
type PriceService struct {
	conn   domain.VenueConn
	cache  domain.PriceCache
	assets *config.AssetTable
	logger *slog.Logger
}

// NewPriceService creates a PriceService.
func NewPriceService(conn domain.VenueConn, cache domain.PriceCache, assets *config.AssetTable, logger *slog.Logger) *PriceService {
	return &PriceService{
		conn:   conn,
		cache:  cache,
		assets: assets,
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// Quotes returns the current quote for every configured asset. It never
// returns an empty set; degraded sources are recorded on each quote.
func (s *PriceService) Quotes(ctx context.Context) ([]domain.PriceQuote, error) {
	symbols := s.assets.Symbols()
	quotes := make([]domain.PriceQuote, 0, len(symbols))

	for _, sym := range symbols {
		asset, _ := s.assets.Get(sym)
		price, err := s.conn.GetOraclePrice(ctx, asset.MarketIndex)
		if err == nil && price > 0 {
			quote := domain.PriceQuote{
				Asset:      sym,
				Price:      price,
				Source:     domain.PriceSourceOracle,
				ObservedAt: time.Now().UTC(),
			}
			if cerr := s.cache.SetQuote(ctx, quote); cerr != nil {
				s.logger.WarnContext(ctx, "quote cache write failed",
					slog.String("asset", sym),
					slog.String("error", cerr.Error()),
				)
			}
			quotes = append(quotes, quote)
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "oracle read failed, falling back",
				slog.String("asset", sym),
				slog.String("error", err.Error()),
			)
		}

		if cached, cerr := s.cache.GetQuote(ctx, sym); cerr == nil && cached.Price > 0 {
			quotes = append(quotes, cached)
			continue
		}

		quotes = append(quotes, domain.PriceQuote{
			Asset:      sym,
			Price:      asset.DefaultPrice,
			Source:     domain.PriceSourceDefault,
			ObservedAt: time.Now().UTC(),
		})
	}

	return quotes, nil
}

// Quote returns the current quote for a single asset, with the same
// fallback order as Quotes.
func (s *PriceService) Quote(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	asset, ok := s.assets.Get(symbol)
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}

	price, err := s.conn.GetOraclePrice(ctx, asset.MarketIndex)
	if err == nil && price > 0 {
		quote := domain.PriceQuote{
			Asset:      asset.Symbol,
			Price:      price,
			Source:     domain.PriceSourceOracle,
			ObservedAt: time.Now().UTC(),
		}
		_ = s.cache.SetQuote(ctx, quote)
		return quote, nil
	}

	if cached, cerr := s.cache.GetQuote(ctx, asset.Symbol); cerr == nil && cached.Price > 0 {
		return cached, nil
	}

	return domain.PriceQuote{
		Asset:      asset.Symbol,
		Price:      asset.DefaultPrice,
		Source:     domain.PriceSourceDefault,
		ObservedAt: time.Now().UTC(),
	}, nil
}
