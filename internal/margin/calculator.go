// Package margin computes required margin, achievable leverage, and
// liquidation prices using a tiered strategy: the venue's precise
// calculation, then published market parameters, then a conservative
// heuristic. The chosen tier is recorded in the result rather than blending
// values silently.
package margin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
)

// marginFloor is the minimum margin-to-size ratio any tier may produce.
// Nothing below 1% (i.e. nothing above 100x) survives the clamp.
const marginFloor = 0.01

// Tier identifies which strategy produced the result.
type Tier string

const (
	TierPrecise      Tier = "precise"
	TierMarketParams Tier = "market_params"
	TierConservative Tier = "conservative"
)

// Source supplies the venue's exact margin calculation. *venue.Adapter
// satisfies it.
type Source interface {
	MarginRequirement(ctx context.Context, params domain.OrderParams) (float64, error)
}

// Input carries everything the calculator needs for one position sizing.
type Input struct {
	Principal         float64
	LeverageRequested float64
	Direction         domain.Direction
	Asset             string
	Account           domain.AccountState
	OraclePrice       float64
	PriceDegraded     bool // the oracle price came from a fallback tier
}

// Result is the sizing answer. PositionSizeUsd equals
// Principal × LeverageEffective exactly.
type Result struct {
	MarginRequired    float64
	LeverageEffective float64
	PositionSizeUsd   float64
	LiquidationPrice  float64
	CanExecute        bool
	Tier              Tier
	Degraded          bool
}

// Calculator runs the tiered margin strategy against the configured asset
// table.
type Calculator struct {
	assets *config.AssetTable
	logger *slog.Logger
}

// NewCalculator creates a Calculator.
func NewCalculator(assets *config.AssetTable, logger *slog.Logger) *Calculator {
	return &Calculator{
		assets: assets,
		logger: logger.With(slog.String("component", "margin")),
	}
}

// Compute sizes a hypothetical position. It always produces a usable answer:
// when the venue's own calculation fails it degrades through market
// parameters and finally the conservative heuristic.
func (c *Calculator) Compute(ctx context.Context, src Source, in Input) (Result, error) {
	asset, ok := c.assets.Get(in.Asset)
	if !ok {
		return Result{}, fmt.Errorf("margin: unsupported asset %q: %w", in.Asset, domain.ErrValidation)
	}
	if in.Principal <= 0 || in.LeverageRequested <= 0 {
		return Result{}, fmt.Errorf("margin: principal and leverage must be positive: %w", domain.ErrValidation)
	}

	requestedSize := in.Principal * in.LeverageRequested
	tier, rawMargin := c.rawMargin(ctx, src, asset, in, requestedSize)

	// Fallback math can produce implausibly small margins; clamp up to the
	// floor so the implied leverage never exceeds 100x.
	if tier != TierPrecise && rawMargin < requestedSize*marginFloor {
		rawMargin = requestedSize * marginFloor
	}

	impliedMax := requestedSize / rawMargin
	leverageEffective := in.LeverageRequested
	if impliedMax < leverageEffective {
		leverageEffective = impliedMax
	}

	positionSize := in.Principal * leverageEffective
	marginRequired := positionSize / impliedMax

	mmr := asset.MaintenanceMarginRatio
	if m, ok := in.Account.Market(asset.MarketIndex); ok && m.MaintenanceMarginRatio > 0 {
		mmr = m.MaintenanceMarginRatio
	}

	res := Result{
		MarginRequired:    marginRequired,
		LeverageEffective: leverageEffective,
		PositionSizeUsd:   positionSize,
		LiquidationPrice:  LiquidationPrice(in.Direction, in.OraclePrice, mmr),
		CanExecute:        marginRequired <= in.Account.AvailableCollateral(),
		Tier:              tier,
		Degraded:          tier != TierPrecise || in.PriceDegraded,
	}

	if res.Degraded {
		c.logger.WarnContext(ctx, "degraded margin calculation",
			slog.String("asset", asset.Symbol),
			slog.String("tier", string(tier)),
			slog.Bool("price_degraded", in.PriceDegraded),
		)
	}

	return res, nil
}

// rawMargin tries each tier in order and returns the first usable margin for
// the requested size.
func (c *Calculator) rawMargin(ctx context.Context, src Source, asset config.AssetConfig, in Input, requestedSize float64) (Tier, float64) {
	if src != nil {
		params := domain.OrderParams{
			MarketIndex: asset.MarketIndex,
			Direction:   in.Direction,
			SizeUsd:     requestedSize,
			Price:       in.OraclePrice,
		}
		margin, err := src.MarginRequirement(ctx, params)
		if err == nil && margin > 0 {
			return TierPrecise, margin
		}
		if err != nil {
			c.logger.WarnContext(ctx, "precise margin unavailable, falling back",
				slog.String("asset", asset.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if m, ok := in.Account.Market(asset.MarketIndex); ok && m.MaintenanceMarginRatio > 0 {
		return TierMarketParams, requestedSize * m.MaintenanceMarginRatio
	}

	ratio := 1 / in.LeverageRequested
	if ratio < marginFloor {
		ratio = marginFloor
	}
	return TierConservative, requestedSize * ratio
}

// LiquidationPrice returns the price at which a position would be force
// closed. Long liquidates below entry, short above. Zero when the entry
// price is not yet known.
func LiquidationPrice(direction domain.Direction, entryPrice, maintenanceMarginRatio float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	switch direction {
	case domain.DirectionLong:
		return entryPrice * (1 - maintenanceMarginRatio)
	case domain.DirectionShort:
		return entryPrice * (1 + maintenanceMarginRatio)
	}
	return 0
}

// PnL returns the profit or loss in USD for a position of the given notional
// size. Long gains when price rises; short is mirrored.
func PnL(direction domain.Direction, entryPrice, currentPrice, sizeUsd float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	baseSize := sizeUsd / entryPrice
	switch direction {
	case domain.DirectionLong:
		return (currentPrice - entryPrice) * baseSize
	case domain.DirectionShort:
		return (entryPrice - currentPrice) * baseSize
	}
	return 0
}

// PnLPercent expresses pnl relative to the contributed principal.
func PnLPercent(pnlUsd, principal float64) float64 {
	if principal <= 0 {
		return 0
	}
	return pnlUsd / principal * 100
}
