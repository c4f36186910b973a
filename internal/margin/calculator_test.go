package margin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
)

func testAssets() *config.AssetTable {
	return config.NewAssetTable([]config.AssetConfig{
		{Symbol: "SOL-PERP", MarketIndex: 0, DefaultPrice: 150, MaintenanceMarginRatio: 0.025, MaxLeverage: 20},
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource returns a fixed margin or error.
type fakeSource struct {
	margin float64
	err    error
	calls  int
}

func (f *fakeSource) MarginRequirement(ctx context.Context, params domain.OrderParams) (float64, error) {
	f.calls++
	return f.margin, f.err
}

func TestComputePreciseTier(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	// $25 at 5x on a 20x market: size $125, venue says $6.25 margin.
	src := &fakeSource{margin: 6.25}
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           domain.AccountState{Collateral: 100},
		OraclePrice:       160,
	})
	require.NoError(t, err)

	assert.Equal(t, TierPrecise, res.Tier)
	assert.False(t, res.Degraded)
	assert.True(t, res.CanExecute)
	assert.InDelta(t, 5, res.LeverageEffective, 1e-9)
	assert.InDelta(t, 125, res.PositionSizeUsd, 1e-9)
	assert.InDelta(t, 6.25, res.MarginRequired, 1e-9)
	assert.InDelta(t, 156, res.LiquidationPrice, 1e-9)
}

func TestComputeClampsToImpliedMax(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	// Venue margin implies 20x max; a 100x request clamps down, and the
	// reported size and margin stay mutually consistent.
	account := domain.AccountState{Collateral: 1000}
	src := &fakeSource{margin: 125} // size 2500 at 100x -> 5% -> 20x implied
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 100,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           account,
		OraclePrice:       160,
	})
	require.NoError(t, err)

	assert.InDelta(t, 20, res.LeverageEffective, 1e-9)
	assert.InDelta(t, 25*20, res.PositionSizeUsd, 1e-9)
	assert.InDelta(t, res.LeverageEffective, res.PositionSizeUsd/res.MarginRequired, 1e-9)
}

func TestComputeMarketParamsFallback(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	account := domain.AccountState{
		Collateral: 100,
		Markets: map[int]domain.MarketParams{
			0: {MarketIndex: 0, MaintenanceMarginRatio: 0.05, MaxLeverage: 20, LastMarketPrice: 158},
		},
	}
	src := &fakeSource{err: errors.New("gateway timeout")}
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           account,
		OraclePrice:       160,
	})
	require.NoError(t, err)

	assert.Equal(t, TierMarketParams, res.Tier)
	assert.True(t, res.Degraded)
	// 5% of size implies 20x max; 5x request fits.
	assert.InDelta(t, 5, res.LeverageEffective, 1e-9)
	assert.InDelta(t, 6.25, res.MarginRequired, 1e-9)
	// Market-published maintenance ratio wins over the static table.
	assert.InDelta(t, 160*(1-0.05), res.LiquidationPrice, 1e-9)
}

func TestComputeConservativeFallback(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	src := &fakeSource{err: errors.New("gateway down")}
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionShort,
		Asset:             "SOL-PERP",
		Account:           domain.AccountState{Collateral: 100},
		OraclePrice:       160,
	})
	require.NoError(t, err)

	assert.Equal(t, TierConservative, res.Tier)
	assert.True(t, res.Degraded)
	// 1/leverage ratio: margin is exactly the principal.
	assert.InDelta(t, 25, res.MarginRequired, 1e-9)
	assert.InDelta(t, 5, res.LeverageEffective, 1e-9)
	// Short liquidates above entry.
	assert.InDelta(t, 160*(1+0.025), res.LiquidationPrice, 1e-9)
}

func TestComputeMarginFloorClamp(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	// Published ratio below 1% gets clamped up, capping implied leverage
	// at 100x on fallback tiers.
	account := domain.AccountState{
		Collateral: 10000,
		Markets: map[int]domain.MarketParams{
			0: {MarketIndex: 0, MaintenanceMarginRatio: 0.001},
		},
	}
	res, err := calc.Compute(context.Background(), nil, Input{
		Principal:         100,
		LeverageRequested: 100,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           account,
		OraclePrice:       160,
	})
	require.NoError(t, err)

	assert.InDelta(t, 100, res.LeverageEffective, 1e-9)
	assert.InDelta(t, 100, res.MarginRequired, 1e-9)
}

func TestComputeInsufficientCollateral(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	src := &fakeSource{margin: 6.25}
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           domain.AccountState{Collateral: 1},
		OraclePrice:       160,
	})
	require.NoError(t, err)
	assert.False(t, res.CanExecute)
}

func TestComputeUnsupportedAsset(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	_, err := calc.Compute(context.Background(), nil, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionLong,
		Asset:             "DOGE-PERP",
		OraclePrice:       160,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestComputeDegradedPrice(t *testing.T) {
	calc := NewCalculator(testAssets(), testLogger())

	src := &fakeSource{margin: 6.25}
	res, err := calc.Compute(context.Background(), src, Input{
		Principal:         25,
		LeverageRequested: 5,
		Direction:         domain.DirectionLong,
		Asset:             "SOL-PERP",
		Account:           domain.AccountState{Collateral: 100},
		OraclePrice:       150,
		PriceDegraded:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, TierPrecise, res.Tier)
	assert.True(t, res.Degraded)
}

func TestPnLLong(t *testing.T) {
	pnl := PnL(domain.DirectionLong, 160, 164, 125)
	assert.InDelta(t, 3.125, pnl, 1e-9)
	assert.InDelta(t, 12.5, PnLPercent(pnl, 25), 1e-9)
}

func TestPnLShort(t *testing.T) {
	pnl := PnL(domain.DirectionShort, 160, 164, 125)
	assert.InDelta(t, -3.125, pnl, 1e-9)

	pnl = PnL(domain.DirectionShort, 160, 150, 125)
	assert.InDelta(t, 7.8125, pnl, 1e-9)
}

func TestPnLZeroEntry(t *testing.T) {
	assert.Zero(t, PnL(domain.DirectionLong, 0, 164, 125))
	assert.Zero(t, PnLPercent(10, 0))
}

func TestLiquidationPrice(t *testing.T) {
	assert.InDelta(t, 156, LiquidationPrice(domain.DirectionLong, 160, 0.025), 1e-9)
	assert.InDelta(t, 164, LiquidationPrice(domain.DirectionShort, 160, 0.025), 1e-9)
	assert.Zero(t, LiquidationPrice(domain.DirectionLong, 0, 0.025))
}
