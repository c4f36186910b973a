package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
	"github.com/perpdesk/perpdesk/internal/margin"
)

// memStore is an in-memory domain.PositionStore.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	expired   int64
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]domain.Position)}
}

func (m *memStore) Create(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	return nil
}

func (m *memStore) Update(ctx context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	m.positions[pos.ID] = pos
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memStore) GetOwned(ctx context.Context, ownerID, id string) (domain.Position, error) {
	pos, err := m.Get(ctx, id)
	if err != nil {
		return domain.Position{}, err
	}
	if pos.OwnerID != ownerID {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memStore) List(ctx context.Context, ownerID string, status *domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.OwnerID != ownerID {
			continue
		}
		if status != nil && pos.Status != *status {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (m *memStore) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, pos := range m.positions {
		if pos.Status == domain.PositionStatusPending && pos.CreatedAt.Before(cutoff) {
			pos.Status = domain.PositionStatusCancelled
			m.positions[id] = pos
			n++
		}
	}
	m.expired = n
	return n, nil
}

func (m *memStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// fakeCache is an in-memory domain.PriceCache.
type fakeCache struct {
	mu     sync.Mutex
	quotes map[string]domain.PriceQuote
}

func newFakeCache() *fakeCache {
	return &fakeCache{quotes: make(map[string]domain.PriceQuote)}
}

func (c *fakeCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Asset] = q
	return nil
}

func (c *fakeCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[asset]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return q, nil
}

func (c *fakeCache) GetQuotes(ctx context.Context, assets []string) ([]domain.PriceQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.PriceQuote
	for _, a := range assets {
		if q, ok := c.quotes[a]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeSession is a scriptable VenueSession.
type fakeSession struct {
	state     domain.AccountState
	stateErr  error
	quote     domain.PriceQuote
	quoteErr  error
	marginReq float64
	marginErr error

	closes    int
	orders    []domain.OrderParams
	deposits  []float64
	withdraws []float64
	hlCalls   int
}

func (f *fakeSession) AccountState(ctx context.Context) (domain.AccountState, error) {
	return f.state, f.stateErr
}

func (f *fakeSession) OraclePrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	if f.quoteErr != nil {
		return domain.PriceQuote{}, f.quoteErr
	}
	q := f.quote
	q.Asset = symbol
	return q, nil
}

func (f *fakeSession) MarginRequirement(ctx context.Context, params domain.OrderParams) (float64, error) {
	return f.marginReq, f.marginErr
}

func (f *fakeSession) BuildOrderInstruction(ctx context.Context, params domain.OrderParams) (domain.Instruction, error) {
	f.orders = append(f.orders, params)
	return domain.Instruction{Kind: "order"}, nil
}

func (f *fakeSession) BuildDepositInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error) {
	f.deposits = append(f.deposits, amountUsd)
	return domain.Instruction{Kind: "deposit"}, nil
}

func (f *fakeSession) BuildWithdrawInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error) {
	f.withdraws = append(f.withdraws, amountUsd)
	return domain.Instruction{Kind: "withdraw"}, nil
}

func (f *fakeSession) BuildEnableHighLeverageInstruction(ctx context.Context) (domain.Instruction, error) {
	f.hlCalls++
	return domain.Instruction{Kind: "enableHighLeverage"}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closes++
	return nil
}

type fixture struct {
	svc     *PositionService
	store   *memStore
	cache   *fakeCache
	session *fakeSession
	dials   int
	dialErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assets := config.NewAssetTable([]config.AssetConfig{
		{Symbol: "SOL-PERP", MarketIndex: 0, DefaultPrice: 150, MaintenanceMarginRatio: 0.025, MaxLeverage: 20},
	})

	f := &fixture{
		store: newMemStore(),
		cache: newFakeCache(),
		session: &fakeSession{
			state:     domain.AccountState{Collateral: 100, FreeCollateral: 100},
			quote:     domain.PriceQuote{Price: 160, Source: domain.PriceSourceOracle, ObservedAt: time.Now()},
			marginReq: 6.25,
		},
	}

	dialer := VenueDialerFunc(func(ctx context.Context, ownerID string) (VenueSession, error) {
		f.dials++
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return f.session, nil
	})

	f.svc = NewPositionService(
		f.store, nil, nil, f.cache, dialer,
		margin.NewCalculator(assets, logger),
		assets,
		Options{MinPrincipal: 10, HighLeverageMin: 50, WithdrawBuffer: 0.10, PendingTTL: 15 * time.Minute},
		logger,
	)
	return f
}

func validOpenRequest() OpenRequest {
	return OpenRequest{
		OwnerID:           "owner-1",
		Asset:             "SOL-PERP",
		Direction:         domain.DirectionLong,
		Principal:         25,
		LeverageRequested: 5,
	}
}

func TestOpenPositionValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OpenRequest)
	}{
		{"missing owner", func(r *OpenRequest) { r.OwnerID = "" }},
		{"bad direction", func(r *OpenRequest) { r.Direction = "sideways" }},
		{"principal too small", func(r *OpenRequest) { r.Principal = 5 }},
		{"leverage below one", func(r *OpenRequest) { r.LeverageRequested = 0.5 }},
		{"leverage above hundred", func(r *OpenRequest) { r.LeverageRequested = 101 }},
		{"unsupported asset", func(r *OpenRequest) { r.Asset = "DOGE-PERP" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validOpenRequest()
			tc.mutate(&req)

			_, err := f.svc.OpenPosition(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Zero(t, f.dials, "validation failures must not dial the venue")
			assert.Zero(t, f.store.count())
		})
	}
}

func TestOpenPositionInsufficientCollateralLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.session.state = domain.AccountState{Collateral: 1}
	f.session.marginReq = 6.25

	_, err := f.svc.OpenPosition(context.Background(), validOpenRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	assert.Zero(t, f.store.count())
	assert.Equal(t, 1, f.session.closes)
}

func TestOpenPositionCreatesPendingRecord(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.OpenPosition(context.Background(), validOpenRequest())
	require.NoError(t, err)

	pos := result.Position
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusPending, pos.Status)
	assert.InDelta(t, 160, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 5, pos.LeverageEffective, 1e-9)
	assert.InDelta(t, 125, pos.PositionSizeUsd, 1e-9)
	assert.InDelta(t, 156, pos.LiquidationPrice, 1e-9)
	assert.False(t, pos.Degraded)

	// Collateral already covers the margin, so only the order instruction.
	require.Len(t, result.Instructions, 1)
	assert.Equal(t, "order", result.Instructions[0].Kind)
	require.Len(t, f.session.orders, 1)
	assert.InDelta(t, 125, f.session.orders[0].SizeUsd, 1e-9)
	assert.False(t, f.session.orders[0].ReduceOnly)

	assert.Equal(t, 1, f.store.count())
	assert.Equal(t, 1, f.session.closes)
}

func TestOpenPositionBundlesDeposit(t *testing.T) {
	f := newFixture(t)
	f.session.state = domain.AccountState{Collateral: 2, WalletBalance: 50}

	result, err := f.svc.OpenPosition(context.Background(), validOpenRequest())
	require.NoError(t, err)

	require.Len(t, result.Instructions, 2)
	assert.Equal(t, "deposit", result.Instructions[0].Kind)
	assert.Equal(t, "order", result.Instructions[1].Kind)
	require.Len(t, f.session.deposits, 1)
	assert.InDelta(t, 4.25, f.session.deposits[0], 1e-9)
}

func TestOpenPositionRequiresHighLeverageOptIn(t *testing.T) {
	f := newFixture(t)
	f.session.state = domain.AccountState{Collateral: 500}
	f.session.marginReq = 100 // $100 principal at 60x

	req := validOpenRequest()
	req.Principal = 100
	req.LeverageRequested = 60

	result, err := f.svc.OpenPosition(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.RequiresHighLeverage)
	require.Len(t, result.Instructions, 1)
	assert.Equal(t, "enableHighLeverage", result.Instructions[0].Kind)
	assert.Equal(t, 1, f.session.hlCalls)
	assert.Zero(t, f.store.count(), "opt-in round trips must not create a record")
}

func TestOpenPositionSkipsOptInWhenEnabled(t *testing.T) {
	f := newFixture(t)
	f.session.state = domain.AccountState{Collateral: 500, HighLeverageEnabled: true}
	f.session.marginReq = 100

	req := validOpenRequest()
	req.Principal = 100
	req.LeverageRequested = 60

	result, err := f.svc.OpenPosition(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.RequiresHighLeverage)
	assert.Equal(t, 1, f.store.count())
}

func seedPosition(f *fixture, status domain.PositionStatus) domain.Position {
	pos := domain.Position{
		ID:                "pos-1",
		OwnerID:           "owner-1",
		Asset:             "SOL-PERP",
		Direction:         domain.DirectionLong,
		Principal:         25,
		LeverageRequested: 5,
		LeverageEffective: 5,
		PositionSizeUsd:   125,
		EntryPrice:        160,
		Status:            status,
		LiquidationPrice:  156,
		CreatedAt:         time.Now().UTC(),
	}
	if status != domain.PositionStatusPending {
		now := time.Now().UTC()
		pos.OpenedAt = &now
	}
	f.store.positions[pos.ID] = pos
	return pos
}

func TestConfirmOpenTransitionsToOpen(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusPending)

	pos, err := f.svc.ConfirmOpen(context.Background(), "owner-1", "pos-1", "tx-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.NotNil(t, pos.OpenedAt)
	assert.Equal(t, "tx-abc", pos.TxRef)

	// Confirming twice is rejected.
	_, err = f.svc.ConfirmOpen(context.Background(), "owner-1", "pos-1", "tx-abc")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConfirmOpenWrongOwner(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusPending)

	_, err := f.svc.ConfirmOpen(context.Background(), "owner-2", "pos-1", "tx-abc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosePositionBuildsReduceOnlyAndWithdraw(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)
	f.session.quote = domain.PriceQuote{Price: 164, Source: domain.PriceSourceOracle}
	f.session.state = domain.AccountState{FreeCollateral: 30}

	result, err := f.svc.ClosePosition(context.Background(), "owner-1", "pos-1")
	require.NoError(t, err)

	assert.InDelta(t, 3.125, result.PnlUsd, 1e-9)
	assert.InDelta(t, 12.5, result.PnlPercent, 1e-9)
	assert.InDelta(t, 164, result.CurrentPrice, 1e-9)

	require.Len(t, f.session.orders, 1)
	assert.Equal(t, domain.DirectionShort, f.session.orders[0].Direction)
	assert.True(t, f.session.orders[0].ReduceOnly)
	assert.InDelta(t, 125, f.session.orders[0].SizeUsd, 1e-9)

	// Freed collateral (25 + 3.125) exceeds the buffered free collateral
	// (30 * 0.9 = 27), so the withdraw is capped.
	require.Len(t, f.session.withdraws, 1)
	assert.InDelta(t, 27, f.session.withdraws[0], 1e-9)
	require.Len(t, result.Instructions, 2)

	// The record stays open until ConfirmClose.
	stored, _ := f.store.Get(context.Background(), "pos-1")
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)
}

func TestClosePositionSkipsWithdrawOnStateError(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)
	f.session.quote = domain.PriceQuote{Price: 164, Source: domain.PriceSourceOracle}
	f.session.stateErr = errors.New("account read failed")

	result, err := f.svc.ClosePosition(context.Background(), "owner-1", "pos-1")
	require.NoError(t, err)
	assert.Empty(t, f.session.withdraws)
	require.Len(t, result.Instructions, 1)
	assert.Equal(t, "order", result.Instructions[0].Kind)
}

func TestClosePositionAlreadyClosed(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusClosed)

	_, err := f.svc.ClosePosition(context.Background(), "owner-1", "pos-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Zero(t, f.dials)
}

func TestClosePositionPendingRejected(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusPending)

	_, err := f.svc.ClosePosition(context.Background(), "owner-1", "pos-1")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConfirmCloseSettlesPosition(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)

	pos, err := f.svc.ConfirmClose(context.Background(), "owner-1", "pos-1", "tx-close", 164)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.ExitPrice)
	assert.InDelta(t, 164, *pos.ExitPrice, 1e-9)
	assert.NotNil(t, pos.ClosedAt)
	assert.InDelta(t, 3.125, pos.PnlUsd, 1e-9)
	assert.InDelta(t, 12.5, pos.PnlPercent, 1e-9)

	// Settled records are immutable.
	_, err = f.svc.ConfirmClose(context.Background(), "owner-1", "pos-1", "tx-close", 165)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestConfirmCloseRejectsBadExitPrice(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)

	_, err := f.svc.ConfirmClose(context.Background(), "owner-1", "pos-1", "tx-close", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListPositionsRecomputesLivePnl(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)
	require.NoError(t, f.cache.SetQuote(context.Background(), domain.PriceQuote{
		Asset: "SOL-PERP", Price: 164, Source: domain.PriceSourceOracle, ObservedAt: time.Now(),
	}))

	positions, err := f.svc.ListPositions(context.Background(), "owner-1", nil, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 1)

	assert.InDelta(t, 3.125, positions[0].PnlUsd, 1e-9)
	assert.InDelta(t, 12.5, positions[0].PnlPercent, 1e-9)
	assert.False(t, positions[0].Degraded)
}

func TestListPositionsDegradesOnMissingQuote(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)

	positions, err := f.svc.ListPositions(context.Background(), "owner-1", nil, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 1)

	assert.Zero(t, positions[0].PnlUsd)
	assert.Zero(t, positions[0].PnlPercent)
	assert.True(t, positions[0].Degraded)
}

func TestListPositionsLeavesSettledRecordsAlone(t *testing.T) {
	f := newFixture(t)
	pos := seedPosition(f, domain.PositionStatusClosed)
	pos.PnlUsd = 3.125
	pos.PnlPercent = 12.5
	f.store.positions[pos.ID] = pos

	require.NoError(t, f.cache.SetQuote(context.Background(), domain.PriceQuote{
		Asset: "SOL-PERP", Price: 999, Source: domain.PriceSourceOracle, ObservedAt: time.Now(),
	}))

	positions, err := f.svc.ListPositions(context.Background(), "owner-1", nil, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 3.125, positions[0].PnlUsd, 1e-9)
}

func TestMarkLiquidated(t *testing.T) {
	f := newFixture(t)
	seedPosition(f, domain.PositionStatusOpen)

	pos, err := f.svc.MarkLiquidated(context.Background(), "pos-1", 156)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidated, pos.Status)
	require.NotNil(t, pos.ExitPrice)
	assert.InDelta(t, 156, *pos.ExitPrice, 1e-9)
	assert.Less(t, pos.PnlUsd, 0.0)
}

func TestExpirePending(t *testing.T) {
	f := newFixture(t)
	pos := seedPosition(f, domain.PositionStatusPending)
	pos.CreatedAt = time.Now().UTC().Add(-time.Hour)
	f.store.positions[pos.ID] = pos

	n, err := f.svc.ExpirePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, _ := f.store.Get(context.Background(), "pos-1")
	assert.Equal(t, domain.PositionStatusCancelled, stored.Status)
}

func TestBalance(t *testing.T) {
	f := newFixture(t)
	f.session.state = domain.AccountState{
		Collateral:          40,
		FreeCollateral:      30,
		WalletBalance:       10,
		HighLeverageEnabled: true,
	}

	balance, err := f.svc.Balance(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.InDelta(t, 40, balance.Collateral, 1e-9)
	assert.InDelta(t, 30, balance.FreeCollateral, 1e-9)
	assert.InDelta(t, 50, balance.AvailableCollateral, 1e-9)
	assert.True(t, balance.HighLeverageEnabled)
	assert.Equal(t, 1, f.session.closes)
}

func TestBalanceRequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Balance(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
