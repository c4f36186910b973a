package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
)

// DialConfig bounds connection establishment. Subscribe is retried a small
// fixed number of times with a fixed delay, under a hard timeout; exhaustion
// fails the whole operation.
type DialConfig struct {
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Adapter presents the narrow, typed surface over a venue connection for a
// single owner address. Callers must release it with Close on every exit
// path; Close always unsubscribes.
type Adapter struct {
	conn    domain.VenueConn
	assets  *config.AssetTable
	address string
	logger  *slog.Logger

	ready atomic.Bool

	mu        sync.Mutex
	lastState domain.AccountState
	hasState  bool
}

// Dial subscribes to the venue's data feeds and waits for first data (an
// initial account snapshot) before returning a ready Adapter. A failed dial
// leaves nothing subscribed.
func Dial(ctx context.Context, conn domain.VenueConn, address string, assets *config.AssetTable, cfg DialConfig, logger *slog.Logger) (*Adapter, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = conn.Subscribe(ctx); err == nil {
			break
		}
		logger.WarnContext(ctx, "venue: subscribe attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == attempts {
			return nil, fmt.Errorf("venue: subscribe after %d attempts: %w", attempts, err)
		}
		if serr := sleepCtx(ctx, cfg.RetryDelay); serr != nil {
			return nil, fmt.Errorf("venue: subscribe wait: %w", serr)
		}
	}

	a := &Adapter{
		conn:    conn,
		assets:  assets,
		address: address,
		logger:  logger,
	}

	// First data gate: the adapter is not ready until an initial account
	// snapshot has arrived.
	state, err := conn.GetAccountState(ctx, address)
	if err != nil {
		_ = conn.Unsubscribe(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("venue: initial account snapshot: %w", err)
	}
	a.setState(state)
	a.ready.Store(true)

	return a, nil
}

// Close releases the connection. It always unsubscribes, including after a
// partial failure, and is safe to defer immediately after Dial.
func (a *Adapter) Close(ctx context.Context) error {
	a.ready.Store(false)
	if err := a.conn.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("venue: unsubscribe: %w", err)
	}
	return nil
}

// Address returns the owner address this adapter was dialed for.
func (a *Adapter) Address() string {
	return a.address
}

func (a *Adapter) setState(state domain.AccountState) {
	a.mu.Lock()
	a.lastState = state
	a.hasState = true
	a.mu.Unlock()
}

func (a *Adapter) cachedState() (domain.AccountState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastState, a.hasState
}

func (a *Adapter) checkReady() error {
	if !a.ready.Load() {
		return domain.ErrNotReady
	}
	return nil
}

// AccountState fetches a fresh account snapshot and caches it for price
// fallbacks.
func (a *Adapter) AccountState(ctx context.Context) (domain.AccountState, error) {
	if err := a.checkReady(); err != nil {
		return domain.AccountState{}, err
	}
	state, err := a.conn.GetAccountState(ctx, a.address)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("venue: account state: %w", err)
	}
	a.setState(state)
	return state, nil
}

// OraclePrice returns a quote for the asset, trying the live oracle feed,
// then the last-known AMM price from the account snapshot, then the static
// per-asset default. The quote's Source field records which tier answered.
func (a *Adapter) OraclePrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	if err := a.checkReady(); err != nil {
		return domain.PriceQuote{}, err
	}
	asset, ok := a.assets.Get(symbol)
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("venue: unsupported asset %q: %w", symbol, domain.ErrValidation)
	}

	price, err := a.conn.GetOraclePrice(ctx, asset.MarketIndex)
	if err == nil && price > 0 {
		return domain.PriceQuote{
			Asset:      asset.Symbol,
			Price:      price,
			Source:     domain.PriceSourceOracle,
			ObservedAt: time.Now().UTC(),
		}, nil
	}
	if err != nil {
		a.logger.WarnContext(ctx, "venue: oracle price unavailable, falling back",
			slog.String("asset", asset.Symbol),
			slog.String("error", err.Error()),
		)
	}

	if state, ok := a.cachedState(); ok {
		if m, ok := state.Market(asset.MarketIndex); ok && m.LastMarketPrice > 0 {
			return domain.PriceQuote{
				Asset:      asset.Symbol,
				Price:      m.LastMarketPrice,
				Source:     domain.PriceSourceMarket,
				ObservedAt: time.Now().UTC(),
			}, nil
		}
	}

	// Last resort: static default keeps the system minimally operable
	// during a venue outage. Callers detect this via Source.
	return domain.PriceQuote{
		Asset:      asset.Symbol,
		Price:      asset.DefaultPrice,
		Source:     domain.PriceSourceDefault,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// MarginRequirement asks the venue for the exact margin required for a
// hypothetical order.
func (a *Adapter) MarginRequirement(ctx context.Context, params domain.OrderParams) (float64, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	margin, err := a.conn.GetMarginRequirement(ctx, a.address, params)
	if err != nil {
		return 0, fmt.Errorf("venue: margin requirement: %w", err)
	}
	return margin, nil
}

// BuildOrderInstruction constructs an unsigned place-order instruction.
func (a *Adapter) BuildOrderInstruction(ctx context.Context, params domain.OrderParams) (domain.Instruction, error) {
	if err := a.checkReady(); err != nil {
		return domain.Instruction{}, err
	}
	ix, err := a.conn.BuildOrderInstruction(ctx, a.address, params)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("venue: build order instruction: %w", err)
	}
	return ix, nil
}

// BuildDepositInstruction constructs an unsigned deposit instruction.
func (a *Adapter) BuildDepositInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error) {
	if err := a.checkReady(); err != nil {
		return domain.Instruction{}, err
	}
	ix, err := a.conn.BuildDepositInstruction(ctx, a.address, amountUsd)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("venue: build deposit instruction: %w", err)
	}
	return ix, nil
}

// BuildWithdrawInstruction constructs an unsigned withdraw instruction.
func (a *Adapter) BuildWithdrawInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error) {
	if err := a.checkReady(); err != nil {
		return domain.Instruction{}, err
	}
	ix, err := a.conn.BuildWithdrawInstruction(ctx, a.address, amountUsd)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("venue: build withdraw instruction: %w", err)
	}
	return ix, nil
}

// BuildEnableHighLeverageInstruction constructs the opt-in instruction for
// high-leverage mode.
func (a *Adapter) BuildEnableHighLeverageInstruction(ctx context.Context) (domain.Instruction, error) {
	if err := a.checkReady(); err != nil {
		return domain.Instruction{}, err
	}
	ix, err := a.conn.BuildEnableHighLeverageInstruction(ctx, a.address)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("venue: build enable-high-leverage instruction: %w", err)
	}
	return ix, nil
}
