// Package service contains the position lifecycle manager and related
// orchestration over the venue adapter, margin calculator, and stores.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perpdesk/perpdesk/internal/config"
	"github.com/perpdesk/perpdesk/internal/domain"
	"github.com/perpdesk/perpdesk/internal/margin"
)

// positionsChannel is the signal-bus channel carrying lifecycle events; the
// distribution hub subscribes to it to refresh owner streams immediately.
const positionsChannel = "positions"

// VenueSession is a ready venue adapter scoped to one owner. It must be
// released with Close on every exit path. *venue.Adapter satisfies it.
type VenueSession interface {
	AccountState(ctx context.Context) (domain.AccountState, error)
	OraclePrice(ctx context.Context, symbol string) (domain.PriceQuote, error)
	MarginRequirement(ctx context.Context, params domain.OrderParams) (float64, error)
	BuildOrderInstruction(ctx context.Context, params domain.OrderParams) (domain.Instruction, error)
	BuildDepositInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error)
	BuildWithdrawInstruction(ctx context.Context, amountUsd float64) (domain.Instruction, error)
	BuildEnableHighLeverageInstruction(ctx context.Context) (domain.Instruction, error)
	Close(ctx context.Context) error
}

// VenueDialer opens a venue session for an owner.
type VenueDialer interface {
	Dial(ctx context.Context, ownerID string) (VenueSession, error)
}

// VenueDialerFunc adapts a function to the VenueDialer interface.
type VenueDialerFunc func(ctx context.Context, ownerID string) (VenueSession, error)

// Dial implements VenueDialer.
func (f VenueDialerFunc) Dial(ctx context.Context, ownerID string) (VenueSession, error) {
	return f(ctx, ownerID)
}

// Options tune the lifecycle manager.
type Options struct {
	// MinPrincipal is the smallest accepted margin contribution, USD.
	MinPrincipal float64
	// HighLeverageMin is the requested leverage above which the account
	// must have opted into high-leverage mode.
	HighLeverageMin float64
	// WithdrawBuffer is the safety fraction held back from the reported
	// free collateral when bundling a withdraw with a close.
	WithdrawBuffer float64
	// PendingTTL is how long an unconfirmed open request may stay pending.
	PendingTTL time.Duration
}

// PositionService is the position lifecycle manager: it validates and
// orchestrates open/close flows, persists records, and recomputes PnL.
type PositionService struct {
	store  domain.PositionStore
	audit  domain.AuditStore
	bus    domain.SignalBus
	prices domain.PriceCache
	dialer VenueDialer
	calc   *margin.Calculator
	assets *config.AssetTable
	opts   Options
	logger *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	store domain.PositionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	prices domain.PriceCache,
	dialer VenueDialer,
	calc *margin.Calculator,
	assets *config.AssetTable,
	opts Options,
	logger *slog.Logger,
) *PositionService {
	if opts.MinPrincipal <= 0 {
		opts.MinPrincipal = 10
	}
	if opts.HighLeverageMin <= 0 {
		opts.HighLeverageMin = 50
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 15 * time.Minute
	}
	return &PositionService{
		store:  store,
		audit:  audit,
		bus:    bus,
		prices: prices,
		dialer: dialer,
		calc:   calc,
		assets: assets,
		opts:   opts,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// OpenRequest is the input for OpenPosition.
type OpenRequest struct {
	OwnerID           string
	Asset             string
	Direction         domain.Direction
	Principal         float64
	LeverageRequested float64
}

// OpenResult carries the pending record and the unsigned instructions the
// owner must sign and submit. When RequiresHighLeverage is set, only the
// opt-in instruction is returned and no record was created; the caller
// should retry after confirming it.
type OpenResult struct {
	Position             domain.Position      `json:"position"`
	Instructions         []domain.Instruction `json:"instructions"`
	RequiresHighLeverage bool                 `json:"requiresHighLeverage,omitempty"`
	MarginRequired       float64              `json:"marginRequired"`
	Degraded             bool                 `json:"calculationDegraded,omitempty"`
}

func (s *PositionService) validateOpen(req OpenRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("ownerId is required: %w", domain.ErrValidation)
	}
	if !req.Direction.Valid() {
		return fmt.Errorf("direction must be long or short: %w", domain.ErrValidation)
	}
	if req.Principal < s.opts.MinPrincipal {
		return fmt.Errorf("principal must be at least $%.0f: %w", s.opts.MinPrincipal, domain.ErrValidation)
	}
	if req.LeverageRequested < 1 || req.LeverageRequested > 100 {
		return fmt.Errorf("leverage must be between 1 and 100: %w", domain.ErrValidation)
	}
	if _, ok := s.assets.Get(req.Asset); !ok {
		return fmt.Errorf("unsupported asset %q: %w", req.Asset, domain.ErrValidation)
	}
	return nil
}

// OpenPosition validates the request, sizes the position, and returns a
// pending record plus unsigned instructions. No record is created when the
// margin check fails.
func (s *PositionService) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if err := s.validateOpen(req); err != nil {
		return OpenResult{}, fmt.Errorf("position_service: %w", err)
	}
	asset, _ := s.assets.Get(req.Asset)

	sess, err := s.dialer.Dial(ctx, req.OwnerID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("position_service: dial venue: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.WarnContext(ctx, "venue session close failed",
				slog.String("owner_id", req.OwnerID),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	quote, err := sess.OraclePrice(ctx, asset.Symbol)
	if err != nil {
		return OpenResult{}, fmt.Errorf("position_service: price for %s: %w", asset.Symbol, err)
	}

	state, err := sess.AccountState(ctx)
	if err != nil {
		return OpenResult{}, fmt.Errorf("position_service: account state: %w", err)
	}

	calcRes, err := s.calc.Compute(ctx, sess, margin.Input{
		Principal:         req.Principal,
		LeverageRequested: req.LeverageRequested,
		Direction:         req.Direction,
		Asset:             asset.Symbol,
		Account:           state,
		OraclePrice:       quote.Price,
		PriceDegraded:     quote.Degraded(),
	})
	if err != nil {
		return OpenResult{}, fmt.Errorf("position_service: margin calculation: %w", err)
	}

	if !calcRes.CanExecute {
		return OpenResult{}, fmt.Errorf(
			"position_service: margin $%.2f exceeds available collateral $%.2f: %w",
			calcRes.MarginRequired, state.AvailableCollateral(), domain.ErrInsufficientCollateral,
		)
	}

	// High-leverage requests need an on-venue opt-in before the order can
	// exist. Return just the opt-in instruction; the caller retries the
	// open after confirming it.
	if req.LeverageRequested > s.opts.HighLeverageMin && !state.HighLeverageEnabled {
		ix, err := sess.BuildEnableHighLeverageInstruction(ctx)
		if err != nil {
			return OpenResult{}, fmt.Errorf("position_service: enable high leverage: %w", err)
		}
		return OpenResult{
			Instructions:         []domain.Instruction{ix},
			RequiresHighLeverage: true,
			MarginRequired:       calcRes.MarginRequired,
			Degraded:             calcRes.Degraded,
		}, nil
	}

	var instructions []domain.Instruction
	if state.Collateral < calcRes.MarginRequired {
		deposit, err := sess.BuildDepositInstruction(ctx, calcRes.MarginRequired-state.Collateral)
		if err != nil {
			return OpenResult{}, fmt.Errorf("position_service: build deposit: %w", err)
		}
		instructions = append(instructions, deposit)
	}

	order, err := sess.BuildOrderInstruction(ctx, domain.OrderParams{
		MarketIndex: asset.MarketIndex,
		Direction:   req.Direction,
		SizeUsd:     calcRes.PositionSizeUsd,
		Price:       quote.Price,
	})
	if err != nil {
		return OpenResult{}, fmt.Errorf("position_service: build order: %w", err)
	}
	instructions = append(instructions, order)

	now := time.Now().UTC()
	pos := domain.Position{
		ID:                uuid.NewString(),
		OwnerID:           req.OwnerID,
		Asset:             asset.Symbol,
		Direction:         req.Direction,
		Principal:         req.Principal,
		LeverageRequested: req.LeverageRequested,
		LeverageEffective: calcRes.LeverageEffective,
		PositionSizeUsd:   calcRes.PositionSizeUsd,
		EntryPrice:        quote.Price,
		Status:            domain.PositionStatusPending,
		LiquidationPrice:  calcRes.LiquidationPrice,
		Degraded:          calcRes.Degraded,
		CreatedAt:         now,
	}

	if err := s.store.Create(ctx, pos); err != nil {
		return OpenResult{}, fmt.Errorf("position_service: create position: %w", err)
	}

	s.auditLog(ctx, "position_open_requested", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"asset":       pos.Asset,
		"direction":   string(pos.Direction),
		"principal":   pos.Principal,
		"leverage":    pos.LeverageEffective,
		"entry_price": pos.EntryPrice,
		"tier":        string(calcRes.Tier),
	})

	s.logger.InfoContext(ctx, "position open requested",
		slog.String("position_id", pos.ID),
		slog.String("asset", pos.Asset),
		slog.Float64("principal", pos.Principal),
		slog.Float64("leverage_effective", pos.LeverageEffective),
		slog.Float64("entry_price", pos.EntryPrice),
	)

	return OpenResult{
		Position:       pos,
		Instructions:   instructions,
		MarginRequired: calcRes.MarginRequired,
		Degraded:       calcRes.Degraded,
	}, nil
}

// ConfirmOpen transitions a pending position to open once the caller has
// signed and submitted the transaction.
func (s *PositionService) ConfirmOpen(ctx context.Context, ownerID, positionID, txRef string) (domain.Position, error) {
	pos, err := s.store.GetOwned(ctx, ownerID, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: confirm open %s: %w", positionID, err)
	}

	switch pos.Status {
	case domain.PositionStatusPending:
	case domain.PositionStatusClosed, domain.PositionStatusLiquidated:
		return domain.Position{}, fmt.Errorf("position_service: confirm open %s: %w", positionID, domain.ErrAlreadyClosed)
	default:
		return domain.Position{}, fmt.Errorf("position_service: confirm open %s: position is %s: %w", positionID, pos.Status, domain.ErrValidation)
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusOpen
	pos.OpenedAt = &now
	pos.TxRef = txRef

	if err := s.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: confirm open %s: %w", positionID, err)
	}

	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"tx_ref":      txRef,
	})
	s.publishEvent(ctx, "position_opened", pos)

	return pos, nil
}

// CloseResult carries the unsigned close instructions and a PnL preview at
// the current price. The record stays open until ConfirmClose.
type CloseResult struct {
	Position     domain.Position      `json:"position"`
	Instructions []domain.Instruction `json:"instructions"`
	PnlUsd       float64              `json:"pnlUsd"`
	PnlPercent   float64              `json:"pnlPercent"`
	CurrentPrice float64              `json:"currentPrice"`
	Degraded     bool                 `json:"calculationDegraded,omitempty"`
}

// ClosePosition builds the reduce-only instructions to exit an open
// position, optionally bundling a withdraw of freed collateral.
func (s *PositionService) ClosePosition(ctx context.Context, ownerID, positionID string) (CloseResult, error) {
	pos, err := s.store.GetOwned(ctx, ownerID, positionID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("position_service: close %s: %w", positionID, err)
	}

	switch pos.Status {
	case domain.PositionStatusOpen:
	case domain.PositionStatusClosed, domain.PositionStatusLiquidated, domain.PositionStatusCancelled:
		return CloseResult{}, fmt.Errorf("position_service: close %s: %w", positionID, domain.ErrAlreadyClosed)
	default:
		return CloseResult{}, fmt.Errorf("position_service: close %s: position is %s: %w", positionID, pos.Status, domain.ErrValidation)
	}

	asset, ok := s.assets.Get(pos.Asset)
	if !ok {
		return CloseResult{}, fmt.Errorf("position_service: close %s: unsupported asset %q: %w", positionID, pos.Asset, domain.ErrValidation)
	}

	sess, err := s.dialer.Dial(ctx, ownerID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("position_service: dial venue: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.WarnContext(ctx, "venue session close failed",
				slog.String("owner_id", ownerID),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	quote, err := sess.OraclePrice(ctx, asset.Symbol)
	if err != nil {
		return CloseResult{}, fmt.Errorf("position_service: price for %s: %w", asset.Symbol, err)
	}

	pnl := margin.PnL(pos.Direction, pos.EntryPrice, quote.Price, pos.PositionSizeUsd)
	pnlPct := margin.PnLPercent(pnl, pos.Principal)

	opposite := domain.DirectionShort
	if pos.Direction == domain.DirectionShort {
		opposite = domain.DirectionLong
	}

	order, err := sess.BuildOrderInstruction(ctx, domain.OrderParams{
		MarketIndex: asset.MarketIndex,
		Direction:   opposite,
		SizeUsd:     pos.PositionSizeUsd,
		Price:       quote.Price,
		ReduceOnly:  true,
	})
	if err != nil {
		return CloseResult{}, fmt.Errorf("position_service: build close order: %w", err)
	}
	instructions := []domain.Instruction{order}

	// Bundle a withdraw of the freed collateral, held back by the safety
	// buffer below the venue's reported free collateral. A failed account
	// read skips the withdraw rather than failing the close.
	if state, serr := sess.AccountState(ctx); serr == nil {
		freed := pos.Principal + pnl
		limit := state.FreeCollateral * (1 - s.opts.WithdrawBuffer)
		amount := freed
		if amount > limit {
			amount = limit
		}
		if amount > 0 {
			withdraw, werr := sess.BuildWithdrawInstruction(ctx, amount)
			if werr != nil {
				s.logger.WarnContext(ctx, "withdraw instruction skipped",
					slog.String("position_id", pos.ID),
					slog.String("error", werr.Error()),
				)
			} else {
				instructions = append(instructions, withdraw)
			}
		}
	} else {
		s.logger.WarnContext(ctx, "account state unavailable, withdraw skipped",
			slog.String("position_id", pos.ID),
			slog.String("error", serr.Error()),
		)
	}

	s.auditLog(ctx, "position_close_requested", map[string]any{
		"position_id":   pos.ID,
		"owner_id":      pos.OwnerID,
		"current_price": quote.Price,
		"pnl_usd":       pnl,
	})

	return CloseResult{
		Position:     pos,
		Instructions: instructions,
		PnlUsd:       pnl,
		PnlPercent:   pnlPct,
		CurrentPrice: quote.Price,
		Degraded:     quote.Degraded(),
	}, nil
}

// ConfirmClose transitions an open position to closed, stamping the exit
// price and final PnL.
func (s *PositionService) ConfirmClose(ctx context.Context, ownerID, positionID, txRef string, exitPrice float64) (domain.Position, error) {
	if exitPrice <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: confirm close %s: exit price must be positive: %w", positionID, domain.ErrValidation)
	}

	pos, err := s.store.GetOwned(ctx, ownerID, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: confirm close %s: %w", positionID, err)
	}

	switch pos.Status {
	case domain.PositionStatusOpen:
	case domain.PositionStatusClosed, domain.PositionStatusLiquidated:
		return domain.Position{}, fmt.Errorf("position_service: confirm close %s: %w", positionID, domain.ErrAlreadyClosed)
	default:
		return domain.Position{}, fmt.Errorf("position_service: confirm close %s: position is %s: %w", positionID, pos.Status, domain.ErrValidation)
	}

	now := time.Now().UTC()
	pnl := margin.PnL(pos.Direction, pos.EntryPrice, exitPrice, pos.PositionSizeUsd)

	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.ClosedAt = &now
	pos.PnlUsd = pnl
	pos.PnlPercent = margin.PnLPercent(pnl, pos.Principal)
	pos.TxRef = txRef

	if err := s.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: confirm close %s: %w", positionID, err)
	}

	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"exit_price":  exitPrice,
		"pnl_usd":     pos.PnlUsd,
		"tx_ref":      txRef,
	})
	s.publishEvent(ctx, "position_closed", pos)

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl_usd", pos.PnlUsd),
	)

	return pos, nil
}

// ListPositions returns an owner's positions, recomputing live PnL for open
// records against the latest cached quote. A missing or failed quote
// degrades that record (current = entry, PnL = 0) instead of failing the
// whole listing.
func (s *PositionService) ListPositions(ctx context.Context, ownerID string, status *domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.store.List(ctx, ownerID, status, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list for %q: %w", ownerID, err)
	}

	for i := range positions {
		if positions[i].Status != domain.PositionStatusOpen {
			continue
		}
		quote, qerr := s.prices.GetQuote(ctx, positions[i].Asset)
		if qerr != nil || quote.Price <= 0 {
			positions[i].PnlUsd = 0
			positions[i].PnlPercent = 0
			positions[i].Degraded = true
			if qerr != nil && !errors.Is(qerr, domain.ErrNotFound) {
				s.logger.WarnContext(ctx, "quote unavailable for live pnl",
					slog.String("position_id", positions[i].ID),
					slog.String("asset", positions[i].Asset),
					slog.String("error", qerr.Error()),
				)
			}
			continue
		}
		pnl := margin.PnL(positions[i].Direction, positions[i].EntryPrice, quote.Price, positions[i].PositionSizeUsd)
		positions[i].PnlUsd = pnl
		positions[i].PnlPercent = margin.PnLPercent(pnl, positions[i].Principal)
		positions[i].Degraded = positions[i].Degraded || quote.Degraded()
	}

	return positions, nil
}

// GetOpenPositions returns the owner's open positions with live PnL.
func (s *PositionService) GetOpenPositions(ctx context.Context, ownerID string) ([]domain.Position, error) {
	status := domain.PositionStatusOpen
	return s.ListPositions(ctx, ownerID, &status, domain.ListOpts{})
}

// ExpirePending sweeps pending positions older than the configured TTL to
// cancelled and returns how many were affected.
func (s *PositionService) ExpirePending(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.opts.PendingTTL)
	n, err := s.store.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("position_service: expire pending: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired pending positions", slog.Int64("count", n))
		s.auditLog(ctx, "positions_expired", map[string]any{"count": n})
	}
	return n, nil
}

// MarkLiquidated records a venue-reported forced closure. The transition is
// observational; this service never drives liquidations.
func (s *PositionService) MarkLiquidated(ctx context.Context, positionID string, exitPrice float64) (domain.Position, error) {
	pos, err := s.store.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: mark liquidated %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Position{}, fmt.Errorf("position_service: mark liquidated %s: position is %s: %w", positionID, pos.Status, domain.ErrValidation)
	}

	now := time.Now().UTC()
	pnl := margin.PnL(pos.Direction, pos.EntryPrice, exitPrice, pos.PositionSizeUsd)

	pos.Status = domain.PositionStatusLiquidated
	pos.ExitPrice = &exitPrice
	pos.ClosedAt = &now
	pos.PnlUsd = pnl
	pos.PnlPercent = margin.PnLPercent(pnl, pos.Principal)

	if err := s.store.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: mark liquidated %s: %w", positionID, err)
	}

	s.auditLog(ctx, "position_liquidated", map[string]any{
		"position_id": pos.ID,
		"owner_id":    pos.OwnerID,
		"exit_price":  exitPrice,
		"pnl_usd":     pos.PnlUsd,
	})
	s.publishEvent(ctx, "position_liquidated", pos)

	return pos, nil
}

// BalanceResult is a snapshot of the owner's venue collateral.
type BalanceResult struct {
	OwnerID             string  `json:"ownerId"`
	Collateral          float64 `json:"collateral"`
	FreeCollateral      float64 `json:"freeCollateral"`
	WalletBalance       float64 `json:"walletBalance"`
	AvailableCollateral float64 `json:"availableCollateral"`
	HighLeverageEnabled bool    `json:"highLeverageEnabled"`
}

// Balance fetches the owner's current collateral snapshot from the venue.
func (s *PositionService) Balance(ctx context.Context, ownerID string) (BalanceResult, error) {
	if ownerID == "" {
		return BalanceResult{}, fmt.Errorf("position_service: ownerId is required: %w", domain.ErrValidation)
	}

	sess, err := s.dialer.Dial(ctx, ownerID)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("position_service: dial venue: %w", err)
	}
	defer func() {
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.WarnContext(ctx, "venue session close failed",
				slog.String("owner_id", ownerID),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	state, err := sess.AccountState(ctx)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("position_service: account state: %w", err)
	}

	return BalanceResult{
		OwnerID:             ownerID,
		Collateral:          state.Collateral,
		FreeCollateral:      state.FreeCollateral,
		WalletBalance:       state.WalletBalance,
		AvailableCollateral: state.AvailableCollateral(),
		HighLeverageEnabled: state.HighLeverageEnabled,
	}, nil
}

// publishEvent nudges the distribution hub after confirmed transitions.
func (s *PositionService) publishEvent(ctx context.Context, event string, pos domain.Position) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"ownerId":     pos.OwnerID,
	})
	if err := s.bus.Publish(ctx, positionsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
