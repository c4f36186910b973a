package domain

import "context"

// VenueConn is a connection to the remote execution venue. Implementations
// own the wire protocol; callers manage the subscribe/unsubscribe lifecycle
// through the venue adapter, never directly.
type VenueConn interface {
	// Subscribe attaches to the venue's account and market data feeds.
	Subscribe(ctx context.Context) error
	// Unsubscribe detaches from the feeds. Safe to call after a failed
	// Subscribe.
	Unsubscribe(ctx context.Context) error

	GetOraclePrice(ctx context.Context, marketIndex int) (float64, error)
	GetAccountState(ctx context.Context, address string) (AccountState, error)
	// GetMarginRequirement returns the exact margin the venue requires for
	// a hypothetical order.
	GetMarginRequirement(ctx context.Context, address string, params OrderParams) (float64, error)

	BuildOrderInstruction(ctx context.Context, address string, params OrderParams) (Instruction, error)
	BuildDepositInstruction(ctx context.Context, address string, amountUsd float64) (Instruction, error)
	BuildWithdrawInstruction(ctx context.Context, address string, amountUsd float64) (Instruction, error)
	BuildEnableHighLeverageInstruction(ctx context.Context, address string) (Instruction, error)
}
