package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore persists positions. Implementations are the sole durable
// copy of a record; callers never cache positions across requests.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// Update replaces all mutable fields of a position. Returns ErrNotFound
	// when no row matches the id.
	Update(ctx context.Context, pos Position) error
	// Get retrieves a position by id regardless of owner.
	Get(ctx context.Context, id string) (Position, error)
	// GetOwned retrieves a position by id, scoped to the given owner.
	GetOwned(ctx context.Context, ownerID, id string) (Position, error)
	// List returns an owner's positions, newest first, optionally filtered
	// by status.
	List(ctx context.Context, ownerID string, status *PositionStatus, opts ListOpts) ([]Position, error)
	// ExpirePending cancels pending positions created before the cutoff and
	// returns how many rows were affected.
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
	// ListClosedBetween returns positions closed within [from, to), for
	// archive export.
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
