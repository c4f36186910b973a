package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpdesk/perpdesk/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_id, asset, direction, principal,
	leverage_requested, leverage_effective, position_size_usd,
	entry_price, exit_price, status, pnl_usd, pnl_percent,
	liquidation_price, tx_ref, degraded, created_at, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, status string

	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Asset, &direction, &p.Principal,
		&p.LeverageRequested, &p.LeverageEffective, &p.PositionSizeUsd,
		&p.EntryPrice, &p.ExitPrice, &status, &p.PnlUsd, &p.PnlPercent,
		&p.LiquidationPrice, &p.TxRef, &p.Degraded,
		&p.CreatedAt, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_id, asset, direction, principal,
			leverage_requested, leverage_effective, position_size_usd,
			entry_price, exit_price, status, pnl_usd, pnl_percent,
			liquidation_price, tx_ref, degraded, created_at, opened_at, closed_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Asset, string(p.Direction), p.Principal,
		p.LeverageRequested, p.LeverageEffective, p.PositionSizeUsd,
		p.EntryPrice, p.ExitPrice, string(p.Status), p.PnlUsd, p.PnlPercent,
		p.LiquidationPrice, p.TxRef, p.Degraded,
		p.CreatedAt, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			leverage_effective = $2,
			position_size_usd  = $3,
			entry_price        = $4,
			exit_price         = $5,
			status             = $6,
			pnl_usd            = $7,
			pnl_percent        = $8,
			liquidation_price  = $9,
			tx_ref             = $10,
			degraded           = $11,
			opened_at          = $12,
			closed_at          = $13,
			updated_at         = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.LeverageEffective, p.PositionSizeUsd,
		p.EntryPrice, p.ExitPrice, string(p.Status),
		p.PnlUsd, p.PnlPercent, p.LiquidationPrice,
		p.TxRef, p.Degraded, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves a single position by its ID.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOwned retrieves a position by ID scoped to the given owner.
func (s *PositionStore) GetOwned(ctx context.Context, ownerID, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1 AND owner_id = $2`,
		id, ownerID)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s for owner %s: %w", id, ownerID, err)
	}
	return p, nil
}

// List returns an owner's positions, newest first, optionally filtered by status.
func (s *PositionStore) List(ctx context.Context, ownerID string, status *domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner_id = $1`
	args := []any{ownerID}
	argIdx := 2

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ExpirePending cancels pending positions created before the cutoff.
func (s *PositionStore) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE positions SET
			status     = 'cancelled',
			updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1`

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire pending positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListClosedBetween returns positions closed within [from, to), for archive export.
func (s *PositionStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('closed', 'liquidated')
		   AND closed_at >= $1 AND closed_at < $2
		 ORDER BY closed_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
