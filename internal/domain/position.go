package domain

import "time"

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "pending"
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
	PositionStatusCancelled  PositionStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusClosed,
		PositionStatusLiquidated, PositionStatusCancelled:
		return true
	}
	return false
}

// Direction is the side of a leveraged exposure.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is long or short.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Position is a leveraged exposure record. The store is the sole durable
// copy; in-memory instances never outlive a request.
type Position struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"ownerId"`
	Asset             string         `json:"asset"`
	Direction         Direction      `json:"direction"`
	Principal         float64        `json:"principal"`
	LeverageRequested float64        `json:"leverageRequested"`
	LeverageEffective float64        `json:"leverageEffective"`
	PositionSizeUsd   float64        `json:"positionSizeUsd"`
	EntryPrice        float64        `json:"entryPrice"`
	ExitPrice         *float64       `json:"exitPrice,omitempty"`
	Status            PositionStatus `json:"status"`
	PnlUsd            float64        `json:"pnlUsd"`
	PnlPercent        float64        `json:"pnlPercent"`
	LiquidationPrice  float64        `json:"liquidationPrice"`
	TxRef             string         `json:"txRef,omitempty"`
	Degraded          bool           `json:"calculationDegraded,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	OpenedAt          *time.Time     `json:"openedAt,omitempty"`
	ClosedAt          *time.Time     `json:"closedAt,omitempty"`
}
