package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyClosed          = errors.New("position already closed")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrVenueUnavailable       = errors.New("venue unavailable")
	ErrNotReady               = errors.New("venue adapter not ready")
	ErrValidation             = errors.New("invalid input")
	ErrRateLimited            = errors.New("rate limited")
)
