package domain

import (
	"context"
	"time"
)

// PriceCache stores the latest observed quotes so that clients connecting
// between polling ticks can be served immediately.
type PriceCache interface {
	SetQuote(ctx context.Context, q PriceQuote) error
	// GetQuote returns ErrNotFound when no quote has been cached.
	GetQuote(ctx context.Context, asset string) (PriceQuote, error)
	// GetQuotes omits assets with no cached quote.
	GetQuotes(ctx context.Context, assets []string) ([]PriceQuote, error)
}

// RateLimiter limits inbound API request rates per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus is an ephemeral pub/sub channel between services, used to nudge
// the distribution hub after confirmed transitions.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
