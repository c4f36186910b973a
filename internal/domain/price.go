package domain

import "time"

// PriceSource identifies which fallback tier produced a quote.
type PriceSource string

const (
	PriceSourceOracle  PriceSource = "oracle"
	PriceSourceMarket  PriceSource = "market"  // last-known AMM price
	PriceSourceDefault PriceSource = "default" // static per-asset fallback
)

// PriceQuote is an ephemeral observation of an asset's price. It is never
// persisted; the distribution layer caches it briefly for late joiners.
type PriceQuote struct {
	Asset      string      `json:"asset"`
	Price      float64     `json:"price"`
	Source     PriceSource `json:"source"`
	ObservedAt time.Time   `json:"observedAt"`
}

// Degraded reports whether the quote came from a fallback tier rather than
// the live oracle feed.
func (q PriceQuote) Degraded() bool {
	return q.Source != PriceSourceOracle
}
