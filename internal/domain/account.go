package domain

// MarketParams are the published parameters for a single perp market,
// read from the venue account snapshot.
type MarketParams struct {
	MarketIndex            int
	MaintenanceMarginRatio float64 // 0 when the venue did not publish one
	MaxLeverage            float64
	LastMarketPrice        float64 // last AMM fill price, 0 when unknown
}

// VenuePosition is the venue's view of an on-chain exposure, used to
// observe forced liquidations.
type VenuePosition struct {
	MarketIndex int
	BaseSizeUsd float64
	EntryPrice  float64
}

// AccountState is a snapshot of an owner's venue account.
type AccountState struct {
	Address             string
	Collateral          float64 // on-venue settlement-asset collateral, USD
	FreeCollateral      float64 // collateral not backing open exposure
	WalletBalance       float64 // connected external wallet balance, USD
	HighLeverageEnabled bool
	Markets             map[int]MarketParams
	Positions           []VenuePosition
}

// AvailableCollateral is the total the owner can post as margin: on-venue
// collateral plus the external wallet balance of the settlement asset.
func (a AccountState) AvailableCollateral() float64 {
	return a.Collateral + a.WalletBalance
}

// Market returns the params for the given market index, if published.
func (a AccountState) Market(index int) (MarketParams, bool) {
	m, ok := a.Markets[index]
	return m, ok
}
