package drift

import "github.com/perpdesk/perpdesk/internal/domain"

// apiMarketParams mirrors the gateway's market parameter payload.
type apiMarketParams struct {
	MarketIndex            int     `json:"marketIndex"`
	MaintenanceMarginRatio float64 `json:"maintenanceMarginRatio"`
	MaxLeverage            float64 `json:"maxLeverage"`
	LastMarketPrice        float64 `json:"lastMarketPrice"`
}

// apiVenuePosition mirrors the gateway's on-chain position payload.
type apiVenuePosition struct {
	MarketIndex int     `json:"marketIndex"`
	BaseSizeUsd float64 `json:"baseSizeUsd"`
	EntryPrice  float64 `json:"entryPrice"`
}

// apiAccountState mirrors the gateway's account snapshot payload.
type apiAccountState struct {
	Address             string             `json:"address"`
	Collateral          float64            `json:"collateral"`
	FreeCollateral      float64            `json:"freeCollateral"`
	WalletBalance       float64            `json:"walletBalance"`
	HighLeverageEnabled bool               `json:"highLeverageEnabled"`
	Markets             []apiMarketParams  `json:"markets"`
	Positions           []apiVenuePosition `json:"positions"`
}

// ToDomainAccountState converts the wire payload into the domain snapshot.
func (a apiAccountState) ToDomainAccountState() domain.AccountState {
	markets := make(map[int]domain.MarketParams, len(a.Markets))
	for _, m := range a.Markets {
		markets[m.MarketIndex] = domain.MarketParams{
			MarketIndex:            m.MarketIndex,
			MaintenanceMarginRatio: m.MaintenanceMarginRatio,
			MaxLeverage:            m.MaxLeverage,
			LastMarketPrice:        m.LastMarketPrice,
		}
	}
	positions := make([]domain.VenuePosition, 0, len(a.Positions))
	for _, p := range a.Positions {
		positions = append(positions, domain.VenuePosition{
			MarketIndex: p.MarketIndex,
			BaseSizeUsd: p.BaseSizeUsd,
			EntryPrice:  p.EntryPrice,
		})
	}
	return domain.AccountState{
		Address:             a.Address,
		Collateral:          a.Collateral,
		FreeCollateral:      a.FreeCollateral,
		WalletBalance:       a.WalletBalance,
		HighLeverageEnabled: a.HighLeverageEnabled,
		Markets:             markets,
		Positions:           positions,
	}
}

// apiAccountMeta mirrors one account entry of an instruction.
type apiAccountMeta struct {
	PubKey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// apiInstruction mirrors the gateway's unsigned instruction payload. Data is
// base64 on the wire, which encoding/json maps to []byte.
type apiInstruction struct {
	ProgramID string           `json:"programId"`
	Data      []byte           `json:"data"`
	Accounts  []apiAccountMeta `json:"accounts"`
}

// ToDomainInstruction converts the wire payload, tagging it with kind.
func (i apiInstruction) ToDomainInstruction(kind string) domain.Instruction {
	accounts := make([]domain.AccountMeta, 0, len(i.Accounts))
	for _, m := range i.Accounts {
		accounts = append(accounts, domain.AccountMeta{
			PubKey:     m.PubKey,
			IsSigner:   m.IsSigner,
			IsWritable: m.IsWritable,
		})
	}
	return domain.Instruction{
		ProgramID: i.ProgramID,
		Data:      i.Data,
		Accounts:  accounts,
		Kind:      kind,
	}
}

// apiOrderParams is the order payload sent to the gateway.
type apiOrderParams struct {
	MarketIndex int     `json:"marketIndex"`
	Direction   string  `json:"direction"`
	SizeUsd     float64 `json:"sizeUsd"`
	Price       float64 `json:"price"`
	ReduceOnly  bool    `json:"reduceOnly"`
}

func toAPIOrderParams(p domain.OrderParams) apiOrderParams {
	return apiOrderParams{
		MarketIndex: p.MarketIndex,
		Direction:   string(p.Direction),
		SizeUsd:     p.SizeUsd,
		Price:       p.Price,
		ReduceOnly:  p.ReduceOnly,
	}
}
