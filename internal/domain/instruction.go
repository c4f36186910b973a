package domain

// AccountMeta is one entry in an instruction's account key list.
type AccountMeta struct {
	PubKey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// Instruction is an opaque, unsigned unit of work built by the venue. The
// owner's credential holder signs and submits it; this service never does.
type Instruction struct {
	ProgramID string        `json:"programId"`
	Data      []byte        `json:"data"`
	Accounts  []AccountMeta `json:"accounts"`
	Kind      string        `json:"kind"` // deposit | order | withdraw | enable_high_leverage
}

// OrderParams describe a hypothetical or real perp order for margin
// checks and instruction construction.
type OrderParams struct {
	MarketIndex int
	Direction   Direction
	SizeUsd     float64
	Price       float64
	ReduceOnly  bool
}
