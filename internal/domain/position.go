package domain

import "github.com/ethereum/go-ethereum/common"

// Position is a pari-mutuel stake: (market, outcome, account) -> amount.
// The key is unique; repeated bets on the same outcome accumulate. The sum of
// all positions for an outcome always equals the outcome's stake pool total.
type Position struct {
	MarketID uint64         `json:"market_id"`
	Outcome  int            `json:"outcome"`
	Account  common.Address `json:"account"`
	Amount   int64          `json:"amount"`
	PlacedAt uint64         `json:"placed_at"`
}

// ShareBalance is an AMM holding: (market, outcome, account) -> shares.
// CostBasis tracks the net asset amount paid in (buys minus sell proceeds)
// and funds refunds when a market is cancelled.
type ShareBalance struct {
	MarketID  uint64         `json:"market_id"`
	Outcome   int            `json:"outcome"`
	Account   common.Address `json:"account"`
	Shares    int64          `json:"shares"`
	CostBasis int64          `json:"cost_basis"`
}
