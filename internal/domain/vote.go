package domain

import "github.com/ethereum/go-ethereum/common"

// Vote is a single weighted resolution vote: (market, voter) -> choice.
// Recorded at most once per voter, only while the market is disputed and the
// voting window is open. Weight is the voter's total exposure in the market
// at the time the vote is cast.
type Vote struct {
	MarketID uint64         `json:"market_id"`
	Voter    common.Address `json:"voter"`
	Outcome  int            `json:"outcome"`
	Weight   int64          `json:"weight"`
	CastAt   uint64         `json:"cast_at"`
}

// VoteTally summarizes the weighted votes of a disputed market.
type VoteTally struct {
	MarketID    uint64  `json:"market_id"`
	ByOutcome   []int64 `json:"by_outcome"`
	TotalWeight int64   `json:"total_weight"`
	Voters      int     `json:"voters"`
}
