package domain

import "github.com/holiman/uint256"

// Pool is a per-(market, outcome) constant-product liquidity pool. Reserve is
// the stable-asset side, Shares the virtual outcome-share side, and K the
// product invariant fixed when the pool is seeded. After every trade
// reserve * shares must equal K within InvariantToleranceBps.
//
// Pools of different outcomes of the same market are fully independent:
// trading one outcome never moves another outcome's price.
type Pool struct {
	MarketID uint64       `json:"market_id"`
	Outcome  int          `json:"outcome"`
	Reserve  int64        `json:"reserve"`
	Shares   int64        `json:"shares"`
	K        *uint256.Int `json:"k"`

	// Issued is the number of shares held outside the pool (sold to traders),
	// used for the settlement snapshot at resolution.
	Issued int64 `json:"issued"`
}

// InvariantToleranceBps is the maximum relative drift of reserve*shares from
// K that a pool audit accepts: 1 bps = 0.01%.
const InvariantToleranceBps = 1

// Product returns reserve * shares as a 256-bit integer.
func (p *Pool) Product() *uint256.Int {
	r := uint256.NewInt(uint64(p.Reserve))
	s := uint256.NewInt(uint64(p.Shares))
	return r.Mul(r, s)
}

// MarginalPrice returns the asset cost of the next share as a (num, den)
// rational: reserve / shares. Callers compare prices by cross-multiplying so
// no division or floating point is involved.
func (p *Pool) MarginalPrice() (num, den int64) {
	return p.Reserve, p.Shares
}
