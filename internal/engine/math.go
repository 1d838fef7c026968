package engine

import (
	gomath "math"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"

	"github.com/outcomelab/settled/internal/domain"
)

// Monetary values are non-negative int64 micro-units. Addition and
// subtraction go through the overflow-checked uint64 helpers; products and
// ratios use 256-bit intermediates so stake * pool never wraps.

func addAmount(a, b int64) (int64, error) {
	sum, overflow := ethmath.SafeAdd(uint64(a), uint64(b))
	if overflow || sum > gomath.MaxInt64 {
		return 0, domain.ErrOverflow
	}
	return int64(sum), nil
}

func subAmount(a, b int64) (int64, error) {
	diff, underflow := ethmath.SafeSub(uint64(a), uint64(b))
	if underflow {
		return 0, domain.ErrOverflow
	}
	return int64(diff), nil
}

// mulDiv computes a * b / den with a 256-bit intermediate, rounding down.
func mulDiv(a, b, den int64) (int64, error) {
	if den <= 0 {
		return 0, domain.ErrOverflow
	}
	x := uint256.NewInt(uint64(a))
	x.Mul(x, uint256.NewInt(uint64(b)))
	x.Div(x, uint256.NewInt(uint64(den)))
	if !x.IsUint64() || x.Uint64() > gomath.MaxInt64 {
		return 0, domain.ErrOverflow
	}
	return int64(x.Uint64()), nil
}

// divCeil divides a 256-bit numerator by an int64, rounding up. Used when
// computing the pool side that must not be shortchanged by truncation.
func divCeil(num *uint256.Int, den int64) (int64, error) {
	if den <= 0 {
		return 0, domain.ErrOverflow
	}
	d := uint256.NewInt(uint64(den))
	q := new(uint256.Int)
	r := new(uint256.Int)
	q.DivMod(num, d, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	if !q.IsUint64() || q.Uint64() > gomath.MaxInt64 {
		return 0, domain.ErrOverflow
	}
	return int64(q.Uint64()), nil
}
