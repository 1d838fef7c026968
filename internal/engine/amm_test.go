package engine_test

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
)

func TestBuySharesAccounting(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	const assetIn = int64(100_000_000)
	sharesOut, err := v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, assetIn)
	require.NoError(t, err)
	require.Positive(t, sharesOut)

	fee := assetIn * v.params.AmmFeeBps / 10_000

	pool, err := v.eng.Pool(m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, v.params.SeedReserve+assetIn-fee, pool.Reserve)
	assert.Equal(t, v.params.SeedShares-sharesOut, pool.Shares)
	assert.Equal(t, sharesOut, pool.Issued)

	sb, err := v.eng.ShareBalance(m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, sharesOut, sb.Shares)
	assert.Equal(t, assetIn, sb.CostBasis)

	got := v.market(t, m.ID)
	assert.Equal(t, fee, got.FeesAccrued)
	assert.Equal(t, m.Tracked+assetIn, got.Tracked)

	// The product never drifts outside the audit tolerance.
	assert.NoError(t, v.eng.AuditPool(m.ID, 0))
}

func TestSellSharesAccounting(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	sharesOut, err := v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 100_000_000)
	require.NoError(t, err)

	before := v.balance(t, alice)
	half := sharesOut / 2
	net, err := v.eng.SellShares(ctx, 1_200, alice, m.ID, 0, half)
	require.NoError(t, err)
	require.Positive(t, net)
	assert.Equal(t, before+net, v.balance(t, alice))

	sb, err := v.eng.ShareBalance(m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, sharesOut-half, sb.Shares)
	assert.Equal(t, int64(100_000_000)-net, sb.CostBasis)

	pool, err := v.eng.Pool(m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, sharesOut-half, pool.Issued)

	assert.NoError(t, v.eng.AuditPool(m.ID, 0))
}

// priceLess compares two (num, den) marginal prices by cross-multiplication.
func priceLess(n1, d1, n2, d2 int64) bool {
	l := new(uint256.Int).Mul(uint256.NewInt(uint64(n1)), uint256.NewInt(uint64(d2)))
	r := new(uint256.Int).Mul(uint256.NewInt(uint64(n2)), uint256.NewInt(uint64(d1)))
	return l.Cmp(r) < 0
}

func TestMarginalPriceMonotonic(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	price := func() (int64, int64) {
		pool, err := v.eng.Pool(m.ID, 0)
		require.NoError(t, err)
		return pool.MarginalPrice()
	}

	n0, d0 := price()
	_, err := v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 50_000_000)
	require.NoError(t, err)
	n1, d1 := price()
	_, err = v.eng.BuyShares(ctx, 1_200, alice, m.ID, 0, 50_000_000)
	require.NoError(t, err)
	n2, d2 := price()

	// Each buy strictly raises the next share's cost.
	assert.True(t, priceLess(n0, d0, n1, d1))
	assert.True(t, priceLess(n1, d1, n2, d2))

	sb, err := v.eng.ShareBalance(m.ID, 0, alice)
	require.NoError(t, err)
	_, err = v.eng.SellShares(ctx, 1_300, alice, m.ID, 0, sb.Shares/2)
	require.NoError(t, err)
	n3, d3 := price()

	// Selling moves the price back down.
	assert.True(t, priceLess(n3, d3, n2, d2))
}

func TestPoolsAreIndependent(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	before, err := v.eng.Pool(m.ID, 1)
	require.NoError(t, err)

	_, err = v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 100_000_000)
	require.NoError(t, err)

	after, err := v.eng.Pool(m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, before.Reserve, after.Reserve)
	assert.Equal(t, before.Shares, after.Shares)
}

func TestTradeRejections(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)
	pari := v.createPari(t)

	_, err := v.eng.BuyShares(ctx, 1_100, alice, pari.ID, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrWrongMechanism)

	_, err = v.eng.BuyShares(ctx, betDeadline, alice, m.ID, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrBettingClosed)

	_, err = v.eng.BuyShares(ctx, 1_100, alice, m.ID, 5, 1_000)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)

	_, err = v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	// One micro-unit moves the reserve but rounds to zero shares.
	_, err = v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 1)
	assert.ErrorIs(t, err, domain.ErrTradeTooSmall)

	_, err = v.eng.SellShares(ctx, 1_100, bob, m.ID, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestBuyDebitFailureUnwinds(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	// Drain alice below the trade size.
	v.ledger.Reclaim(alice, seedFunds)
	v.ledger.Mint(alice, 1_000)

	before, err := v.eng.Pool(m.ID, 0)
	require.NoError(t, err)

	_, err = v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 100_000_000)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	after, err := v.eng.Pool(m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Reserve, after.Reserve)
	assert.Equal(t, before.Shares, after.Shares)
	assert.Zero(t, after.Issued)
	_, err = v.eng.ShareBalance(m.ID, 0, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, m.Tracked, v.market(t, m.ID).Tracked)
}

func TestAMMSettlement(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createAMM(t)

	sharesOut, err := v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 100_000_000)
	require.NoError(t, err)
	_, err = v.eng.BuyShares(ctx, 1_200, bob, m.ID, 1, 50_000_000)
	require.NoError(t, err)

	pool0, err := v.eng.Pool(m.ID, 0)
	require.NoError(t, err)
	pool1, err := v.eng.Pool(m.ID, 1)
	require.NoError(t, err)

	before := v.balance(t, alice)
	v.resolveTo(t, m, 0)

	got := v.market(t, m.ID)
	assert.Equal(t, pool0.Reserve+pool1.Reserve, got.SettlePot)
	assert.Equal(t, sharesOut, got.SettleShares)
	assert.Equal(t, domain.PayoutModePush, got.PayoutMode)

	// Alice holds every outstanding winning share, so the push payout hands
	// her the merged reserves less commission on her profit.
	assert.Greater(t, v.balance(t, alice), before)
	_, err = v.eng.ShareBalance(m.ID, 0, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditPoolTripsBreaker(t *testing.T) {
	v := newEnv(t)
	m := v.createAMM(t)

	require.NoError(t, v.eng.AuditPool(m.ID, 0))
	assert.ErrorIs(t, v.eng.AuditPool(99, 0), domain.ErrNotFound)

	// Rebuild the engine state with a pool whose reserve drifted 1% off the
	// invariant, the way a corrupted store would.
	snap := engine.Snapshot{
		State:   v.eng.State(),
		Markets: v.eng.Markets(""),
		Pools:   v.eng.Pools(m.ID),
	}
	for i := range snap.Pools {
		if snap.Pools[i].Outcome == 0 {
			snap.Pools[i].Reserve += snap.Pools[i].Reserve / 100
		}
	}
	v.eng.Restore(snap)

	err := v.eng.AuditPool(m.ID, 0)
	require.ErrorIs(t, err, domain.ErrPoolInvariant)
	assert.Equal(t, domain.BreakerOpen, v.eng.Breaker())

	// Tripped breaker halts new positions.
	_, err = v.eng.CreateMarket(context.Background(), 1_000, creator, pariRequest())
	assert.ErrorIs(t, err, domain.ErrEngineHalted)
}
