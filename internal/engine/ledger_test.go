package engine_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelab/settled/internal/asset"
	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
	"github.com/outcomelab/settled/internal/oracle"
)

func TestPlaceBetAccounting(t *testing.T) {
	v := newEnv(t)
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, bob, m.ID, 1, 30_000_000)
	v.bet(t, 1_300, carol, m.ID, 0, 5_000_000)
	v.bet(t, 1_400, alice, m.ID, 0, 2_000_000)

	got := v.market(t, m.ID)
	assert.Equal(t, []int64{17_000_000, 30_000_000}, got.StakePools)
	assert.Equal(t, int64(47_000_000), got.TotalPool)
	assert.Equal(t, creationDeposit+47_000_000, got.Tracked)
	assert.Equal(t, []int{2, 1}, got.Backers)

	// Stake records always sum to the pool totals.
	var sum int64
	for _, p := range v.eng.Positions(m.ID) {
		sum += p.Amount
	}
	assert.Equal(t, got.TotalPool, sum)

	pos, err := v.eng.Position(m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(12_000_000), pos.Amount)
	assert.Equal(t, uint64(1_100), pos.PlacedAt)

	assert.Equal(t, got.Tracked, v.balance(t, engine.EscrowAccount(m.ID)))
}

func TestPlaceBetRejections(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createPari(t)
	amm := v.createAMM(t)

	err := v.eng.PlaceBet(ctx, 1_100, alice, 99, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = v.eng.PlaceBet(ctx, 1_100, alice, amm.ID, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrWrongMechanism)

	err = v.eng.PlaceBet(ctx, betDeadline, alice, m.ID, 0, 1_000)
	assert.ErrorIs(t, err, domain.ErrBettingClosed)

	err = v.eng.PlaceBet(ctx, 1_100, alice, m.ID, 5, 1_000)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)

	err = v.eng.PlaceBet(ctx, 1_100, alice, m.ID, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestPlaceBetDebitFailureUnwinds(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &failingGateway{Ledger: ledger}
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, gw, oracle.NewTableSource(), nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ledger.Mint(alice, seedFunds)
	ctx := context.Background()

	m, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.NoError(t, err)

	gw.failDebit = true
	err = eng.PlaceBet(ctx, 1_100, alice, m.ID, 0, 10_000_000)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	got, err := eng.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0}, got.StakePools)
	assert.Zero(t, got.TotalPool)
	assert.Equal(t, []int{0, 0}, got.Backers)
	assert.Equal(t, creationDeposit, got.Tracked)
	assert.Empty(t, eng.Positions(m.ID))
}

func TestClaimWinnings(t *testing.T) {
	params := engine.DefaultParams()
	params.PushPayoutLimit = 0
	v := newEnvParams(t, params)
	ctx := context.Background()
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, bob, m.ID, 1, 30_000_000)
	v.resolveTo(t, m, 0)

	require.Equal(t, domain.PayoutModePull, v.market(t, m.ID).PayoutMode)

	// Gross 40M, commission 2% of the 30M profit.
	before := v.balance(t, alice)
	net, err := v.eng.ClaimWinnings(ctx, 90_000, alice, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(39_400_000), net)
	assert.Equal(t, before+net, v.balance(t, alice))

	got := v.market(t, m.ID)
	assert.Equal(t, int64(600_000), got.FeesAccrued)
	assert.Equal(t, creationDeposit+40_000_000-net, got.Tracked)

	// Claims are idempotent through record removal.
	_, err = v.eng.ClaimWinnings(ctx, 90_001, alice, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Losers hold nothing on the winning outcome.
	_, err = v.eng.ClaimWinnings(ctx, 90_002, bob, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimCreditFailureRestoresRecord(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &failingGateway{Ledger: ledger}
	orc := oracle.NewTableSource()
	params := engine.DefaultParams()
	params.PushPayoutLimit = 0
	eng := engine.New(admin, params, creationDeposit, gw, orc, nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ledger.Mint(alice, seedFunds)
	ctx := context.Background()

	m, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.NoError(t, err)
	require.NoError(t, eng.PlaceBet(ctx, 1_100, alice, m.ID, 0, 10_000_000))

	orc.Post(feedID, 0, 3)
	require.NoError(t, eng.AttemptOracleResolution(ctx, resolveDeadline, m.ID))
	require.NoError(t, eng.FinalizeResolution(ctx, resolveDeadline+params.DisputeWindow, m.ID))

	gw.failCredit = true
	_, err = eng.ClaimWinnings(ctx, 90_000, alice, m.ID)
	require.Error(t, err)

	// The record survives a reverted credit and pays once it succeeds.
	gw.failCredit = false
	net, err := eng.ClaimWinnings(ctx, 90_001, alice, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), net)
}

func TestPushPayout(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, bob, m.ID, 1, 30_000_000)

	before := v.balance(t, alice)
	v.resolveTo(t, m, 0)

	got := v.market(t, m.ID)
	assert.Equal(t, domain.PayoutModePush, got.PayoutMode)
	assert.Equal(t, before+39_400_000, v.balance(t, alice))

	// Winner already paid; nothing left to claim.
	_, err := v.eng.ClaimWinnings(ctx, 90_000, alice, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPullModeWhenManyWinners(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createPari(t)

	winners := make([]common.Address, 60)
	for i := range winners {
		winners[i] = common.BytesToAddress([]byte{0x10, byte(i)})
		v.ledger.Mint(winners[i], 10_000_000)
		v.bet(t, 1_100, winners[i], m.ID, 0, 1_000_000)
	}
	v.bet(t, 1_200, bob, m.ID, 1, 10_000_000)
	v.resolveTo(t, m, 0)

	got := v.market(t, m.ID)
	assert.Equal(t, domain.PayoutModePull, got.PayoutMode)

	// Records stayed in place for individual claims.
	net, err := v.eng.ClaimWinnings(ctx, 90_000, winners[0], m.ID)
	require.NoError(t, err)
	assert.Positive(t, net)
}

func TestWithdrawRefund(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, alice, m.ID, 1, 5_000_000)
	v.bet(t, 1_300, bob, m.ID, 1, 30_000_000)

	_, err := v.eng.WithdrawRefund(ctx, 1_400, alice, m.ID)
	assert.ErrorIs(t, err, domain.ErrMarketNotCancelled)

	require.NoError(t, v.eng.CancelMarket(admin, m.ID))

	before := v.balance(t, alice)
	refund, err := v.eng.WithdrawRefund(ctx, 1_500, alice, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15_000_000), refund)
	assert.Equal(t, before+refund, v.balance(t, alice))

	_, err = v.eng.WithdrawRefund(ctx, 1_600, alice, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	refund, err = v.eng.WithdrawRefund(ctx, 1_700, bob, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000_000), refund)
}

func TestPayoutModeFromBackerTally(t *testing.T) {
	params := engine.DefaultParams()
	params.PushPayoutLimit = 1
	v := newEnvParams(t, params)
	ctx := context.Background()
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, carol, m.ID, 0, 10_000_000)
	v.bet(t, 1_300, bob, m.ID, 1, 5_000_000)
	require.Equal(t, []int{2, 1}, v.market(t, m.ID).Backers)

	v.resolveTo(t, m, 0)

	// Two backers on the winning outcome exceed the push limit of one, so
	// records stay in place for individual claims.
	assert.Equal(t, domain.PayoutModePull, v.market(t, m.ID).PayoutMode)
	net, err := v.eng.ClaimWinnings(ctx, 90_000, alice, m.ID)
	require.NoError(t, err)
	assert.Positive(t, net)
}

func TestRefundAfterProfitableExit(t *testing.T) {
	params := engine.DefaultParams()
	params.SeedReserve = 1_000_000
	params.SeedShares = 1_000_000
	v := newEnvParams(t, params)
	ctx := context.Background()
	m := v.createAMM(t)

	_, err := v.eng.BuyShares(ctx, 1_100, alice, m.ID, 0, 1_000_000)
	require.NoError(t, err)
	_, err = v.eng.BuyShares(ctx, 1_200, bob, m.ID, 0, 10_000_000)
	require.NoError(t, err)

	// Alice exits into the price bob pushed up: her proceeds exceed her
	// basis, which clamps at zero while the profit leaves escrow.
	sb, err := v.eng.ShareBalance(m.ID, 0, alice)
	require.NoError(t, err)
	proceeds, err := v.eng.SellShares(ctx, 1_300, alice, m.ID, 0, sb.Shares)
	require.NoError(t, err)
	require.Greater(t, proceeds, int64(1_000_000))

	require.NoError(t, v.eng.CancelMarket(admin, m.ID))

	// Bob's cost basis now exceeds what the escrow still holds for traders;
	// the refund scales to the remainder instead of failing.
	got := v.market(t, m.ID)
	pot := got.Tracked - got.Deposit - got.FeesAccrued
	require.Positive(t, pot)
	require.Greater(t, int64(10_000_000), pot)

	before := v.balance(t, bob)
	refund, err := v.eng.WithdrawRefund(ctx, 1_400, bob, m.ID)
	require.NoError(t, err)
	assert.Equal(t, pot, refund)
	assert.Equal(t, before+refund, v.balance(t, bob))

	// What remains tracked covers exactly the deposit and the fees.
	assert.Equal(t, got.Deposit+got.FeesAccrued, v.market(t, m.ID).Tracked)

	// Alice's emptied share record carries no refundable principal.
	_, err = v.eng.WithdrawRefund(ctx, 1_500, alice, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGarbageCollectBet(t *testing.T) {
	params := engine.DefaultParams()
	params.PushPayoutLimit = 0
	v := newEnvParams(t, params)
	ctx := context.Background()
	m := v.createPari(t)

	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, bob, m.ID, 1, 30_000_000)
	final := v.resolveTo(t, m, 0)
	gcSeq := final + params.GCDelay

	_, err := v.eng.GarbageCollectBet(ctx, gcSeq-1, carol, m.ID, 1, bob)
	assert.ErrorIs(t, err, domain.ErrGCTooEarly)

	// Losing record: nothing forfeited, no fees accrued yet, reward clamps
	// to zero.
	reward, err := v.eng.GarbageCollectBet(ctx, gcSeq, carol, m.ID, 1, bob)
	require.NoError(t, err)
	assert.Zero(t, reward)
	_, err = v.eng.Position(m.ID, 1, bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Unclaimed winning record: the forfeited entitlement funds the reward.
	before := v.balance(t, carol)
	reward, err = v.eng.GarbageCollectBet(ctx, gcSeq, carol, m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, params.GCReward, reward)
	assert.Equal(t, before+reward, v.balance(t, carol))
	_, err = v.eng.Position(m.ID, 0, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got := v.market(t, m.ID)
	assert.Equal(t, int64(40_000_000)-reward, got.FeesAccrued)

	_, err = v.eng.GarbageCollectBet(ctx, gcSeq, carol, m.ID, 0, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
