package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelab/settled/internal/asset"
	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
	"github.com/outcomelab/settled/internal/oracle"
)

func TestCreateMarketValidation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	req := pariRequest()
	req.Outcomes = []string{"only"}
	_, err := v.eng.CreateMarket(ctx, 1_000, creator, req)
	assert.ErrorIs(t, err, domain.ErrOutcomeCount)

	req = pariRequest()
	req.Outcomes = make([]string, 101)
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, req)
	assert.ErrorIs(t, err, domain.ErrOutcomeCount)

	req = pariRequest()
	req.BetDeadline = 500
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, req)
	assert.ErrorIs(t, err, domain.ErrBadDeadlines)

	req = pariRequest()
	req.ResolveDeadline = req.BetDeadline
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, req)
	assert.ErrorIs(t, err, domain.ErrBadDeadlines)

	req = pariRequest()
	req.Mechanism = "auction"
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, req)
	assert.ErrorIs(t, err, domain.ErrBadMechanism)
}

func TestCreateMarketLocksDeposit(t *testing.T) {
	v := newEnv(t)

	before := v.balance(t, creator)
	m := v.createPari(t)

	assert.Equal(t, creationDeposit, m.Deposit)
	assert.Equal(t, creationDeposit, m.Tracked)
	assert.Equal(t, before-creationDeposit, v.balance(t, creator))
	assert.Equal(t, creationDeposit, v.balance(t, engine.EscrowAccount(m.ID)))
}

func TestPrivilegedCreatorSkipsDeposit(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.eng.SetCreatorReputation(900, admin, creator, domain.TierPro))

	before := v.balance(t, creator)
	m := v.createPari(t)

	assert.Zero(t, m.Deposit)
	assert.Equal(t, domain.TierPro, m.Tier)
	assert.Equal(t, before, v.balance(t, creator))
}

func TestAMMCreationSeedsPools(t *testing.T) {
	v := newEnv(t)

	before := v.balance(t, creator)
	m := v.createAMM(t)

	seed := v.params.SeedReserve * int64(len(m.Outcomes))
	assert.Equal(t, before-creationDeposit-seed, v.balance(t, creator))
	assert.Equal(t, creationDeposit+seed, m.Tracked)

	pools := v.eng.Pools(m.ID)
	require.Len(t, pools, len(m.Outcomes))
	for _, p := range pools {
		assert.Equal(t, v.params.SeedReserve, p.Reserve)
		assert.Equal(t, v.params.SeedShares, p.Shares)
		assert.Zero(t, p.Issued)
		assert.Zero(t, p.Product().Cmp(p.K))
	}
}

func TestCreateMarketDebitFailureUnwinds(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &failingGateway{Ledger: ledger, failDebit: true}
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, gw, oracle.NewTableSource(), nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ctx := context.Background()

	_, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = eng.Market(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Market IDs are not burned by a failed creation.
	gw.failDebit = false
	m, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.ID)
}

func TestAMMCreationDebitFailureDropsPools(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &failingGateway{Ledger: ledger, failDebit: true}
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, gw, oracle.NewTableSource(), nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ctx := context.Background()

	_, err := eng.CreateMarket(ctx, 1_000, creator, ammRequest())
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, eng.Pools(1))

	// The same ID reseeds cleanly once the debit goes through.
	gw.failDebit = false
	m, err := eng.CreateMarket(ctx, 1_000, creator, ammRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.ID)
	assert.Len(t, eng.Pools(m.ID), len(m.Outcomes))
}

func TestSetCreatorReputationRequiresAdmin(t *testing.T) {
	v := newEnv(t)

	err := v.eng.SetCreatorReputation(900, alice, creator, domain.TierPro)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.TierNone, v.eng.Reputation(creator))
}

func TestSetCreationDeposit(t *testing.T) {
	v := newEnv(t)

	assert.ErrorIs(t, v.eng.SetCreationDeposit(alice, 0), domain.ErrUnauthorized)
	assert.ErrorIs(t, v.eng.SetCreationDeposit(admin, -1), domain.ErrInvalidAmount)

	require.NoError(t, v.eng.SetCreationDeposit(admin, 0))
	before := v.balance(t, creator)
	m := v.createPari(t)
	assert.Zero(t, m.Deposit)
	assert.Equal(t, before, v.balance(t, creator))
}

func TestDepositReleaseLifecycle(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	m := v.createPari(t)
	v.bet(t, 1_500, alice, m.ID, 0, 10_000_000)

	_, err := v.eng.ReleaseCreationDeposit(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrMarketNotResolved)

	v.resolveTo(t, m, 0)
	before := v.balance(t, creator)
	amount, err := v.eng.ReleaseCreationDeposit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, creationDeposit, amount)
	assert.Equal(t, before+creationDeposit, v.balance(t, creator))
	assert.True(t, v.market(t, m.ID).DepositReleased)

	_, err = v.eng.ReleaseCreationDeposit(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrDepositReleased)
}

func TestDepositReleaseWithoutDeposit(t *testing.T) {
	v := newEnv(t)
	require.NoError(t, v.eng.SetCreatorReputation(900, admin, creator, domain.TierInstitutional))
	m := v.createPari(t)
	v.resolveTo(t, m, 0)

	_, err := v.eng.ReleaseCreationDeposit(context.Background(), m.ID)
	assert.ErrorIs(t, err, domain.ErrNoDeposit)
}

func TestCancelMarketAdminOnly(t *testing.T) {
	v := newEnv(t)
	m := v.createPari(t)

	assert.ErrorIs(t, v.eng.CancelMarket(alice, m.ID), domain.ErrUnauthorized)
	assert.ErrorIs(t, v.eng.CancelMarket(admin, 99), domain.ErrNotFound)

	require.NoError(t, v.eng.CancelMarket(admin, m.ID))
	assert.Equal(t, domain.MarketStatusCancelled, v.market(t, m.ID).Status)

	assert.ErrorIs(t, v.eng.CancelMarket(admin, m.ID), domain.ErrMarketSettled)
}

func TestConditionalMarketCreation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	parent := v.createPari(t)

	child := pariRequest()
	child.ParentID = parent.ID
	child.ParentOutcome = 0
	child.BetDeadline = 100_000
	child.ResolveDeadline = 110_000

	// Parent still active.
	_, err := v.eng.CreateMarket(ctx, 1_000, creator, child)
	assert.ErrorIs(t, err, domain.ErrParentUnresolved)

	bad := child
	bad.ParentID = 99
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, bad)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bad = child
	bad.ParentOutcome = 7
	_, err = v.eng.CreateMarket(ctx, 1_000, creator, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)

	final := v.resolveTo(t, parent, 1)

	// Parent resolved, but to the other outcome.
	_, err = v.eng.CreateMarket(ctx, final+1, creator, child)
	assert.ErrorIs(t, err, domain.ErrParentOutcomeMismatch)

	child.ParentOutcome = 1

	// Same sequence as the parent's result write is rejected.
	_, err = v.eng.CreateMarket(ctx, final, creator, child)
	assert.ErrorIs(t, err, domain.ErrOracleTooFresh)

	m, err := v.eng.CreateMarket(ctx, final+1, creator, child)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, m.ParentID)
}
