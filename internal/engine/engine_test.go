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

func TestReentrantTransferIsRejected(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &reentrantGateway{Ledger: ledger}
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, gw, oracle.NewTableSource(), nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ledger.Mint(alice, seedFunds)
	ctx := context.Background()

	m, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.NoError(t, err)
	gw.fired = false

	// The transfer hook re-enters the engine mid-debit. The inner call must
	// fail fast; the outer one completes normally.
	gw.attack = func() error {
		return eng.PlaceBet(ctx, 1_100, alice, m.ID, 1, 1_000_000)
	}
	require.NoError(t, eng.PlaceBet(ctx, 1_100, alice, m.ID, 0, 10_000_000))
	require.ErrorIs(t, gw.attackErr, domain.ErrLockHeld)

	// Only the outer bet landed.
	got, err := eng.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{10_000_000, 0}, got.StakePools)

	// The latch is free again afterwards.
	gw.attack = nil
	require.NoError(t, eng.PlaceBet(ctx, 1_200, alice, m.ID, 1, 2_000_000))
}

func TestReentrantCreateIsRejected(t *testing.T) {
	ledger := asset.NewLedger()
	gw := &reentrantGateway{Ledger: ledger}
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, gw, oracle.NewTableSource(), nil, discardLogger())
	ledger.Mint(creator, seedFunds)
	ctx := context.Background()

	gw.attack = func() error {
		_, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
		return err
	}
	_, err := eng.CreateMarket(ctx, 1_000, creator, pariRequest())
	require.NoError(t, err)
	assert.ErrorIs(t, gw.attackErr, domain.ErrLockHeld)
}

func TestLatchReleasedAfterFailure(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	err := v.eng.PlaceBet(ctx, 1_100, alice, 99, 0, 1_000)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// A failed operation must not leave the latch held.
	m := v.createPari(t)
	v.bet(t, 1_100, alice, m.ID, 0, 1_000_000)
}

func TestEscrowAccountDerivation(t *testing.T) {
	a := engine.EscrowAccount(1)
	b := engine.EscrowAccount(2)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, common.Address{})
	assert.Equal(t, a, engine.EscrowAccount(1))
}

func TestSnapshotRestore(t *testing.T) {
	v := newEnv(t)
	m := v.createPari(t)
	v.bet(t, 1_100, alice, m.ID, 0, 10_000_000)
	v.bet(t, 1_200, bob, m.ID, 1, 30_000_000)

	snap := engine.Snapshot{
		State:     v.eng.State(),
		Markets:   v.eng.Markets(""),
		Positions: v.eng.Positions(m.ID),
	}

	eng2 := engine.New(admin, v.params, 0, v.ledger, v.oracle, nil, discardLogger())
	eng2.Restore(snap)

	got, err := eng2.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, v.market(t, m.ID), got)
	assert.Equal(t, guardian, eng2.Guardian())
	assert.Equal(t, creationDeposit, eng2.CreationDeposit())
	assert.Len(t, eng2.Positions(m.ID), 2)

	// The restored engine continues the ID sequence.
	m2, err := eng2.CreateMarket(context.Background(), 1_000, creator, pariRequest())
	require.NoError(t, err)
	assert.Equal(t, m.ID+1, m2.ID)
}
