package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/outcomelab/settled/internal/asset"
	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
	"github.com/outcomelab/settled/internal/oracle"
)

const (
	seedFunds       = int64(10_000_000_000)
	creationDeposit = int64(50_000_000)

	betDeadline     = uint64(2_000)
	resolveDeadline = uint64(3_000)
	feedID          = "feed-main"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	creator  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000003")
	carol    = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	eng    *engine.Engine
	ledger *asset.Ledger
	oracle *oracle.TableSource
	params engine.Params
}

func newEnv(t *testing.T) *env {
	return newEnvParams(t, engine.DefaultParams())
}

func newEnvParams(t *testing.T, params engine.Params) *env {
	t.Helper()
	ledger := asset.NewLedger()
	orc := oracle.NewTableSource()
	eng := engine.New(admin, params, creationDeposit, ledger, orc, nil, discardLogger())
	require.NoError(t, eng.SetGuardian(admin, guardian))
	for _, a := range []common.Address{creator, alice, bob, carol} {
		ledger.Mint(a, seedFunds)
	}
	return &env{eng: eng, ledger: ledger, oracle: orc, params: params}
}

func pariRequest() engine.CreateMarketRequest {
	return engine.CreateMarketRequest{
		Description:     "home team wins",
		Outcomes:        []string{"yes", "no"},
		BetDeadline:     betDeadline,
		ResolveDeadline: resolveDeadline,
		Oracle:          domain.OracleConfig{FeedID: feedID, MinResponses: 1},
		Mechanism:       domain.MechanismParimutuel,
	}
}

func ammRequest() engine.CreateMarketRequest {
	req := pariRequest()
	req.Description = "index above strike"
	req.Mechanism = domain.MechanismAMM
	return req
}

func (v *env) create(t *testing.T, req engine.CreateMarketRequest) domain.Market {
	t.Helper()
	m, err := v.eng.CreateMarket(context.Background(), 1_000, creator, req)
	require.NoError(t, err)
	return m
}

func (v *env) createPari(t *testing.T) domain.Market {
	return v.create(t, pariRequest())
}

func (v *env) createAMM(t *testing.T) domain.Market {
	return v.create(t, ammRequest())
}

func (v *env) bet(t *testing.T, seq uint64, account common.Address, marketID uint64, outcome int, amount int64) {
	t.Helper()
	require.NoError(t, v.eng.PlaceBet(context.Background(), seq, account, marketID, outcome, amount))
}

// resolveTo drives a market through the undisputed oracle path and returns
// the sequence at which it resolved.
func (v *env) resolveTo(t *testing.T, m domain.Market, outcome int) uint64 {
	t.Helper()
	v.oracle.Post(m.Oracle.FeedID, outcome, 3)
	require.NoError(t, v.eng.AttemptOracleResolution(context.Background(), m.ResolveDeadline, m.ID))
	final := m.ResolveDeadline + v.params.DisputeWindow
	require.NoError(t, v.eng.FinalizeResolution(context.Background(), final, m.ID))
	return final
}

func (v *env) market(t *testing.T, id uint64) domain.Market {
	t.Helper()
	m, err := v.eng.Market(id)
	require.NoError(t, err)
	return m
}

func (v *env) balance(t *testing.T, a common.Address) int64 {
	t.Helper()
	b, err := v.ledger.BalanceOf(context.Background(), a)
	require.NoError(t, err)
	return b
}

// reentrantGateway re-enters the engine from inside the first transfer, the
// way a malicious token hook would, and records what the inner call returned.
type reentrantGateway struct {
	*asset.Ledger
	attack    func() error
	attackErr error
	fired     bool
}

func (g *reentrantGateway) Debit(ctx context.Context, from, escrow common.Address, amount int64) error {
	if !g.fired && g.attack != nil {
		g.fired = true
		g.attackErr = g.attack()
	}
	return g.Ledger.Debit(ctx, from, escrow, amount)
}

// failingGateway simulates a reverting transfer on demand.
type failingGateway struct {
	*asset.Ledger
	failDebit  bool
	failCredit bool
}

var errTransferReverted = errors.New("gateway: transfer reverted")

func (g *failingGateway) Debit(ctx context.Context, from, escrow common.Address, amount int64) error {
	if g.failDebit {
		return errTransferReverted
	}
	return g.Ledger.Debit(ctx, from, escrow, amount)
}

func (g *failingGateway) Credit(ctx context.Context, escrow, to common.Address, amount int64) error {
	if g.failCredit {
		return errTransferReverted
	}
	return g.Ledger.Credit(ctx, escrow, to, amount)
}
