// Package engine implements the market settlement core: the lifecycle state
// machine, the stake and AMM accounting ledgers, the hybrid
// oracle/dispute/vote resolution protocol, and the security guards that wrap
// every mutating entry point.
//
// The engine is transactional: each operation validates fully, then mutates
// state, and issues asset transfers strictly last; a failed transfer unwinds
// the mutation so no failure leaves partial state behind. Time is a
// caller-supplied monotonically increasing ledger sequence; the engine never
// reads a clock.
package engine

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/outcomelab/settled/internal/domain"
)

// Params holds the engine tunables. All windows and delays are expressed in
// ledger sequence units (second granularity by convention).
type Params struct {
	// BaseFeeBps is the base commission rate applied to winnings at
	// settlement, scaled by the creator's tier multiplier.
	BaseFeeBps int64
	// AmmFeeBps is the trade fee applied to AMM buys (on input) and sells
	// (on output), scaled by the tier multiplier.
	AmmFeeBps int64
	// DisputeWindow is how long after an oracle result a dispute may be filed.
	DisputeWindow uint64
	// VotingWindow is how long after a dispute votes may be cast.
	VotingWindow uint64
	// GCDelay is how long after resolution settled bet records become
	// garbage-collectable.
	GCDelay uint64
	// PushPayoutLimit is the winner-count ceiling for push-mode payouts.
	PushPayoutLimit int
	// GCReward is the fixed reward paid to a garbage-collection caller,
	// clamped to the market's accrued fees.
	GCReward int64
	// QuorumBps is the weighted-vote share an outcome needs to win a
	// disputed resolution (6000 = 60%).
	QuorumBps int64
	// SeedReserve / SeedShares seed each AMM pool at market creation. The
	// reserve side is real assets debited from the creator.
	SeedReserve int64
	SeedShares  int64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		BaseFeeBps:      200,
		AmmFeeBps:       30,
		DisputeWindow:   86_400,
		VotingWindow:    259_200,
		GCDelay:         15_552_000, // 180 ledger-days
		PushPayoutLimit: 50,
		GCReward:        100_000, // 0.1 unit
		QuorumBps:       6_000,
		SeedReserve:     1_000_000_000, // 1,000 units
		SeedShares:      1_000_000_000,
	}
}

type positionKey struct {
	market  uint64
	outcome int
	account common.Address
}

type poolKey struct {
	market  uint64
	outcome int
}

type voteKey struct {
	market uint64
	voter  common.Address
}

// Engine owns all settlement state. State is mutated exclusively by the
// single in-flight call, serialized by the reentrancy latch.
type Engine struct {
	params Params

	admin           common.Address
	guardian        common.Address
	breaker         domain.BreakerState
	creationDeposit int64
	nextID          uint64

	// lastOracleSeq is the engine-wide freshness checkpoint. Any bet or
	// trade in the same ledger sequence as an oracle-result write is
	// rejected, forcing a full transaction boundary between a result and
	// its use.
	lastOracleSeq uint64

	markets     map[uint64]*domain.Market
	positions   map[positionKey]*domain.Position
	pools       map[poolKey]*domain.Pool
	shares      map[positionKey]*domain.ShareBalance
	votes       map[voteKey]*domain.Vote
	reputations map[common.Address]domain.CreatorReputation

	assets   domain.AssetGateway
	oracle   domain.OracleSource
	identity domain.IdentityVerifier // nil = permissive

	logger *slog.Logger

	// busy is the process-wide reentrancy latch. Acquiring it while held
	// fails immediately rather than blocking, which is what forecloses a
	// malicious asset collaborator re-entering mid-transfer.
	busy atomic.Bool
}

// New creates an Engine with the given admin, collaborators, and tunables.
// identity may be nil, in which case every account may participate.
func New(
	admin common.Address,
	params Params,
	creationDeposit int64,
	assets domain.AssetGateway,
	oracle domain.OracleSource,
	identity domain.IdentityVerifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		params:          params,
		admin:           admin,
		breaker:         domain.BreakerClosed,
		creationDeposit: creationDeposit,
		nextID:          1,
		markets:         make(map[uint64]*domain.Market),
		positions:       make(map[positionKey]*domain.Position),
		pools:           make(map[poolKey]*domain.Pool),
		shares:          make(map[positionKey]*domain.ShareBalance),
		votes:           make(map[voteKey]*domain.Vote),
		reputations:     make(map[common.Address]domain.CreatorReputation),
		assets:          assets,
		oracle:          oracle,
		identity:        identity,
		logger:          logger.With(slog.String("component", "engine")),
	}
}

// enter acquires the reentrancy latch and returns its release func. The
// release is deferred by every mutating operation so the latch is freed on
// all exit paths, including failures.
func (e *Engine) enter() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, domain.ErrLockHeld
	}
	return func() { e.busy.Store(false) }, nil
}

// allowHighRisk gates state-growing operations on the breaker position.
// creation additionally blocks in the half-open probing state.
func (e *Engine) allowHighRisk(creation bool) error {
	switch e.breaker {
	case domain.BreakerClosed:
		return nil
	case domain.BreakerHalfOpen:
		if creation {
			return domain.ErrEngineHalted
		}
		return nil
	default:
		return domain.ErrEngineHalted
	}
}

// EscrowAccount derives the deterministic escrow address holding a market's
// assets at the gateway.
func EscrowAccount(marketID uint64) common.Address {
	h := crypto.Keccak256([]byte("settled/escrow/" + strconv.FormatUint(marketID, 10)))
	return common.BytesToAddress(h[12:])
}

// ---------------------------------------------------------------------------
// Snapshot / restore. The service layer persists engine state write-behind
// and rebuilds it at startup.
// ---------------------------------------------------------------------------

// Snapshot is the full persistable engine state.
type Snapshot struct {
	State       domain.EngineState
	Markets     []domain.Market
	Positions   []domain.Position
	Pools       []domain.Pool
	Shares      []domain.ShareBalance
	Votes       []domain.Vote
	Reputations []domain.CreatorReputation
}

// Restore replaces the engine's state with the snapshot. Only called during
// startup, before the engine serves traffic.
func (e *Engine) Restore(s Snapshot) {
	e.admin = s.State.Admin
	e.guardian = s.State.Guardian
	e.breaker = s.State.Breaker
	e.creationDeposit = s.State.CreationDeposit
	e.nextID = s.State.NextMarketID
	e.lastOracleSeq = s.State.OracleSeq

	e.markets = make(map[uint64]*domain.Market, len(s.Markets))
	for i := range s.Markets {
		m := s.Markets[i]
		e.markets[m.ID] = &m
	}
	e.positions = make(map[positionKey]*domain.Position, len(s.Positions))
	for i := range s.Positions {
		p := s.Positions[i]
		e.positions[positionKey{p.MarketID, p.Outcome, p.Account}] = &p
	}
	e.pools = make(map[poolKey]*domain.Pool, len(s.Pools))
	for i := range s.Pools {
		p := s.Pools[i]
		e.pools[poolKey{p.MarketID, p.Outcome}] = &p
	}
	e.shares = make(map[positionKey]*domain.ShareBalance, len(s.Shares))
	for i := range s.Shares {
		sb := s.Shares[i]
		e.shares[positionKey{sb.MarketID, sb.Outcome, sb.Account}] = &sb
	}
	e.votes = make(map[voteKey]*domain.Vote, len(s.Votes))
	for i := range s.Votes {
		v := s.Votes[i]
		e.votes[voteKey{v.MarketID, v.Voter}] = &v
	}
	e.reputations = make(map[common.Address]domain.CreatorReputation, len(s.Reputations))
	for _, r := range s.Reputations {
		e.reputations[r.Account] = r
	}
}

// State returns the engine-level singleton state for persistence.
func (e *Engine) State() domain.EngineState {
	return domain.EngineState{
		Admin:           e.admin,
		Guardian:        e.guardian,
		Breaker:         e.breaker,
		CreationDeposit: e.creationDeposit,
		NextMarketID:    e.nextID,
		OracleSeq:       e.lastOracleSeq,
	}
}

// ---------------------------------------------------------------------------
// Read-only queries. These take no latch: they mutate nothing and mirror a
// contract's view functions.
// ---------------------------------------------------------------------------

// Market returns a copy of the market record.
func (e *Engine) Market(id uint64) (domain.Market, error) {
	m, ok := e.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return *m, nil
}

// Markets returns copies of all markets in the given status; an empty status
// returns every market.
func (e *Engine) Markets(status domain.MarketStatus) []domain.Market {
	out := make([]domain.Market, 0, len(e.markets))
	for _, m := range e.markets {
		if status == "" || m.Status == status {
			out = append(out, *m)
		}
	}
	return out
}

// Position returns the stake record for (market, outcome, account).
func (e *Engine) Position(marketID uint64, outcome int, account common.Address) (domain.Position, error) {
	p, ok := e.positions[positionKey{marketID, outcome, account}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

// Positions returns every stake record of a market.
func (e *Engine) Positions(marketID uint64) []domain.Position {
	var out []domain.Position
	for k, p := range e.positions {
		if k.market == marketID {
			out = append(out, *p)
		}
	}
	return out
}

// Pool returns the AMM pool for (market, outcome).
func (e *Engine) Pool(marketID uint64, outcome int) (domain.Pool, error) {
	p, ok := e.pools[poolKey{marketID, outcome}]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	cp := *p
	cp.K = p.K.Clone()
	return cp, nil
}

// Pools returns every pool of a market.
func (e *Engine) Pools(marketID uint64) []domain.Pool {
	var out []domain.Pool
	for k, p := range e.pools {
		if k.market == marketID {
			cp := *p
			cp.K = p.K.Clone()
			out = append(out, cp)
		}
	}
	return out
}

// ShareBalance returns the AMM holding for (market, outcome, account).
func (e *Engine) ShareBalance(marketID uint64, outcome int, account common.Address) (domain.ShareBalance, error) {
	s, ok := e.shares[positionKey{marketID, outcome, account}]
	if !ok {
		return domain.ShareBalance{}, domain.ErrNotFound
	}
	return *s, nil
}

// ShareBalances returns every AMM holding of a market.
func (e *Engine) ShareBalances(marketID uint64) []domain.ShareBalance {
	var out []domain.ShareBalance
	for k, s := range e.shares {
		if k.market == marketID {
			out = append(out, *s)
		}
	}
	return out
}

// Votes returns every vote of a market.
func (e *Engine) Votes(marketID uint64) []domain.Vote {
	var out []domain.Vote
	for k, v := range e.votes {
		if k.market == marketID {
			out = append(out, *v)
		}
	}
	return out
}

// Tally aggregates the weighted votes of a market per outcome.
func (e *Engine) Tally(marketID uint64) (domain.VoteTally, error) {
	m, ok := e.markets[marketID]
	if !ok {
		return domain.VoteTally{}, domain.ErrNotFound
	}
	t := domain.VoteTally{
		MarketID:  marketID,
		ByOutcome: make([]int64, len(m.Outcomes)),
	}
	for k, v := range e.votes {
		if k.market != marketID {
			continue
		}
		t.ByOutcome[v.Outcome] += v.Weight
		t.TotalWeight += v.Weight
		t.Voters++
	}
	return t, nil
}

// Reputation returns the tier of a creator, TierNone when unset.
func (e *Engine) Reputation(account common.Address) domain.ReputationTier {
	if r, ok := e.reputations[account]; ok {
		return r.Tier
	}
	return domain.TierNone
}

// Breaker returns the current circuit-breaker position.
func (e *Engine) Breaker() domain.BreakerState { return e.breaker }

// Admin returns the admin address.
func (e *Engine) Admin() common.Address { return e.admin }

// Guardian returns the guardian address.
func (e *Engine) Guardian() common.Address { return e.guardian }

// CreationDeposit returns the configured deposit amount.
func (e *Engine) CreationDeposit() int64 { return e.creationDeposit }
