package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/outcomelab/settled/internal/domain"
)

// Resolution engine: the four-stage time-locked protocol that takes a market
// from its resolution deadline to a final, payable outcome.
//
//	oracle attempt -> dispute window -> voting period -> finalization
//
// with an admin override when a disputed vote reaches no majority.

// AttemptOracleResolution queries the oracle collaborator at or after the
// resolution deadline. Success moves the market to PendingResolution and
// records the freshness checkpoint; failure changes nothing.
func (e *Engine) AttemptOracleResolution(ctx context.Context, seq uint64, marketID uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	if seq < m.ResolveDeadline {
		return domain.ErrResolveTooEarly
	}

	outcome, err := e.oracle.FetchResult(ctx, m.Oracle.FeedID, m.Oracle.MinResponses)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	if !m.OutcomeValid(outcome) {
		return fmt.Errorf("%w: outcome %d out of range", domain.ErrOracleUnavailable, outcome)
	}

	m.Status = domain.MarketStatusPending
	m.OracleOutcome = outcome
	m.PendingSince = seq
	m.OracleSeq = seq
	e.lastOracleSeq = seq

	e.logger.Info("oracle resolution pending",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
		slog.Uint64("seq", seq),
	)
	return nil
}

// FileDispute contests a pending oracle result. One dispute per market,
// only inside the dispute window.
func (e *Engine) FileDispute(ctx context.Context, seq uint64, account common.Address, marketID uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := e.allowHighRisk(false); err != nil {
		return err
	}
	m, ok := e.markets[marketID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status == domain.MarketStatusDisputed {
		return domain.ErrAlreadyDisputed
	}
	if m.Status != domain.MarketStatusPending {
		return domain.ErrMarketNotPending
	}
	if seq >= m.PendingSince+e.params.DisputeWindow {
		return domain.ErrDisputeClosed
	}

	m.Status = domain.MarketStatusDisputed
	m.DisputedAt = seq

	e.logger.Info("dispute filed",
		slog.Uint64("market_id", marketID),
		slog.String("account", account.Hex()),
	)
	return nil
}

// CastVote records one weighted vote for an outcome of a disputed market.
// The weight is the voter's exposure in the market at cast time; accounts
// without exposure are not eligible.
func (e *Engine) CastVote(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := e.allowHighRisk(false); err != nil {
		return err
	}
	m, ok := e.markets[marketID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusDisputed {
		return domain.ErrNotDisputed
	}
	if seq >= m.DisputedAt+e.params.VotingWindow {
		return domain.ErrVotingClosed
	}
	if !m.OutcomeValid(outcome) {
		return domain.ErrInvalidOutcome
	}
	key := voteKey{marketID, account}
	if _, voted := e.votes[key]; voted {
		return domain.ErrAlreadyVoted
	}
	weight := e.exposure(m, account)
	if weight == 0 {
		return domain.ErrNotEligible
	}

	e.votes[key] = &domain.Vote{
		MarketID: marketID,
		Voter:    account,
		Outcome:  outcome,
		Weight:   weight,
		CastAt:   seq,
	}
	return nil
}

// exposure is an account's total value at risk in a market: the sum of its
// stakes, or its AMM cost basis.
func (e *Engine) exposure(m *domain.Market, account common.Address) int64 {
	var total int64
	for i := range m.Outcomes {
		key := positionKey{m.ID, i, account}
		if pos, ok := e.positions[key]; ok {
			total += pos.Amount
		}
		if sb, ok := e.shares[key]; ok {
			total += sb.CostBasis
		}
	}
	return total
}

// FinalizeResolution settles both protocol paths. Undisputed markets resolve
// to the oracle outcome once the dispute window elapses; disputed markets
// resolve to the outcome holding at least the quorum share of total vote
// weight once the voting window elapses. Without a majority the market stays
// Disputed and only the admin override can settle it.
func (e *Engine) FinalizeResolution(ctx context.Context, seq uint64, marketID uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return domain.ErrNotFound
	}

	var winner int
	switch m.Status {
	case domain.MarketStatusPending:
		if seq < m.PendingSince+e.params.DisputeWindow {
			return domain.ErrDisputeStillOpen
		}
		winner = m.OracleOutcome
	case domain.MarketStatusDisputed:
		if seq < m.DisputedAt+e.params.VotingWindow {
			return domain.ErrVotingStillOpen
		}
		w, err := e.tallyWinner(m)
		if err != nil {
			return err
		}
		winner = w
	default:
		return domain.ErrMarketNotPending
	}

	return e.resolve(ctx, m, winner, seq)
}

// tallyWinner returns the outcome holding at least QuorumBps of the total
// vote weight, or ErrNoMajority.
func (e *Engine) tallyWinner(m *domain.Market) (int, error) {
	weights := make([]int64, len(m.Outcomes))
	var total int64
	for k, v := range e.votes {
		if k.market != m.ID {
			continue
		}
		weights[v.Outcome] += v.Weight
		total += v.Weight
	}
	if total == 0 {
		return 0, domain.ErrNoMajority
	}
	rhs := new(uint256.Int).Mul(uint256.NewInt(uint64(total)), uint256.NewInt(uint64(e.params.QuorumBps)))
	for outcome, w := range weights {
		// w / total >= quorum / 10000, compared without division.
		lhs := new(uint256.Int).Mul(uint256.NewInt(uint64(w)), uint256.NewInt(bpsDenominator))
		if lhs.Cmp(rhs) >= 0 {
			return outcome, nil
		}
	}
	return 0, domain.ErrNoMajority
}

// ResolveMarket is the admin override: it directly sets the winning outcome
// of a market stuck in resolution (no-majority dispute, dead oracle past the
// deadline).
func (e *Engine) ResolveMarket(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.admin {
		return domain.ErrUnauthorized
	}
	m, ok := e.markets[marketID]
	if !ok {
		return domain.ErrNotFound
	}
	switch m.Status {
	case domain.MarketStatusPending, domain.MarketStatusDisputed:
	case domain.MarketStatusActive:
		if seq < m.ResolveDeadline {
			return domain.ErrResolveTooEarly
		}
	default:
		return domain.ErrMarketSettled
	}
	if !m.OutcomeValid(outcome) {
		return domain.ErrInvalidOutcome
	}

	e.logger.Warn("admin override resolution",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
	)
	return e.resolve(ctx, m, outcome, seq)
}

// resolve finalizes the market record: winning outcome set exactly once, the
// AMM settlement snapshot frozen, and the payout mode chosen from the
// estimated winner count. In push mode every winner is paid immediately;
// storage mutation still precedes each credit, and a winner whose credit
// fails keeps a claimable record rather than blocking the others.
func (e *Engine) resolve(ctx context.Context, m *domain.Market, winner int, seq uint64) error {
	m.WinningOutcome = winner
	m.Status = domain.MarketStatusResolved
	m.ResolvedAt = seq
	// The winning-outcome write is an oracle-result write for freshness
	// purposes: child markets cannot act on it in the same sequence.
	m.OracleSeq = seq
	e.lastOracleSeq = seq

	if m.Mechanism == domain.MechanismAMM {
		var pot int64
		for i := range m.Outcomes {
			if pool, ok := e.pools[poolKey{m.ID, i}]; ok {
				pot += pool.Reserve
			}
		}
		m.SettlePot = pot
		if pool, ok := e.pools[poolKey{m.ID, winner}]; ok {
			m.SettleShares = pool.Issued
		}
	}

	// The mode comes from the estimated winner count: the per-outcome backer
	// tally for pari-mutuel markets, the exact holder scan for AMM markets
	// (which keep no tally).
	winners := e.winningAccounts(m)
	estimated := len(winners)
	if m.Mechanism == domain.MechanismParimutuel {
		estimated = m.Backers[winner]
	}
	if estimated <= e.params.PushPayoutLimit {
		m.PayoutMode = domain.PayoutModePush
	} else {
		m.PayoutMode = domain.PayoutModePull
	}

	e.logger.Info("market resolved",
		slog.Uint64("market_id", m.ID),
		slog.Int("winning_outcome", winner),
		slog.String("payout_mode", string(m.PayoutMode)),
		slog.Int("winners", len(winners)),
	)

	if m.PayoutMode == domain.PayoutModePush {
		e.pushPayouts(ctx, m, winners)
	}
	return nil
}

// winningAccounts lists holders of the winning outcome in deterministic
// address order.
func (e *Engine) winningAccounts(m *domain.Market) []common.Address {
	var accounts []common.Address
	switch m.Mechanism {
	case domain.MechanismParimutuel:
		for k := range e.positions {
			if k.market == m.ID && k.outcome == m.WinningOutcome {
				accounts = append(accounts, k.account)
			}
		}
	case domain.MechanismAMM:
		for k, sb := range e.shares {
			if k.market == m.ID && k.outcome == m.WinningOutcome && sb.Shares > 0 {
				accounts = append(accounts, k.account)
			}
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Bytes(), accounts[j].Bytes()) < 0
	})
	return accounts
}

// pushPayouts settles every winner in one pass. A single failing credit
// restores that winner's record for a later pull claim instead of unwinding
// the whole resolution.
func (e *Engine) pushPayouts(ctx context.Context, m *domain.Market, winners []common.Address) {
	for _, account := range winners {
		gross, principal, err := e.payoutFor(m, account)
		if err != nil {
			continue
		}
		net, fee, err := e.settle(m, gross, principal)
		if err != nil {
			e.logger.Error("push payout settle failed",
				slog.Uint64("market_id", m.ID),
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		undo := e.removeWinningRecord(m, account)
		m.Tracked -= net
		m.FeesAccrued += fee

		if err := e.assets.Credit(ctx, EscrowAccount(m.ID), account, net); err != nil {
			undo()
			m.Tracked += net
			m.FeesAccrued -= fee
			e.logger.Warn("push payout credit failed, record kept claimable",
				slog.Uint64("market_id", m.ID),
				slog.String("account", account.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}
