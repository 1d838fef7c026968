package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// Stake ledger: pari-mutuel positions, winning claims, refunds, and
// garbage collection of settled records.

// PlaceBet records a stake on an outcome of an active pari-mutuel market.
// All storage mutation happens before the asset debit; a failed debit
// unwinds the position so a reentrant or reverting transfer can never
// observe inconsistent state.
func (e *Engine) PlaceBet(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, amount int64) error {
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
	if m.Mechanism != domain.MechanismParimutuel {
		return domain.ErrWrongMechanism
	}
	if m.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	if seq >= m.BetDeadline {
		return domain.ErrBettingClosed
	}
	if !m.OutcomeValid(outcome) {
		return domain.ErrInvalidOutcome
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if err := e.checkFreshness(m, seq); err != nil {
		return err
	}
	if err := e.checkIdentity(ctx, account); err != nil {
		return err
	}

	newPool, err := addAmount(m.StakePools[outcome], amount)
	if err != nil {
		return err
	}
	newTotal, err := addAmount(m.TotalPool, amount)
	if err != nil {
		return err
	}
	newTracked, err := addAmount(m.Tracked, amount)
	if err != nil {
		return err
	}

	key := positionKey{marketID, outcome, account}
	pos, existed := e.positions[key]
	if existed {
		newAmount, err := addAmount(pos.Amount, amount)
		if err != nil {
			return err
		}
		pos.Amount = newAmount
	} else {
		pos = &domain.Position{
			MarketID: marketID,
			Outcome:  outcome,
			Account:  account,
			Amount:   amount,
			PlacedAt: seq,
		}
		e.positions[key] = pos
		m.Backers[outcome]++
	}
	m.StakePools[outcome] = newPool
	m.TotalPool = newTotal
	m.Tracked = newTracked

	// Asset debit strictly last.
	if err := e.assets.Debit(ctx, account, EscrowAccount(marketID), amount); err != nil {
		if existed {
			pos.Amount -= amount
		} else {
			delete(e.positions, key)
			m.Backers[outcome]--
		}
		m.StakePools[outcome] -= amount
		m.TotalPool -= amount
		m.Tracked -= amount
		return fmt.Errorf("%w: bet debit: %v", domain.ErrInsufficientBalance, err)
	}

	e.logger.Debug("bet placed",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
		slog.Int64("amount", amount),
	)
	return nil
}

// entitlement computes a winning stake's gross payout:
// stake * totalPool / winningPool, rounded down.
func entitlement(stake, totalPool, winningPool int64) (int64, error) {
	return mulDiv(stake, totalPool, winningPool)
}

// settle computes the net payout and commission for a winning record. The
// commission applies to the profit over the holder's principal, never the
// principal itself.
func (e *Engine) settle(m *domain.Market, gross, principal int64) (net, fee int64, err error) {
	profit := gross - principal
	if profit < 0 {
		profit = 0
	}
	fee, err = Fee(profit, e.params.BaseFeeBps, m.Tier)
	if err != nil {
		return 0, 0, err
	}
	return gross - fee, fee, nil
}

// payoutFor computes the (gross, principal) pair a winning account is owed
// on a resolved market, for either mechanism. Returns ErrNotFound when the
// account holds nothing on the winning outcome.
func (e *Engine) payoutFor(m *domain.Market, account common.Address) (gross, principal int64, err error) {
	key := positionKey{m.ID, m.WinningOutcome, account}
	switch m.Mechanism {
	case domain.MechanismParimutuel:
		pos, ok := e.positions[key]
		if !ok {
			return 0, 0, domain.ErrNotFound
		}
		gross, err = entitlement(pos.Amount, m.TotalPool, m.StakePools[m.WinningOutcome])
		if err != nil {
			return 0, 0, err
		}
		return gross, pos.Amount, nil
	case domain.MechanismAMM:
		sb, ok := e.shares[key]
		if !ok || sb.Shares == 0 {
			return 0, 0, domain.ErrNotFound
		}
		gross, err = mulDiv(sb.Shares, m.SettlePot, m.SettleShares)
		if err != nil {
			return 0, 0, err
		}
		return gross, sb.CostBasis, nil
	}
	return 0, 0, domain.ErrBadMechanism
}

// removeWinningRecord deletes the account's record on the winning outcome
// and returns an undo func restoring it.
func (e *Engine) removeWinningRecord(m *domain.Market, account common.Address) func() {
	key := positionKey{m.ID, m.WinningOutcome, account}
	if pos, ok := e.positions[key]; ok {
		delete(e.positions, key)
		return func() { e.positions[key] = pos }
	}
	if sb, ok := e.shares[key]; ok {
		delete(e.shares, key)
		return func() { e.shares[key] = sb }
	}
	return func() {}
}

// ClaimWinnings pays out one winner of a resolved market. Claims are
// idempotent: the record is removed on success, so a second claim fails with
// ErrNotFound. Always allowed under the breaker.
func (e *Engine) ClaimWinnings(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusResolved {
		return 0, domain.ErrMarketNotResolved
	}

	gross, principal, err := e.payoutFor(m, account)
	if err != nil {
		return 0, err
	}
	net, fee, err := e.settle(m, gross, principal)
	if err != nil {
		return 0, err
	}
	newTracked, err := subAmount(m.Tracked, net)
	if err != nil {
		return 0, err
	}

	undo := e.removeWinningRecord(m, account)
	m.Tracked = newTracked
	m.FeesAccrued += fee

	if err := e.assets.Credit(ctx, EscrowAccount(marketID), account, net); err != nil {
		undo()
		m.Tracked += net
		m.FeesAccrued -= fee
		return 0, fmt.Errorf("claim credit: %w", err)
	}

	e.logger.Debug("winnings claimed",
		slog.Uint64("market_id", marketID),
		slog.Int64("net", net),
		slog.Int64("fee", fee),
	)
	return net, nil
}

// WithdrawRefund returns an account's principal on a cancelled market: every
// stake across outcomes plus the AMM cost basis. Payouts are bounded by the
// escrow still held for holders; when outstanding claims exceed it the refund
// scales pro-rata. Always allowed under the breaker so cancellation never
// traps funds.
func (e *Engine) WithdrawRefund(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusCancelled {
		return 0, domain.ErrMarketNotCancelled
	}

	var claim int64
	var undos []func()
	for i := range m.Outcomes {
		key := positionKey{marketID, i, account}
		if pos, ok := e.positions[key]; ok {
			r, err := addAmount(claim, pos.Amount)
			if err != nil {
				return 0, err
			}
			claim = r
			p := pos
			delete(e.positions, key)
			undos = append(undos, func() { e.positions[key] = p })
		}
		if sb, ok := e.shares[key]; ok {
			r, err := addAmount(claim, sb.CostBasis)
			if err != nil {
				return 0, err
			}
			claim = r
			s := sb
			delete(e.shares, key)
			undos = append(undos, func() { e.shares[key] = s })
		}
	}
	if claim == 0 {
		return 0, domain.ErrNotFound
	}
	restore := func() {
		for _, u := range undos {
			u()
		}
	}

	// A profitable exit clamps its cost basis at zero while the proceeds
	// leave escrow, so the sum of outstanding claims can exceed what the
	// market still holds for its traders. Scale down when it does; the
	// escrow can then always cover every remaining claim.
	refund := claim
	pot, outstanding, err := e.refundable(m, claim)
	if err != nil {
		restore()
		return 0, err
	}
	if outstanding > pot {
		refund, err = mulDiv(claim, pot, outstanding)
		if err != nil {
			restore()
			return 0, err
		}
	}

	newTracked, err := subAmount(m.Tracked, refund)
	if err != nil {
		restore()
		return 0, err
	}
	m.Tracked = newTracked

	if refund > 0 {
		if err := e.assets.Credit(ctx, EscrowAccount(marketID), account, refund); err != nil {
			restore()
			m.Tracked += refund
			return 0, fmt.Errorf("refund credit: %w", err)
		}
	}
	return refund, nil
}

// refundable returns the escrow available for holder refunds on a cancelled
// market and the total principal still claimable against it, the caller's
// pending claim included. The deposit and accrued fees are not refundable.
func (e *Engine) refundable(m *domain.Market, pending int64) (pot, outstanding int64, err error) {
	pot = m.Tracked - m.FeesAccrued
	if !m.DepositReleased {
		pot -= m.Deposit
	}
	if pot < 0 {
		pot = 0
	}

	outstanding = pending
	for k, pos := range e.positions {
		if k.market != m.ID {
			continue
		}
		if outstanding, err = addAmount(outstanding, pos.Amount); err != nil {
			return 0, 0, err
		}
	}
	for k, sb := range e.shares {
		if k.market != m.ID {
			continue
		}
		if outstanding, err = addAmount(outstanding, sb.CostBasis); err != nil {
			return 0, 0, err
		}
	}
	return pot, outstanding, nil
}

// GarbageCollectBet deletes one settled record of a resolved market after
// the GC delay and pays the caller a fixed reward from the market's accrued
// fees. Permissionless; the forfeited entitlement of an unclaimed winning
// record is folded into fees.
func (e *Engine) GarbageCollectBet(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int, account common.Address) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusResolved {
		return 0, domain.ErrMarketNotResolved
	}
	if seq < m.ResolvedAt+e.params.GCDelay {
		return 0, domain.ErrGCTooEarly
	}
	if !m.OutcomeValid(outcome) {
		return 0, domain.ErrInvalidOutcome
	}

	key := positionKey{marketID, outcome, account}
	var undo func()
	var forfeited int64
	if pos, ok := e.positions[key]; ok {
		if outcome == m.WinningOutcome {
			gross, err := entitlement(pos.Amount, m.TotalPool, m.StakePools[outcome])
			if err != nil {
				return 0, err
			}
			forfeited = gross
		}
		delete(e.positions, key)
		undo = func() { e.positions[key] = pos }
	} else if sb, ok := e.shares[key]; ok {
		if outcome == m.WinningOutcome && sb.Shares > 0 {
			gross, err := mulDiv(sb.Shares, m.SettlePot, m.SettleShares)
			if err != nil {
				return 0, err
			}
			forfeited = gross
		}
		delete(e.shares, key)
		undo = func() { e.shares[key] = sb }
	} else {
		return 0, domain.ErrNotFound
	}

	fees, err := addAmount(m.FeesAccrued, forfeited)
	if err != nil {
		undo()
		return 0, err
	}
	m.FeesAccrued = fees

	reward := e.params.GCReward
	if reward > m.FeesAccrued {
		reward = m.FeesAccrued
	}
	m.FeesAccrued -= reward
	m.Tracked -= reward

	if reward > 0 {
		if err := e.assets.Credit(ctx, EscrowAccount(marketID), caller, reward); err != nil {
			undo()
			m.FeesAccrued += reward - forfeited
			m.Tracked += reward
			return 0, fmt.Errorf("gc reward credit: %w", err)
		}
	}

	e.logger.Debug("bet record garbage collected",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
		slog.Int64("reward", reward),
	)
	return reward, nil
}
