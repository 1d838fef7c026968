package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/outcomelab/settled/internal/domain"
)

// AMM pool manager: constant-product entry/exit pricing per outcome.
//
// Both trade directions recompute the counterpart side as ceil(k / side) so
// the pool is never shortchanged by truncation; the product drifts above k by
// at most one rounding step, well inside the audit tolerance.

// BuyShares swaps assetIn for outcome shares. The 30 bps fee (tier-scaled)
// applies to the input; the marginal price strictly increases.
func (e *Engine) BuyShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, assetIn int64) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, pool, err := e.tradeChecks(ctx, seq, account, marketID, outcome)
	if err != nil {
		return 0, err
	}
	if assetIn <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	fee, err := Fee(assetIn, e.params.AmmFeeBps, m.Tier)
	if err != nil {
		return 0, err
	}
	netIn := assetIn - fee
	if netIn <= 0 {
		return 0, domain.ErrTradeTooSmall
	}

	newReserve, err := addAmount(pool.Reserve, netIn)
	if err != nil {
		return 0, err
	}
	newShares, err := divCeil(pool.K, newReserve)
	if err != nil {
		return 0, err
	}
	sharesOut := pool.Shares - newShares
	if sharesOut <= 0 {
		return 0, domain.ErrTradeTooSmall
	}
	newTracked, err := addAmount(m.Tracked, assetIn)
	if err != nil {
		return 0, err
	}

	key := positionKey{marketID, outcome, account}
	sb, existed := e.shares[key]
	if !existed {
		sb = &domain.ShareBalance{MarketID: marketID, Outcome: outcome, Account: account}
		e.shares[key] = sb
	}
	prevReserve, prevShares, prevIssued := pool.Reserve, pool.Shares, pool.Issued
	prevBalance, prevBasis := sb.Shares, sb.CostBasis

	pool.Reserve = newReserve
	pool.Shares = newShares
	pool.Issued += sharesOut
	sb.Shares += sharesOut
	sb.CostBasis += assetIn
	m.FeesAccrued += fee
	m.Tracked = newTracked

	if err := e.assets.Debit(ctx, account, EscrowAccount(marketID), assetIn); err != nil {
		pool.Reserve, pool.Shares, pool.Issued = prevReserve, prevShares, prevIssued
		sb.Shares, sb.CostBasis = prevBalance, prevBasis
		if !existed {
			delete(e.shares, key)
		}
		m.FeesAccrued -= fee
		m.Tracked -= assetIn
		return 0, fmt.Errorf("%w: buy debit: %v", domain.ErrInsufficientBalance, err)
	}

	e.logger.Debug("shares bought",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
		slog.Int64("asset_in", assetIn),
		slog.Int64("shares_out", sharesOut),
	)
	return sharesOut, nil
}

// SellShares swaps outcome shares back to assets. The fee applies to the
// output; the marginal price strictly decreases.
func (e *Engine) SellShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, sharesIn int64) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, pool, err := e.tradeChecks(ctx, seq, account, marketID, outcome)
	if err != nil {
		return 0, err
	}
	if sharesIn <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	key := positionKey{marketID, outcome, account}
	sb, ok := e.shares[key]
	if !ok || sb.Shares < sharesIn {
		return 0, domain.ErrInsufficientShares
	}

	newShares, err := addAmount(pool.Shares, sharesIn)
	if err != nil {
		return 0, err
	}
	newReserve, err := divCeil(pool.K, newShares)
	if err != nil {
		return 0, err
	}
	gross := pool.Reserve - newReserve
	if gross <= 0 {
		return 0, domain.ErrTradeTooSmall
	}
	fee, err := Fee(gross, e.params.AmmFeeBps, m.Tier)
	if err != nil {
		return 0, err
	}
	net := gross - fee
	if net <= 0 {
		return 0, domain.ErrTradeTooSmall
	}
	newTracked, err := subAmount(m.Tracked, net)
	if err != nil {
		return 0, err
	}

	prevReserve, prevShares, prevIssued := pool.Reserve, pool.Shares, pool.Issued
	prevBalance, prevBasis := sb.Shares, sb.CostBasis

	pool.Reserve = newReserve
	pool.Shares = newShares
	pool.Issued -= sharesIn
	sb.Shares -= sharesIn
	sb.CostBasis -= net
	if sb.CostBasis < 0 {
		sb.CostBasis = 0
	}
	m.FeesAccrued += fee
	m.Tracked = newTracked

	if err := e.assets.Credit(ctx, EscrowAccount(marketID), account, net); err != nil {
		pool.Reserve, pool.Shares, pool.Issued = prevReserve, prevShares, prevIssued
		sb.Shares, sb.CostBasis = prevBalance, prevBasis
		m.FeesAccrued -= fee
		m.Tracked += net
		return 0, fmt.Errorf("sell credit: %w", err)
	}

	e.logger.Debug("shares sold",
		slog.Uint64("market_id", marketID),
		slog.Int("outcome", outcome),
		slog.Int64("shares_in", sharesIn),
		slog.Int64("asset_out", net),
	)
	return net, nil
}

// tradeChecks runs the validations shared by both trade directions.
func (e *Engine) tradeChecks(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int) (*domain.Market, *domain.Pool, error) {
	if err := e.allowHighRisk(false); err != nil {
		return nil, nil, err
	}
	m, ok := e.markets[marketID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if m.Mechanism != domain.MechanismAMM {
		return nil, nil, domain.ErrWrongMechanism
	}
	if m.Status != domain.MarketStatusActive {
		return nil, nil, domain.ErrMarketNotActive
	}
	if seq >= m.BetDeadline {
		return nil, nil, domain.ErrBettingClosed
	}
	if !m.OutcomeValid(outcome) {
		return nil, nil, domain.ErrInvalidOutcome
	}
	if err := e.checkFreshness(m, seq); err != nil {
		return nil, nil, err
	}
	if err := e.checkIdentity(ctx, account); err != nil {
		return nil, nil, err
	}
	pool, ok := e.pools[poolKey{marketID, outcome}]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return m, pool, nil
}

// AuditPool recomputes reserve * shares and checks it against k within the
// 0.01% tolerance. A violation trips the breaker open and returns
// ErrPoolInvariant.
func (e *Engine) AuditPool(marketID uint64, outcome int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	pool, ok := e.pools[poolKey{marketID, outcome}]
	if !ok {
		return domain.ErrNotFound
	}

	product := pool.Product()
	diff := new(uint256.Int)
	if product.Cmp(pool.K) >= 0 {
		diff.Sub(product, pool.K)
	} else {
		diff.Sub(pool.K, product)
	}
	// |product - k| * 10000 <= k * tolerance
	diff.Mul(diff, uint256.NewInt(bpsDenominator))
	limit := new(uint256.Int).Mul(pool.K, uint256.NewInt(domain.InvariantToleranceBps))
	if diff.Cmp(limit) > 0 {
		if e.breaker == domain.BreakerClosed {
			e.breaker = domain.BreakerOpen
			e.logger.Error("pool invariant violated, breaker tripped open",
				slog.Uint64("market_id", marketID),
				slog.Int("outcome", outcome),
			)
		}
		return domain.ErrPoolInvariant
	}
	return nil
}
