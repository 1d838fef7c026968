package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// Security guard: guardian administration, the circuit breaker, and the
// asset-integrity (clawback) audit. The reentrancy latch and freshness
// checks live in engine.go / registry.go and wrap every mutating operation.

// SetGuardian assigns the breaker authority. Admin only.
func (e *Engine) SetGuardian(caller, guardian common.Address) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.admin {
		return domain.ErrUnauthorized
	}
	e.guardian = guardian
	e.logger.Info("guardian assigned", slog.String("guardian", guardian.Hex()))
	return nil
}

// Pause puts the breaker into the emergency Paused state. Guardian only.
// High-risk operations are rejected while paused; claims, refunds, deposit
// release, and garbage collection keep working so funds are never trapped.
func (e *Engine) Pause(caller common.Address) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.guardian {
		return domain.ErrUnauthorized
	}
	e.breaker = domain.BreakerPaused
	e.logger.Warn("engine paused by guardian")
	return nil
}

// Unpause steps the breaker back toward normal operation. Guardian only.
// Paused and HalfOpen return to Closed directly; a tripped Open breaker
// steps to HalfOpen first so recovery is probed before market creation
// reopens.
func (e *Engine) Unpause(caller common.Address) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.guardian {
		return domain.ErrUnauthorized
	}
	switch e.breaker {
	case domain.BreakerOpen:
		e.breaker = domain.BreakerHalfOpen
	default:
		e.breaker = domain.BreakerClosed
	}
	e.logger.Info("breaker stepped", slog.String("state", string(e.breaker)))
	return nil
}

// CheckClawback audits a market's escrow: the asset collaborator's actual
// balance must cover the engine's tracked total. A shortfall (for example a
// privileged issuer reclaiming escrowed funds) cancels the market
// immediately so holders get refunds instead of corrupted payouts.
//
// Permissionless: anyone may trigger the audit. Returns true when a clawback
// was detected and the market cancelled.
func (e *Engine) CheckClawback(ctx context.Context, marketID uint64) (bool, error) {
	release, err := e.enter()
	if err != nil {
		return false, err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return false, domain.ErrNotFound
	}

	actual, err := e.assets.BalanceOf(ctx, EscrowAccount(marketID))
	if err != nil {
		return false, fmt.Errorf("clawback balance query: %w", err)
	}
	if actual >= m.Tracked {
		return false, nil
	}

	if err := e.cancelMarket(m); err != nil {
		// Already settled; the shortfall is surfaced but nothing to cancel.
		return false, fmt.Errorf("%w: tracked %d, actual %d", domain.ErrClawbackDetected, m.Tracked, actual)
	}
	// Refunds are bounded by what is actually left in escrow.
	m.Tracked = actual

	e.logger.Error("clawback detected, market cancelled",
		slog.Uint64("market_id", marketID),
		slog.Int64("actual", actual),
	)
	return true, nil
}
