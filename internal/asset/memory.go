// Package asset provides an in-memory implementation of the asset-transfer
// collaborator. The real gateway is an external token ledger; this
// implementation backs the standalone mode and the test suite, including its
// adversarial cases (issuer clawbacks, reentrant transfer hooks).
package asset

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// Ledger is a thread-safe in-memory balance table implementing
// domain.AssetGateway.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]int64
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]int64)}
}

// Mint credits freshly issued units to an account.
func (l *Ledger) Mint(account common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Debit moves amount from a user account into escrow. Fails without side
// effects when the account cannot cover it.
func (l *Ledger) Debit(ctx context.Context, from, escrow common.Address, amount int64) error {
	return l.transfer(from, escrow, amount)
}

// Credit moves amount out of escrow to a user account.
func (l *Ledger) Credit(ctx context.Context, escrow, to common.Address, amount int64) error {
	return l.transfer(escrow, to, amount)
}

// BalanceOf returns the current balance of an account.
func (l *Ledger) BalanceOf(ctx context.Context, account common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

// Reclaim forcibly removes units from an account, mimicking a privileged
// issuer clawback. Used to exercise the asset-integrity audit.
func (l *Ledger) Reclaim(account common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] -= amount
	if l.balances[account] < 0 {
		l.balances[account] = 0
	}
}

func (l *Ledger) transfer(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return domain.ErrInsufficientBalance
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Compile-time interface check.
var _ domain.AssetGateway = (*Ledger)(nil)
