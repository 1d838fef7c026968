package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/outcomelab/settled/internal/domain"
)

// Market registry: creation validation, reputation and deposit
// administration, and cancellation.

const (
	minOutcomes = 2
	maxOutcomes = 100
)

// CreateMarketRequest carries the caller-supplied market parameters.
type CreateMarketRequest struct {
	Description     string
	Outcomes        []string
	BetDeadline     uint64
	ResolveDeadline uint64
	Oracle          domain.OracleConfig
	Mechanism       domain.Mechanism
	ParentID        uint64
	ParentOutcome   int
}

// CreateMarket validates the request, locks the creation deposit for
// non-privileged creators, seeds AMM pools, and registers the market. The
// asset debit happens strictly after all storage mutation.
func (e *Engine) CreateMarket(ctx context.Context, seq uint64, creator common.Address, req CreateMarketRequest) (domain.Market, error) {
	release, err := e.enter()
	if err != nil {
		return domain.Market{}, err
	}
	defer release()

	if err := e.allowHighRisk(true); err != nil {
		return domain.Market{}, err
	}
	if n := len(req.Outcomes); n < minOutcomes || n > maxOutcomes {
		return domain.Market{}, domain.ErrOutcomeCount
	}
	if !(seq < req.BetDeadline && req.BetDeadline < req.ResolveDeadline) {
		return domain.Market{}, domain.ErrBadDeadlines
	}
	switch req.Mechanism {
	case domain.MechanismParimutuel, domain.MechanismAMM:
	default:
		return domain.Market{}, domain.ErrBadMechanism
	}
	if req.ParentID != 0 {
		parent, ok := e.markets[req.ParentID]
		if !ok {
			return domain.Market{}, domain.ErrNotFound
		}
		if !parent.OutcomeValid(req.ParentOutcome) {
			return domain.Market{}, domain.ErrInvalidOutcome
		}
		if err := e.checkParent(req.ParentID, req.ParentOutcome, seq); err != nil {
			return domain.Market{}, err
		}
	}

	tier := e.Reputation(creator)
	var deposit int64
	if !tier.Privileged() {
		deposit = e.creationDeposit
	}

	m := &domain.Market{
		ID:              e.nextID,
		Description:     req.Description,
		Outcomes:        req.Outcomes,
		BetDeadline:     req.BetDeadline,
		ResolveDeadline: req.ResolveDeadline,
		Oracle:          req.Oracle,
		Tier:            tier,
		Mechanism:       req.Mechanism,
		ParentID:        req.ParentID,
		ParentOutcome:   req.ParentOutcome,
		Status:          domain.MarketStatusActive,
		WinningOutcome:  domain.NoOutcome,
		OracleOutcome:   domain.NoOutcome,
		CreatedAt:       seq,
		Creator:         creator,
		Deposit:         deposit,
	}

	// Seed AMM pools. The reserve side is real assets debited from the
	// creator together with the deposit below.
	var seed int64
	if req.Mechanism == domain.MechanismAMM {
		var err error
		seed, err = mulDiv(e.params.SeedReserve, int64(len(req.Outcomes)), 1)
		if err != nil {
			return domain.Market{}, err
		}
		for i := range req.Outcomes {
			k := uint256.NewInt(uint64(e.params.SeedReserve))
			k.Mul(k, uint256.NewInt(uint64(e.params.SeedShares)))
			e.pools[poolKey{m.ID, i}] = &domain.Pool{
				MarketID: m.ID,
				Outcome:  i,
				Reserve:  e.params.SeedReserve,
				Shares:   e.params.SeedShares,
				K:        k,
			}
		}
	} else {
		m.StakePools = make([]int64, len(req.Outcomes))
		m.Backers = make([]int, len(req.Outcomes))
	}

	locked, err := addAmount(deposit, seed)
	if err != nil {
		e.dropMarket(m.ID, len(req.Outcomes))
		return domain.Market{}, err
	}
	m.Tracked = locked
	e.markets[m.ID] = m

	// Asset transfer last. Unwind registration if the debit fails.
	if locked > 0 {
		if err := e.assets.Debit(ctx, creator, EscrowAccount(m.ID), locked); err != nil {
			e.dropMarket(m.ID, len(req.Outcomes))
			return domain.Market{}, fmt.Errorf("%w: create deposit: %v", domain.ErrInsufficientBalance, err)
		}
	}
	e.nextID++

	e.logger.Info("market created",
		slog.Uint64("market_id", m.ID),
		slog.String("mechanism", string(m.Mechanism)),
		slog.Int("outcomes", len(m.Outcomes)),
		slog.Int64("locked", locked),
	)
	return *m, nil
}

// dropMarket removes a partially registered market and its pools. Pools may
// exist before the market record does, so the outcome count comes from the
// caller.
func (e *Engine) dropMarket(id uint64, outcomes int) {
	for i := 0; i < outcomes; i++ {
		delete(e.pools, poolKey{id, i})
	}
	delete(e.markets, id)
}

// checkParent enforces conditional-chain validity: the parent must be
// resolved to the required outcome, and its result must not have been written
// in the current ledger sequence (flash-loan freshness rule). Repeated at bet
// and trade time because a parent can resolve differently, or not at all,
// between market creation and the position.
func (e *Engine) checkParent(parentID uint64, requiredOutcome int, seq uint64) error {
	parent, ok := e.markets[parentID]
	if !ok {
		return domain.ErrParentUnresolved
	}
	if parent.OracleSeq != 0 && parent.OracleSeq == seq {
		return domain.ErrOracleTooFresh
	}
	if parent.Status != domain.MarketStatusResolved {
		return domain.ErrParentUnresolved
	}
	if parent.WinningOutcome != requiredOutcome {
		return domain.ErrParentOutcomeMismatch
	}
	return nil
}

// checkFreshness rejects acting in the same ledger sequence as any
// oracle-result write, on the market's own result, and on its parent's.
func (e *Engine) checkFreshness(m *domain.Market, seq uint64) error {
	if e.lastOracleSeq != 0 && e.lastOracleSeq == seq {
		return domain.ErrOracleTooFresh
	}
	if m.OracleSeq != 0 && m.OracleSeq == seq {
		return domain.ErrOracleTooFresh
	}
	if m.ParentID != 0 {
		return e.checkParent(m.ParentID, m.ParentOutcome, seq)
	}
	return nil
}

// checkIdentity consults the optional KYC collaborator. A nil verifier is
// permissive.
func (e *Engine) checkIdentity(ctx context.Context, account common.Address) error {
	if e.identity == nil {
		return nil
	}
	ok, err := e.identity.IsVerified(ctx, account)
	if err != nil {
		return fmt.Errorf("identity check: %w", err)
	}
	if !ok {
		return domain.ErrNotVerified
	}
	return nil
}

// SetCreatorReputation assigns a creator tier. Admin only.
func (e *Engine) SetCreatorReputation(seq uint64, caller, account common.Address, tier domain.ReputationTier) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.admin {
		return domain.ErrUnauthorized
	}
	switch tier {
	case domain.TierNone, domain.TierBasic, domain.TierPro, domain.TierInstitutional:
	default:
		return domain.ErrBadMechanism
	}
	e.reputations[account] = domain.CreatorReputation{
		Account:   account,
		Tier:      tier,
		UpdatedAt: seq,
	}
	return nil
}

// SetCreationDeposit updates the global deposit amount. Admin only. Already
// locked deposits are unaffected.
func (e *Engine) SetCreationDeposit(caller common.Address, amount int64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.admin {
		return domain.ErrUnauthorized
	}
	if amount < 0 {
		return domain.ErrInvalidAmount
	}
	e.creationDeposit = amount
	return nil
}

// ReleaseCreationDeposit returns a settled market's locked deposit to its
// creator. Exactly once; callable by anyone; always allowed under the
// breaker because it only moves funds out.
func (e *Engine) ReleaseCreationDeposit(ctx context.Context, marketID uint64) (int64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	m, ok := e.markets[marketID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if !m.Settled() {
		return 0, domain.ErrMarketNotResolved
	}
	if m.Deposit == 0 {
		return 0, domain.ErrNoDeposit
	}
	if m.DepositReleased {
		return 0, domain.ErrDepositReleased
	}

	m.DepositReleased = true
	tracked, err := subAmount(m.Tracked, m.Deposit)
	if err != nil {
		m.DepositReleased = false
		return 0, err
	}
	m.Tracked = tracked

	if err := e.assets.Credit(ctx, EscrowAccount(m.ID), m.Creator, m.Deposit); err != nil {
		m.DepositReleased = false
		m.Tracked += m.Deposit
		return 0, fmt.Errorf("release deposit: %w", err)
	}
	return m.Deposit, nil
}

// cancelMarket moves a market to Cancelled, enabling refunds. Only
// non-settled markets can be cancelled.
func (e *Engine) cancelMarket(m *domain.Market) error {
	switch m.Status {
	case domain.MarketStatusActive, domain.MarketStatusPending:
		m.Status = domain.MarketStatusCancelled
		return nil
	default:
		return domain.ErrMarketSettled
	}
}

// CancelMarket cancels a market by admin action.
func (e *Engine) CancelMarket(caller common.Address, marketID uint64) error {
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
	if err := e.cancelMarket(m); err != nil {
		return err
	}
	e.logger.Warn("market cancelled by admin", slog.Uint64("market_id", marketID))
	return nil
}
