package domain

import "github.com/ethereum/go-ethereum/common"

// MarketStatus represents the lifecycle state of a market. Transitions are
// monotonic: a market never returns to an earlier state.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusPending   MarketStatus = "pending_resolution"
	MarketStatusDisputed  MarketStatus = "disputed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// Mechanism selects how a market prices and settles positions. A market uses
// exactly one mechanism, chosen at creation.
type Mechanism string

const (
	// MechanismParimutuel pools stakes per outcome; winners split the total
	// pot proportionally to their stake.
	MechanismParimutuel Mechanism = "parimutuel"
	// MechanismAMM prices entry and exit through per-outcome constant-product
	// pools.
	MechanismAMM Mechanism = "amm"
)

// PayoutMode is the settlement strategy chosen once at finalization and
// stored on the market so subsequent calls are deterministic.
type PayoutMode string

const (
	// PayoutModePush: the engine iterates and pays every winner during
	// finalization. Selected when the estimated winner count is small.
	PayoutModePush PayoutMode = "push"
	// PayoutModePull: each winner claims individually. Forced when the
	// winner count would make a single push operation unbounded.
	PayoutModePull PayoutMode = "pull"
)

// OracleConfig identifies the external feed consulted during the first
// resolution stage.
type OracleConfig struct {
	FeedID       string `json:"feed_id"`
	MinResponses int    `json:"min_responses"`
}

// NoOutcome marks WinningOutcome / OracleOutcome as unset.
const NoOutcome = -1

// Market is the settlement engine's central record. All *Seq fields are
// caller-supplied ledger sequence numbers; the engine has no wall-clock
// dependency. Monetary fields are int64 micro-units.
type Market struct {
	ID              uint64         `json:"id"`
	Description     string         `json:"description"`
	Outcomes        []string       `json:"outcomes"`
	BetDeadline     uint64         `json:"bet_deadline"`
	ResolveDeadline uint64         `json:"resolve_deadline"`
	Oracle          OracleConfig   `json:"oracle"`
	Tier            ReputationTier `json:"tier"`
	Mechanism       Mechanism      `json:"mechanism"`

	// Conditional chain: when ParentID is non-zero the parent market must be
	// resolved to ParentOutcome before this market accepts any position.
	ParentID      uint64 `json:"parent_id"`
	ParentOutcome int    `json:"parent_outcome"`

	Status         MarketStatus `json:"status"`
	WinningOutcome int          `json:"winning_outcome"`
	OracleOutcome  int          `json:"oracle_outcome"`
	PayoutMode     PayoutMode   `json:"payout_mode,omitempty"`

	// Sequence checkpoints recorded at each transition.
	CreatedAt    uint64 `json:"created_at"`
	PendingSince uint64 `json:"pending_since,omitempty"`
	DisputedAt   uint64 `json:"disputed_at,omitempty"`
	ResolvedAt   uint64 `json:"resolved_at,omitempty"`

	// OracleSeq is the freshness checkpoint: the ledger sequence of the most
	// recent oracle-result write affecting this market. Acting on the result
	// in the same sequence is rejected.
	OracleSeq uint64 `json:"oracle_seq,omitempty"`

	Creator         common.Address `json:"creator"`
	Deposit         int64          `json:"deposit"`
	DepositReleased bool           `json:"deposit_released"`

	// StakePools holds the pari-mutuel pool total per outcome; Backers the
	// number of distinct position records per outcome (used to pick the
	// payout mode). Empty for AMM markets.
	StakePools []int64 `json:"stake_pools,omitempty"`
	Backers    []int   `json:"backers,omitempty"`
	TotalPool  int64   `json:"total_pool"`

	// Settlement snapshot for AMM markets, frozen at resolution: the merged
	// reserves of every pool and the outstanding shares of the winning
	// outcome.
	SettlePot    int64 `json:"settle_pot,omitempty"`
	SettleShares int64 `json:"settle_shares,omitempty"`

	// FeesAccrued is commission retained in escrow; Tracked is the expected
	// escrow balance for this market (stakes + reserves + fees + deposit),
	// audited against the asset collaborator by the clawback check.
	FeesAccrued int64 `json:"fees_accrued"`
	Tracked     int64 `json:"tracked"`
}

// OutcomeValid reports whether idx addresses one of the market's outcomes.
func (m *Market) OutcomeValid(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}

// Settled reports whether the market reached a terminal state.
func (m *Market) Settled() bool {
	return m.Status == MarketStatusResolved || m.Status == MarketStatusCancelled
}
