package domain

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists market records.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id uint64) (Market, error)
	ListByStatus(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	ListAll(ctx context.Context) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists pari-mutuel stake records.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Delete(ctx context.Context, marketID uint64, outcome int, account common.Address) error
	Get(ctx context.Context, marketID uint64, outcome int, account common.Address) (Position, error)
	ListByMarket(ctx context.Context, marketID uint64) ([]Position, error)
	ListAll(ctx context.Context) ([]Position, error)
}

// PoolStore persists AMM pool state.
type PoolStore interface {
	Upsert(ctx context.Context, p Pool) error
	ListByMarket(ctx context.Context, marketID uint64) ([]Pool, error)
	ListAll(ctx context.Context) ([]Pool, error)
}

// ShareStore persists AMM share balances.
type ShareStore interface {
	Upsert(ctx context.Context, s ShareBalance) error
	Delete(ctx context.Context, marketID uint64, outcome int, account common.Address) error
	ListByMarket(ctx context.Context, marketID uint64) ([]ShareBalance, error)
	ListAll(ctx context.Context) ([]ShareBalance, error)
}

// VoteStore persists resolution votes.
type VoteStore interface {
	Upsert(ctx context.Context, v Vote) error
	ListByMarket(ctx context.Context, marketID uint64) ([]Vote, error)
	ListAll(ctx context.Context) ([]Vote, error)
}

// ReputationStore persists creator reputation tiers.
type ReputationStore interface {
	Upsert(ctx context.Context, r CreatorReputation) error
	Get(ctx context.Context, account common.Address) (CreatorReputation, error)
	ListAll(ctx context.Context) ([]CreatorReputation, error)
}

// EngineState is the singleton row persisting engine-level configuration that
// is mutated at runtime (admin/guardian assignment, breaker position, the
// configured creation deposit, and the next market ID).
type EngineState struct {
	Admin           common.Address `json:"admin"`
	Guardian        common.Address `json:"guardian"`
	Breaker         BreakerState   `json:"breaker"`
	CreationDeposit int64          `json:"creation_deposit"`
	NextMarketID    uint64         `json:"next_market_id"`
	// OracleSeq is the engine-wide freshness checkpoint: the ledger sequence
	// of the most recent oracle-result write anywhere in the engine.
	OracleSeq uint64 `json:"oracle_seq"`
}

// EngineStateStore persists the EngineState singleton.
type EngineStateStore interface {
	Save(ctx context.Context, s EngineState) error
	Load(ctx context.Context) (EngineState, error)
}

// MarketCache is a read-through cache for market records.
type MarketCache interface {
	Get(ctx context.Context, id uint64) (Market, error)
	Set(ctx context.Context, m Market) error
	Invalidate(ctx context.Context, id uint64) error
}

// SignalBus publishes engine events for downstream consumers (ws hub,
// notifier) over ephemeral channels and a durable stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver snapshots a settled market before its records are garbage
// collected. It returns the blob path written.
type Archiver interface {
	ArchiveMarket(ctx context.Context, marketID uint64) (string, error)
}

// ---------------------------------------------------------------------------
// External collaborators. All of these are untrusted code from the engine's
// point of view; the asset gateway in particular may re-enter the engine
// mid-transfer.
// ---------------------------------------------------------------------------

// AssetGateway moves the stable asset between user accounts and per-market
// escrow accounts. Debit pulls funds into escrow, Credit pays out of escrow.
type AssetGateway interface {
	Debit(ctx context.Context, from, escrow common.Address, amount int64) error
	Credit(ctx context.Context, escrow, to common.Address, amount int64) error
	BalanceOf(ctx context.Context, account common.Address) (int64, error)
}

// OracleSource answers resolution queries. FetchResult returns the winning
// outcome index for the feed, or an error when no result with the required
// number of responses is available.
type OracleSource interface {
	FetchResult(ctx context.Context, feedID string, minResponses int) (int, error)
}

// IdentityVerifier is the optional KYC collaborator. A nil verifier preserves
// the permissive default: every account may bet.
type IdentityVerifier interface {
	IsVerified(ctx context.Context, account common.Address) (bool, error)
}
