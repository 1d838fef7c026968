// Package service wraps the settlement engine with write-behind persistence,
// cache invalidation, and event publication. The engine owns correctness; the
// service keeps the outside world (Postgres, Redis, subscribers) in step with
// it after each committed operation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
)

// EventStream is the durable bus stream carrying every published event.
const EventStream = "stream:events"

// SettlementService is the transactional facade over the engine.
type SettlementService struct {
	eng *engine.Engine

	markets     domain.MarketStore
	positions   domain.PositionStore
	pools       domain.PoolStore
	shares      domain.ShareStore
	votes       domain.VoteStore
	reputations domain.ReputationStore
	state       domain.EngineStateStore

	cache    domain.MarketCache
	bus      domain.SignalBus
	archiver domain.Archiver

	logger *slog.Logger
}

// Stores bundles the persistent store set the service writes through.
type Stores struct {
	Markets     domain.MarketStore
	Positions   domain.PositionStore
	Pools       domain.PoolStore
	Shares      domain.ShareStore
	Votes       domain.VoteStore
	Reputations domain.ReputationStore
	State       domain.EngineStateStore
}

// NewSettlementService creates the service. cache, bus, and archiver may be
// nil; persistence is mandatory.
func NewSettlementService(
	eng *engine.Engine,
	stores Stores,
	cache domain.MarketCache,
	bus domain.SignalBus,
	archiver domain.Archiver,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		eng:         eng,
		markets:     stores.Markets,
		positions:   stores.Positions,
		pools:       stores.Pools,
		shares:      stores.Shares,
		votes:       stores.Votes,
		reputations: stores.Reputations,
		state:       stores.State,
		cache:       cache,
		bus:         bus,
		archiver:    archiver,
		logger:      logger.With(slog.String("component", "settlement")),
	}
}

// Load rebuilds the engine from the persistent stores. A fresh database
// (no engine_state row) keeps the engine's seed state and writes it out.
// Called once at startup, before traffic.
func (s *SettlementService) Load(ctx context.Context) error {
	st, err := s.state.Load(ctx)
	if err != nil {
		if err == domain.ErrNotFound {
			if err := s.state.Save(ctx, s.eng.State()); err != nil {
				return fmt.Errorf("settlement: seed state: %w", err)
			}
			return nil
		}
		return fmt.Errorf("settlement: load state: %w", err)
	}

	snap := engine.Snapshot{State: st}
	if snap.Markets, err = s.markets.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load markets: %w", err)
	}
	if snap.Positions, err = s.positions.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load positions: %w", err)
	}
	if snap.Pools, err = s.pools.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load pools: %w", err)
	}
	if snap.Shares, err = s.shares.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load share balances: %w", err)
	}
	if snap.Votes, err = s.votes.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load votes: %w", err)
	}
	if snap.Reputations, err = s.reputations.ListAll(ctx); err != nil {
		return fmt.Errorf("settlement: load reputations: %w", err)
	}
	s.eng.Restore(snap)

	s.logger.InfoContext(ctx, "engine state restored",
		slog.Int("markets", len(snap.Markets)),
		slog.Int("positions", len(snap.Positions)),
		slog.Uint64("next_market_id", st.NextMarketID),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Write-behind helpers. Persistence errors after a committed engine operation
// are surfaced to the caller; cache and bus errors are logged and swallowed
// because both recover on their own.
// ---------------------------------------------------------------------------

func (s *SettlementService) persistMarket(ctx context.Context, id uint64) error {
	m, err := s.eng.Market(id)
	if err != nil {
		return fmt.Errorf("settlement: read back market %d: %w", id, err)
	}
	if err := s.markets.Upsert(ctx, m); err != nil {
		return fmt.Errorf("settlement: persist market %d: %w", id, err)
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *SettlementService) persistState(ctx context.Context) error {
	if err := s.state.Save(ctx, s.eng.State()); err != nil {
		return fmt.Errorf("settlement: persist state: %w", err)
	}
	return nil
}

func (s *SettlementService) invalidate(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// syncMarketRecords reconciles the persisted position and share rows of a
// market with the engine's state. Resolution can delete many records at once
// (push payouts); the diff covers both upserts and deletions.
func (s *SettlementService) syncMarketRecords(ctx context.Context, id uint64) error {
	stored, err := s.positions.ListByMarket(ctx, id)
	if err != nil {
		return fmt.Errorf("settlement: sync positions %d: %w", id, err)
	}
	live := s.eng.Positions(id)
	liveKeys := make(map[string]bool, len(live))
	for _, p := range live {
		liveKeys[fmt.Sprintf("%d/%s", p.Outcome, p.Account.Hex())] = true
		if err := s.positions.Upsert(ctx, p); err != nil {
			return fmt.Errorf("settlement: sync position upsert: %w", err)
		}
	}
	for _, p := range stored {
		if !liveKeys[fmt.Sprintf("%d/%s", p.Outcome, p.Account.Hex())] {
			if err := s.positions.Delete(ctx, id, p.Outcome, p.Account); err != nil {
				return fmt.Errorf("settlement: sync position delete: %w", err)
			}
		}
	}

	storedShares, err := s.shares.ListByMarket(ctx, id)
	if err != nil {
		return fmt.Errorf("settlement: sync shares %d: %w", id, err)
	}
	liveShares := s.eng.ShareBalances(id)
	liveKeys = make(map[string]bool, len(liveShares))
	for _, sb := range liveShares {
		liveKeys[fmt.Sprintf("%d/%s", sb.Outcome, sb.Account.Hex())] = true
		if err := s.shares.Upsert(ctx, sb); err != nil {
			return fmt.Errorf("settlement: sync share upsert: %w", err)
		}
	}
	for _, sb := range storedShares {
		if !liveKeys[fmt.Sprintf("%d/%s", sb.Outcome, sb.Account.Hex())] {
			if err := s.shares.Delete(ctx, id, sb.Outcome, sb.Account); err != nil {
				return fmt.Errorf("settlement: sync share delete: %w", err)
			}
		}
	}
	return nil
}

func (s *SettlementService) publish(ctx context.Context, channel, eventType string, seq, marketID uint64, payload any) {
	if s.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.WarnContext(ctx, "event payload marshal failed",
				slog.String("type", eventType),
				slog.String("error", err.Error()),
			)
			return
		}
		raw = data
	}
	ev := domain.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Seq:      seq,
		MarketID: marketID,
		Payload:  raw,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, EventStream, data); err != nil {
		s.logger.WarnContext(ctx, "event stream append failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Market registry operations.
// ---------------------------------------------------------------------------

// CreateMarket creates a market and persists it together with any seeded
// pools.
func (s *SettlementService) CreateMarket(ctx context.Context, seq uint64, creator common.Address, req engine.CreateMarketRequest) (domain.Market, error) {
	m, err := s.eng.CreateMarket(ctx, seq, creator, req)
	if err != nil {
		return domain.Market{}, err
	}
	if err := s.persistMarket(ctx, m.ID); err != nil {
		return m, err
	}
	for _, pool := range s.eng.Pools(m.ID) {
		if err := s.pools.Upsert(ctx, pool); err != nil {
			return m, fmt.Errorf("settlement: persist pool %d/%d: %w", m.ID, pool.Outcome, err)
		}
	}
	if err := s.persistState(ctx); err != nil {
		return m, err
	}
	s.publish(ctx, domain.ChannelMarkets, domain.EventMarketCreated, seq, m.ID, m)
	return m, nil
}

// SetCreatorReputation assigns a creator tier and persists it.
func (s *SettlementService) SetCreatorReputation(ctx context.Context, seq uint64, caller, account common.Address, tier domain.ReputationTier) error {
	if err := s.eng.SetCreatorReputation(seq, caller, account, tier); err != nil {
		return err
	}
	rep := domain.CreatorReputation{Account: account, Tier: tier, UpdatedAt: seq}
	if err := s.reputations.Upsert(ctx, rep); err != nil {
		return fmt.Errorf("settlement: persist reputation: %w", err)
	}
	return nil
}

// SetCreationDeposit updates the global deposit amount and persists the
// engine state.
func (s *SettlementService) SetCreationDeposit(ctx context.Context, caller common.Address, amount int64) error {
	if err := s.eng.SetCreationDeposit(caller, amount); err != nil {
		return err
	}
	return s.persistState(ctx)
}

// ReleaseCreationDeposit returns a settled market's deposit to its creator.
func (s *SettlementService) ReleaseCreationDeposit(ctx context.Context, marketID uint64) (int64, error) {
	amount, err := s.eng.ReleaseCreationDeposit(ctx, marketID)
	if err != nil {
		return 0, err
	}
	return amount, s.persistMarket(ctx, marketID)
}

// CancelMarket cancels a market by admin action.
func (s *SettlementService) CancelMarket(ctx context.Context, seq uint64, caller common.Address, marketID uint64) error {
	if err := s.eng.CancelMarket(caller, marketID); err != nil {
		return err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	s.publish(ctx, domain.ChannelMarkets, domain.EventMarketCancelled, seq, marketID, nil)
	return nil
}

// ---------------------------------------------------------------------------
// Positions and trades.
// ---------------------------------------------------------------------------

// PlaceBet records a stake and persists the market and position records.
func (s *SettlementService) PlaceBet(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, amount int64) error {
	if err := s.eng.PlaceBet(ctx, seq, account, marketID, outcome, amount); err != nil {
		return err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	pos, err := s.eng.Position(marketID, outcome, account)
	if err != nil {
		return fmt.Errorf("settlement: read back position: %w", err)
	}
	if err := s.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("settlement: persist position: %w", err)
	}
	s.publish(ctx, domain.ChannelTrades, domain.EventBetPlaced, seq, marketID, pos)
	return nil
}

// BuyShares executes an AMM buy and persists pool and holding records.
func (s *SettlementService) BuyShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, assetIn int64) (int64, error) {
	sharesOut, err := s.eng.BuyShares(ctx, seq, account, marketID, outcome, assetIn)
	if err != nil {
		return 0, err
	}
	if err := s.persistTrade(ctx, marketID, outcome, account); err != nil {
		return sharesOut, err
	}
	s.publish(ctx, domain.ChannelTrades, domain.EventSharesBought, seq, marketID, map[string]any{
		"account":    account.Hex(),
		"outcome":    outcome,
		"asset_in":   assetIn,
		"shares_out": sharesOut,
	})
	return sharesOut, nil
}

// SellShares executes an AMM sell and persists pool and holding records.
func (s *SettlementService) SellShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, sharesIn int64) (int64, error) {
	assetOut, err := s.eng.SellShares(ctx, seq, account, marketID, outcome, sharesIn)
	if err != nil {
		return 0, err
	}
	if err := s.persistTrade(ctx, marketID, outcome, account); err != nil {
		return assetOut, err
	}
	s.publish(ctx, domain.ChannelTrades, domain.EventSharesSold, seq, marketID, map[string]any{
		"account":   account.Hex(),
		"outcome":   outcome,
		"shares_in": sharesIn,
		"asset_out": assetOut,
	})
	return assetOut, nil
}

func (s *SettlementService) persistTrade(ctx context.Context, marketID uint64, outcome int, account common.Address) error {
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	pool, err := s.eng.Pool(marketID, outcome)
	if err != nil {
		return fmt.Errorf("settlement: read back pool: %w", err)
	}
	if err := s.pools.Upsert(ctx, pool); err != nil {
		return fmt.Errorf("settlement: persist pool: %w", err)
	}
	sb, err := s.eng.ShareBalance(marketID, outcome, account)
	if err != nil {
		return fmt.Errorf("settlement: read back share balance: %w", err)
	}
	if err := s.shares.Upsert(ctx, sb); err != nil {
		return fmt.Errorf("settlement: persist share balance: %w", err)
	}
	return nil
}

// ClaimWinnings pays out one winner and removes the claimed record.
func (s *SettlementService) ClaimWinnings(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error) {
	net, err := s.eng.ClaimWinnings(ctx, seq, account, marketID)
	if err != nil {
		return 0, err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return net, err
	}
	if err := s.syncMarketRecords(ctx, marketID); err != nil {
		return net, err
	}
	s.publish(ctx, domain.ChannelTrades, domain.EventWinningsClaimed, seq, marketID, map[string]any{
		"account": account.Hex(),
		"net":     net,
	})
	return net, nil
}

// WithdrawRefund returns an account's principal on a cancelled market.
func (s *SettlementService) WithdrawRefund(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error) {
	refund, err := s.eng.WithdrawRefund(ctx, seq, account, marketID)
	if err != nil {
		return 0, err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return refund, err
	}
	if err := s.syncMarketRecords(ctx, marketID); err != nil {
		return refund, err
	}
	s.publish(ctx, domain.ChannelTrades, domain.EventRefundWithdrawn, seq, marketID, map[string]any{
		"account": account.Hex(),
		"refund":  refund,
	})
	return refund, nil
}

// GarbageCollectBet archives the market snapshot, deletes one settled record,
// and pays the caller's reward.
func (s *SettlementService) GarbageCollectBet(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int, account common.Address) (int64, error) {
	// Snapshot to cold storage before the record disappears. A failed upload
	// aborts the collection so nothing is lost.
	if s.archiver != nil {
		path, err := s.archiver.ArchiveMarket(ctx, marketID)
		if err != nil {
			return 0, fmt.Errorf("settlement: archive before gc: %w", err)
		}
		s.logger.InfoContext(ctx, "market snapshot archived",
			slog.Uint64("market_id", marketID),
			slog.String("path", path),
		)
	}

	reward, err := s.eng.GarbageCollectBet(ctx, seq, caller, marketID, outcome, account)
	if err != nil {
		return 0, err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return reward, err
	}
	if err := s.syncMarketRecords(ctx, marketID); err != nil {
		return reward, err
	}
	return reward, nil
}

// ---------------------------------------------------------------------------
// Resolution protocol.
// ---------------------------------------------------------------------------

// AttemptOracleResolution runs the first resolution stage.
func (s *SettlementService) AttemptOracleResolution(ctx context.Context, seq uint64, marketID uint64) error {
	if err := s.eng.AttemptOracleResolution(ctx, seq, marketID); err != nil {
		return err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	if err := s.persistState(ctx); err != nil {
		return err
	}
	s.publish(ctx, domain.ChannelResolution, domain.EventMarketPending, seq, marketID, nil)
	return nil
}

// FileDispute contests a pending oracle result.
func (s *SettlementService) FileDispute(ctx context.Context, seq uint64, account common.Address, marketID uint64) error {
	if err := s.eng.FileDispute(ctx, seq, account, marketID); err != nil {
		return err
	}
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	s.publish(ctx, domain.ChannelResolution, domain.EventMarketDisputed, seq, marketID, map[string]any{
		"account": account.Hex(),
	})
	return nil
}

// CastVote records a weighted vote on a disputed market.
func (s *SettlementService) CastVote(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int) error {
	if err := s.eng.CastVote(ctx, seq, account, marketID, outcome); err != nil {
		return err
	}
	for _, v := range s.eng.Votes(marketID) {
		if v.Voter == account {
			if err := s.votes.Upsert(ctx, v); err != nil {
				return fmt.Errorf("settlement: persist vote: %w", err)
			}
			s.publish(ctx, domain.ChannelResolution, domain.EventVoteCast, seq, marketID, v)
			break
		}
	}
	return nil
}

// FinalizeResolution settles a pending or disputed market.
func (s *SettlementService) FinalizeResolution(ctx context.Context, seq uint64, marketID uint64) error {
	if err := s.eng.FinalizeResolution(ctx, seq, marketID); err != nil {
		return err
	}
	return s.persistResolution(ctx, seq, marketID)
}

// ResolveMarket applies the admin override.
func (s *SettlementService) ResolveMarket(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int) error {
	if err := s.eng.ResolveMarket(ctx, seq, caller, marketID, outcome); err != nil {
		return err
	}
	return s.persistResolution(ctx, seq, marketID)
}

func (s *SettlementService) persistResolution(ctx context.Context, seq uint64, marketID uint64) error {
	if err := s.persistMarket(ctx, marketID); err != nil {
		return err
	}
	// Push payouts may have deleted winning records.
	if err := s.syncMarketRecords(ctx, marketID); err != nil {
		return err
	}
	if err := s.persistState(ctx); err != nil {
		return err
	}
	m, err := s.eng.Market(marketID)
	if err != nil {
		return fmt.Errorf("settlement: read back market %d: %w", marketID, err)
	}
	s.publish(ctx, domain.ChannelResolution, domain.EventMarketResolved, seq, marketID, map[string]any{
		"winning_outcome": m.WinningOutcome,
		"payout_mode":     string(m.PayoutMode),
	})
	return nil
}

// ---------------------------------------------------------------------------
// Guard operations.
// ---------------------------------------------------------------------------

// SetGuardian assigns the breaker authority.
func (s *SettlementService) SetGuardian(ctx context.Context, caller, guardian common.Address) error {
	if err := s.eng.SetGuardian(caller, guardian); err != nil {
		return err
	}
	return s.persistState(ctx)
}

// Pause freezes high-risk operations.
func (s *SettlementService) Pause(ctx context.Context, seq uint64, caller common.Address) error {
	if err := s.eng.Pause(caller); err != nil {
		return err
	}
	if err := s.persistState(ctx); err != nil {
		return err
	}
	s.publishBreaker(ctx, seq)
	return nil
}

// Unpause steps the breaker back toward normal operation.
func (s *SettlementService) Unpause(ctx context.Context, seq uint64, caller common.Address) error {
	if err := s.eng.Unpause(caller); err != nil {
		return err
	}
	if err := s.persistState(ctx); err != nil {
		return err
	}
	s.publishBreaker(ctx, seq)
	return nil
}

func (s *SettlementService) publishBreaker(ctx context.Context, seq uint64) {
	s.publish(ctx, domain.ChannelBreaker, domain.EventBreakerChanged, seq, 0, map[string]any{
		"state": string(s.eng.Breaker()),
	})
}

// AuditPool verifies a pool invariant; a violation trips the breaker, which
// must be persisted.
func (s *SettlementService) AuditPool(ctx context.Context, seq uint64, marketID uint64, outcome int) error {
	err := s.eng.AuditPool(marketID, outcome)
	if err == domain.ErrPoolInvariant {
		if perr := s.persistState(ctx); perr != nil {
			return perr
		}
		s.publishBreaker(ctx, seq)
	}
	return err
}

// CheckClawback audits a market's escrow backing. A detected clawback cancels
// the market, which must be persisted and announced.
func (s *SettlementService) CheckClawback(ctx context.Context, seq uint64, marketID uint64) (bool, error) {
	detected, err := s.eng.CheckClawback(ctx, marketID)
	if err != nil {
		return false, err
	}
	if detected {
		if err := s.persistMarket(ctx, marketID); err != nil {
			return true, err
		}
		s.publish(ctx, domain.ChannelMarkets, domain.EventMarketCancelled, seq, marketID, map[string]any{
			"reason": "clawback",
		})
	}
	return detected, nil
}

// ---------------------------------------------------------------------------
// Reads. Single-market reads go through the cache; lists hit the store.
// ---------------------------------------------------------------------------

// GetMarket retrieves a market, cache first.
func (s *SettlementService) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err := s.eng.Market(id)
	if err != nil {
		return domain.Market{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns markets by status from the persistent store.
func (s *SettlementService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListByStatus(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list markets: %w", err)
	}
	return markets, nil
}

// Engine exposes the read-only engine queries to handlers.
func (s *SettlementService) Engine() *engine.Engine {
	return s.eng
}
