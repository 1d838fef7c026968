package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outcomelab/settled/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, description, outcomes, bet_deadline, resolve_deadline,
	oracle_feed, oracle_min_resp, tier, mechanism, parent_id, parent_outcome,
	status, winning_outcome, oracle_outcome, payout_mode,
	created_seq, pending_since, disputed_at, resolved_at, oracle_seq,
	creator, deposit, deposit_released,
	stake_pools, backers, total_pool, settle_pot, settle_shares,
	fees_accrued, tracked`

// Upsert inserts or updates a single market record.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("postgres: marshal outcomes: %w", err)
	}
	var stakePools, backers []byte
	if m.StakePools != nil {
		if stakePools, err = json.Marshal(m.StakePools); err != nil {
			return fmt.Errorf("postgres: marshal stake pools: %w", err)
		}
	}
	if m.Backers != nil {
		if backers, err = json.Marshal(m.Backers); err != nil {
			return fmt.Errorf("postgres: marshal backers: %w", err)
		}
	}

	const query = `
		INSERT INTO markets (
			id, description, outcomes, bet_deadline, resolve_deadline,
			oracle_feed, oracle_min_resp, tier, mechanism, parent_id, parent_outcome,
			status, winning_outcome, oracle_outcome, payout_mode,
			created_seq, pending_since, disputed_at, resolved_at, oracle_seq,
			creator, deposit, deposit_released,
			stake_pools, backers, total_pool, settle_pot, settle_shares,
			fees_accrued, tracked, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27, $28,
			$29, $30, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status           = EXCLUDED.status,
			winning_outcome  = EXCLUDED.winning_outcome,
			oracle_outcome   = EXCLUDED.oracle_outcome,
			payout_mode      = EXCLUDED.payout_mode,
			pending_since    = EXCLUDED.pending_since,
			disputed_at      = EXCLUDED.disputed_at,
			resolved_at      = EXCLUDED.resolved_at,
			oracle_seq       = EXCLUDED.oracle_seq,
			deposit_released = EXCLUDED.deposit_released,
			stake_pools      = EXCLUDED.stake_pools,
			backers          = EXCLUDED.backers,
			total_pool       = EXCLUDED.total_pool,
			settle_pot       = EXCLUDED.settle_pot,
			settle_shares    = EXCLUDED.settle_shares,
			fees_accrued     = EXCLUDED.fees_accrued,
			tracked          = EXCLUDED.tracked,
			updated_at       = NOW()`

	_, err = s.pool.Exec(ctx, query,
		int64(m.ID), m.Description, outcomes, int64(m.BetDeadline), int64(m.ResolveDeadline),
		m.Oracle.FeedID, m.Oracle.MinResponses, string(m.Tier), string(m.Mechanism), int64(m.ParentID), m.ParentOutcome,
		string(m.Status), m.WinningOutcome, m.OracleOutcome, string(m.PayoutMode),
		int64(m.CreatedAt), int64(m.PendingSince), int64(m.DisputedAt), int64(m.ResolvedAt), int64(m.OracleSeq),
		m.Creator.Hex(), m.Deposit, m.DepositReleased,
		stakePools, backers, m.TotalPool, m.SettlePot, m.SettleShares,
		m.FeesAccrued, m.Tracked,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.ID, err)
	}
	return nil
}

// scanMarket scans a single market row.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var id, betDeadline, resolveDeadline, parentID int64
	var createdSeq, pendingSince, disputedAt, resolvedAt, oracleSeq int64
	var tier, mechanism, status, payoutMode, creator string
	var outcomes []byte
	var stakePools, backers []byte

	err := row.Scan(
		&id, &m.Description, &outcomes, &betDeadline, &resolveDeadline,
		&m.Oracle.FeedID, &m.Oracle.MinResponses, &tier, &mechanism, &parentID, &m.ParentOutcome,
		&status, &m.WinningOutcome, &m.OracleOutcome, &payoutMode,
		&createdSeq, &pendingSince, &disputedAt, &resolvedAt, &oracleSeq,
		&creator, &m.Deposit, &m.DepositReleased,
		&stakePools, &backers, &m.TotalPool, &m.SettlePot, &m.SettleShares,
		&m.FeesAccrued, &m.Tracked,
	)
	if err != nil {
		return domain.Market{}, err
	}

	if err := json.Unmarshal(outcomes, &m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	if len(stakePools) > 0 {
		if err := json.Unmarshal(stakePools, &m.StakePools); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal stake pools: %w", err)
		}
	}
	if len(backers) > 0 {
		if err := json.Unmarshal(backers, &m.Backers); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal backers: %w", err)
		}
	}

	m.ID = uint64(id)
	m.BetDeadline = uint64(betDeadline)
	m.ResolveDeadline = uint64(resolveDeadline)
	m.ParentID = uint64(parentID)
	m.CreatedAt = uint64(createdSeq)
	m.PendingSince = uint64(pendingSince)
	m.DisputedAt = uint64(disputedAt)
	m.ResolvedAt = uint64(resolvedAt)
	m.OracleSeq = uint64(oracleSeq)
	m.Tier = domain.ReputationTier(tier)
	m.Mechanism = domain.Mechanism(mechanism)
	m.Status = domain.MarketStatus(status)
	m.PayoutMode = domain.PayoutMode(payoutMode)
	m.Creator = common.HexToAddress(creator)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id uint64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

func (s *MarketStore) list(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// ListByStatus returns markets in the given status with pagination.
func (s *MarketStore) ListByStatus(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE status = $1 ORDER BY id`
	args := []any{string(status)}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}
	return s.list(ctx, query, args...)
}

// ListAll returns every market, used to rebuild the engine at startup.
func (s *MarketStore) ListAll(ctx context.Context) ([]domain.Market, error) {
	return s.list(ctx, `SELECT `+marketCols+` FROM markets ORDER BY id`)
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
