package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outcomelab/settled/internal/domain"
)

// ShareStore implements domain.ShareStore using PostgreSQL.
type ShareStore struct {
	pool *pgxpool.Pool
}

// NewShareStore creates a ShareStore backed by the given pool.
func NewShareStore(pool *pgxpool.Pool) *ShareStore {
	return &ShareStore{pool: pool}
}

const shareCols = `market_id, outcome, account, shares, cost_basis`

// Upsert inserts or updates an AMM holding.
func (s *ShareStore) Upsert(ctx context.Context, sb domain.ShareBalance) error {
	const query = `
		INSERT INTO share_balances (market_id, outcome, account, shares, cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (market_id, outcome, account) DO UPDATE SET
			shares     = EXCLUDED.shares,
			cost_basis = EXCLUDED.cost_basis,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(sb.MarketID), sb.Outcome, sb.Account.Hex(), sb.Shares, sb.CostBasis)
	if err != nil {
		return fmt.Errorf("postgres: upsert share balance %d/%d/%s: %w", sb.MarketID, sb.Outcome, sb.Account.Hex(), err)
	}
	return nil
}

// Delete removes an AMM holding.
func (s *ShareStore) Delete(ctx context.Context, marketID uint64, outcome int, account common.Address) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM share_balances WHERE market_id = $1 AND outcome = $2 AND account = $3`,
		int64(marketID), outcome, account.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete share balance %d/%d/%s: %w", marketID, outcome, account.Hex(), err)
	}
	return nil
}

func scanShare(row pgx.Row) (domain.ShareBalance, error) {
	var sb domain.ShareBalance
	var marketID int64
	var account string
	if err := row.Scan(&marketID, &sb.Outcome, &account, &sb.Shares, &sb.CostBasis); err != nil {
		return domain.ShareBalance{}, err
	}
	sb.MarketID = uint64(marketID)
	sb.Account = common.HexToAddress(account)
	return sb, nil
}

func (s *ShareStore) list(ctx context.Context, query string, args ...any) ([]domain.ShareBalance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list share balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.ShareBalance
	for rows.Next() {
		sb, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan share balance: %w", err)
		}
		balances = append(balances, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list share balances rows: %w", err)
	}
	return balances, nil
}

// ListByMarket returns every AMM holding of a market.
func (s *ShareStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.ShareBalance, error) {
	return s.list(ctx,
		`SELECT `+shareCols+` FROM share_balances WHERE market_id = $1 ORDER BY outcome, account`,
		int64(marketID))
}

// ListAll returns every AMM holding, used to rebuild the engine at startup.
func (s *ShareStore) ListAll(ctx context.Context) ([]domain.ShareBalance, error) {
	return s.list(ctx, `SELECT `+shareCols+` FROM share_balances ORDER BY market_id, outcome, account`)
}

var _ domain.ShareStore = (*ShareStore)(nil)
