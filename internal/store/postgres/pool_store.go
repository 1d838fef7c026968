package postgres

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outcomelab/settled/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL. The 256-bit product
// invariant is stored as NUMERIC(78,0) and carried through its decimal string
// form.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a PoolStore backed by the given pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolCols = `market_id, outcome, reserve, shares, k::TEXT, issued`

// Upsert inserts or updates a pool record.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (market_id, outcome, reserve, shares, k, issued, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, NOW())
		ON CONFLICT (market_id, outcome) DO UPDATE SET
			reserve    = EXCLUDED.reserve,
			shares     = EXCLUDED.shares,
			issued     = EXCLUDED.issued,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(p.MarketID), p.Outcome, p.Reserve, p.Shares, p.K.Dec(), p.Issued)
	if err != nil {
		return fmt.Errorf("postgres: upsert pool %d/%d: %w", p.MarketID, p.Outcome, err)
	}
	return nil
}

func scanPool(row pgx.Row) (domain.Pool, error) {
	var p domain.Pool
	var marketID int64
	var k string
	if err := row.Scan(&marketID, &p.Outcome, &p.Reserve, &p.Shares, &k, &p.Issued); err != nil {
		return domain.Pool{}, err
	}
	p.MarketID = uint64(marketID)
	ki, err := uint256.FromDecimal(k)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("parse invariant %q: %w", k, err)
	}
	p.K = ki
	return p, nil
}

func (s *PoolStore) list(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return pools, nil
}

// ListByMarket returns every pool of a market.
func (s *PoolStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.Pool, error) {
	return s.list(ctx,
		`SELECT `+poolCols+` FROM pools WHERE market_id = $1 ORDER BY outcome`,
		int64(marketID))
}

// ListAll returns every pool, used to rebuild the engine at startup.
func (s *PoolStore) ListAll(ctx context.Context) ([]domain.Pool, error) {
	return s.list(ctx, `SELECT `+poolCols+` FROM pools ORDER BY market_id, outcome`)
}

var _ domain.PoolStore = (*PoolStore)(nil)
