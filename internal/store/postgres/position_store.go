package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outcomelab/settled/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `market_id, outcome, account, amount, placed_seq`

// Upsert inserts or updates a stake record.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, outcome, account, amount, placed_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (market_id, outcome, account) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(p.MarketID), p.Outcome, p.Account.Hex(), p.Amount, int64(p.PlacedAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d/%d/%s: %w", p.MarketID, p.Outcome, p.Account.Hex(), err)
	}
	return nil
}

// Delete removes a stake record, for claims, refunds, and garbage collection.
func (s *PositionStore) Delete(ctx context.Context, marketID uint64, outcome int, account common.Address) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE market_id = $1 AND outcome = $2 AND account = $3`,
		int64(marketID), outcome, account.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete position %d/%d/%s: %w", marketID, outcome, account.Hex(), err)
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var marketID, placedSeq int64
	var account string
	if err := row.Scan(&marketID, &p.Outcome, &account, &p.Amount, &placedSeq); err != nil {
		return domain.Position{}, err
	}
	p.MarketID = uint64(marketID)
	p.PlacedAt = uint64(placedSeq)
	p.Account = common.HexToAddress(account)
	return p, nil
}

// Get retrieves one stake record by its composite key.
func (s *PositionStore) Get(ctx context.Context, marketID uint64, outcome int, account common.Address) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND outcome = $2 AND account = $3`,
		int64(marketID), outcome, account.Hex())
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

func (s *PositionStore) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

// ListByMarket returns every stake record of a market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.Position, error) {
	return s.list(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY outcome, account`,
		int64(marketID))
}

// ListAll returns every stake record, used to rebuild the engine at startup.
func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, `SELECT `+positionCols+` FROM positions ORDER BY market_id, outcome, account`)
}

var _ domain.PositionStore = (*PositionStore)(nil)
