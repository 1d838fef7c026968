package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outcomelab/settled/internal/domain"
)

// VoteStore implements domain.VoteStore using PostgreSQL.
type VoteStore struct {
	pool *pgxpool.Pool
}

// NewVoteStore creates a VoteStore backed by the given pool.
func NewVoteStore(pool *pgxpool.Pool) *VoteStore {
	return &VoteStore{pool: pool}
}

const voteCols = `market_id, voter, outcome, weight, cast_seq`

// Upsert records a vote. Votes are immutable in the engine; the upsert form
// keeps replayed writes idempotent.
func (s *VoteStore) Upsert(ctx context.Context, v domain.Vote) error {
	const query = `
		INSERT INTO votes (market_id, voter, outcome, weight, cast_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, voter) DO UPDATE SET
			outcome  = EXCLUDED.outcome,
			weight   = EXCLUDED.weight,
			cast_seq = EXCLUDED.cast_seq`

	_, err := s.pool.Exec(ctx, query,
		int64(v.MarketID), v.Voter.Hex(), v.Outcome, v.Weight, int64(v.CastAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert vote %d/%s: %w", v.MarketID, v.Voter.Hex(), err)
	}
	return nil
}

func scanVote(row pgx.Row) (domain.Vote, error) {
	var v domain.Vote
	var marketID, castSeq int64
	var voter string
	if err := row.Scan(&marketID, &voter, &v.Outcome, &v.Weight, &castSeq); err != nil {
		return domain.Vote{}, err
	}
	v.MarketID = uint64(marketID)
	v.CastAt = uint64(castSeq)
	v.Voter = common.HexToAddress(voter)
	return v, nil
}

func (s *VoteStore) list(ctx context.Context, query string, args ...any) ([]domain.Vote, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list votes: %w", err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list votes rows: %w", err)
	}
	return votes, nil
}

// ListByMarket returns every vote of a market.
func (s *VoteStore) ListByMarket(ctx context.Context, marketID uint64) ([]domain.Vote, error) {
	return s.list(ctx,
		`SELECT `+voteCols+` FROM votes WHERE market_id = $1 ORDER BY voter`,
		int64(marketID))
}

// ListAll returns every vote, used to rebuild the engine at startup.
func (s *VoteStore) ListAll(ctx context.Context) ([]domain.Vote, error) {
	return s.list(ctx, `SELECT `+voteCols+` FROM votes ORDER BY market_id, voter`)
}

var _ domain.VoteStore = (*VoteStore)(nil)
