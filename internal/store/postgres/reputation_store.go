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

// ReputationStore implements domain.ReputationStore using PostgreSQL.
type ReputationStore struct {
	pool *pgxpool.Pool
}

// NewReputationStore creates a ReputationStore backed by the given pool.
func NewReputationStore(pool *pgxpool.Pool) *ReputationStore {
	return &ReputationStore{pool: pool}
}

// Upsert inserts or updates a creator tier record.
func (s *ReputationStore) Upsert(ctx context.Context, r domain.CreatorReputation) error {
	const query = `
		INSERT INTO reputations (account, tier, updated_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE SET
			tier        = EXCLUDED.tier,
			updated_seq = EXCLUDED.updated_seq`

	_, err := s.pool.Exec(ctx, query, r.Account.Hex(), string(r.Tier), int64(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert reputation %s: %w", r.Account.Hex(), err)
	}
	return nil
}

// Get retrieves one creator tier record.
func (s *ReputationStore) Get(ctx context.Context, account common.Address) (domain.CreatorReputation, error) {
	var tier string
	var updatedSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT tier, updated_seq FROM reputations WHERE account = $1`,
		account.Hex()).Scan(&tier, &updatedSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreatorReputation{}, domain.ErrNotFound
		}
		return domain.CreatorReputation{}, fmt.Errorf("postgres: get reputation %s: %w", account.Hex(), err)
	}
	return domain.CreatorReputation{
		Account:   account,
		Tier:      domain.ReputationTier(tier),
		UpdatedAt: uint64(updatedSeq),
	}, nil
}

// ListAll returns every tier record, used to rebuild the engine at startup.
func (s *ReputationStore) ListAll(ctx context.Context) ([]domain.CreatorReputation, error) {
	rows, err := s.pool.Query(ctx, `SELECT account, tier, updated_seq FROM reputations ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reputations: %w", err)
	}
	defer rows.Close()

	var reputations []domain.CreatorReputation
	for rows.Next() {
		var account, tier string
		var updatedSeq int64
		if err := rows.Scan(&account, &tier, &updatedSeq); err != nil {
			return nil, fmt.Errorf("postgres: scan reputation: %w", err)
		}
		reputations = append(reputations, domain.CreatorReputation{
			Account:   common.HexToAddress(account),
			Tier:      domain.ReputationTier(tier),
			UpdatedAt: uint64(updatedSeq),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reputations rows: %w", err)
	}
	return reputations, nil
}

var _ domain.ReputationStore = (*ReputationStore)(nil)
