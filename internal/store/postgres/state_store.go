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

// StateStore implements domain.EngineStateStore on the engine_state singleton
// row.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore backed by the given pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Save writes the singleton engine state row.
func (s *StateStore) Save(ctx context.Context, st domain.EngineState) error {
	const query = `
		INSERT INTO engine_state (id, admin, guardian, breaker, creation_deposit, next_market_id, oracle_seq, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			admin            = EXCLUDED.admin,
			guardian         = EXCLUDED.guardian,
			breaker          = EXCLUDED.breaker,
			creation_deposit = EXCLUDED.creation_deposit,
			next_market_id   = EXCLUDED.next_market_id,
			oracle_seq       = EXCLUDED.oracle_seq,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.Admin.Hex(), st.Guardian.Hex(), string(st.Breaker),
		st.CreationDeposit, int64(st.NextMarketID), int64(st.OracleSeq))
	if err != nil {
		return fmt.Errorf("postgres: save engine state: %w", err)
	}
	return nil
}

// Load reads the singleton engine state row. ErrNotFound means a fresh
// database; the caller seeds the initial state.
func (s *StateStore) Load(ctx context.Context) (domain.EngineState, error) {
	var admin, guardian, breaker string
	var st domain.EngineState
	var nextID, oracleSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT admin, guardian, breaker, creation_deposit, next_market_id, oracle_seq
		 FROM engine_state WHERE id = 1`,
	).Scan(&admin, &guardian, &breaker, &st.CreationDeposit, &nextID, &oracleSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EngineState{}, domain.ErrNotFound
		}
		return domain.EngineState{}, fmt.Errorf("postgres: load engine state: %w", err)
	}
	st.Admin = common.HexToAddress(admin)
	st.Guardian = common.HexToAddress(guardian)
	st.Breaker = domain.BreakerState(breaker)
	st.NextMarketID = uint64(nextID)
	st.OracleSeq = uint64(oracleSeq)
	return st, nil
}

var _ domain.EngineStateStore = (*StateStore)(nil)
