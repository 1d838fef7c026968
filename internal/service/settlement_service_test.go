package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelab/settled/internal/asset"
	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
	"github.com/outcomelab/settled/internal/oracle"
	"github.com/outcomelab/settled/internal/service"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000001a")
	bob     = common.HexToAddress("0x000000000000000000000000000000000000002b")
)

const (
	seedFunds       = int64(10_000_000_000)
	creationDeposit = int64(50_000_000)
	betDeadline     = uint64(2_000)
	resolveDeadline = uint64(3_000)
	feedID          = "feed-main"
)

// ---------------------------------------------------------------------------
// In-memory doubles for the persistence and messaging collaborators.
// ---------------------------------------------------------------------------

func posKey(marketID uint64, outcome int, account common.Address) string {
	return fmt.Sprintf("%d/%d/%s", marketID, outcome, account.Hex())
}

type memMarkets struct{ rows map[uint64]domain.Market }

func (m *memMarkets) Upsert(_ context.Context, mk domain.Market) error {
	m.rows[mk.ID] = mk
	return nil
}

func (m *memMarkets) GetByID(_ context.Context, id uint64) (domain.Market, error) {
	mk, ok := m.rows[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *memMarkets) ListByStatus(_ context.Context, status domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, mk := range m.rows {
		if mk.Status == status {
			out = append(out, mk)
		}
	}
	return out, nil
}

func (m *memMarkets) ListAll(_ context.Context) ([]domain.Market, error) {
	var out []domain.Market
	for _, mk := range m.rows {
		out = append(out, mk)
	}
	return out, nil
}

func (m *memMarkets) Count(_ context.Context) (int64, error) {
	return int64(len(m.rows)), nil
}

type memPositions struct{ rows map[string]domain.Position }

func (m *memPositions) Upsert(_ context.Context, p domain.Position) error {
	m.rows[posKey(p.MarketID, p.Outcome, p.Account)] = p
	return nil
}

func (m *memPositions) Delete(_ context.Context, marketID uint64, outcome int, account common.Address) error {
	delete(m.rows, posKey(marketID, outcome, account))
	return nil
}

func (m *memPositions) Get(_ context.Context, marketID uint64, outcome int, account common.Address) (domain.Position, error) {
	p, ok := m.rows[posKey(marketID, outcome, account)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) ListByMarket(_ context.Context, marketID uint64) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.rows {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositions) ListAll(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

type memPools struct{ rows map[string]domain.Pool }

func (m *memPools) Upsert(_ context.Context, p domain.Pool) error {
	m.rows[fmt.Sprintf("%d/%d", p.MarketID, p.Outcome)] = p
	return nil
}

func (m *memPools) ListByMarket(_ context.Context, marketID uint64) ([]domain.Pool, error) {
	var out []domain.Pool
	for _, p := range m.rows {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPools) ListAll(_ context.Context) ([]domain.Pool, error) {
	var out []domain.Pool
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

type memShares struct{ rows map[string]domain.ShareBalance }

func (m *memShares) Upsert(_ context.Context, s domain.ShareBalance) error {
	m.rows[posKey(s.MarketID, s.Outcome, s.Account)] = s
	return nil
}

func (m *memShares) Delete(_ context.Context, marketID uint64, outcome int, account common.Address) error {
	delete(m.rows, posKey(marketID, outcome, account))
	return nil
}

func (m *memShares) ListByMarket(_ context.Context, marketID uint64) ([]domain.ShareBalance, error) {
	var out []domain.ShareBalance
	for _, s := range m.rows {
		if s.MarketID == marketID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memShares) ListAll(_ context.Context) ([]domain.ShareBalance, error) {
	var out []domain.ShareBalance
	for _, s := range m.rows {
		out = append(out, s)
	}
	return out, nil
}

type memVotes struct{ rows map[string]domain.Vote }

func (m *memVotes) Upsert(_ context.Context, v domain.Vote) error {
	m.rows[fmt.Sprintf("%d/%s", v.MarketID, v.Voter.Hex())] = v
	return nil
}

func (m *memVotes) ListByMarket(_ context.Context, marketID uint64) ([]domain.Vote, error) {
	var out []domain.Vote
	for _, v := range m.rows {
		if v.MarketID == marketID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memVotes) ListAll(_ context.Context) ([]domain.Vote, error) {
	var out []domain.Vote
	for _, v := range m.rows {
		out = append(out, v)
	}
	return out, nil
}

type memReputations struct{ rows map[common.Address]domain.CreatorReputation }

func (m *memReputations) Upsert(_ context.Context, r domain.CreatorReputation) error {
	m.rows[r.Account] = r
	return nil
}

func (m *memReputations) Get(_ context.Context, account common.Address) (domain.CreatorReputation, error) {
	r, ok := m.rows[account]
	if !ok {
		return domain.CreatorReputation{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memReputations) ListAll(_ context.Context) ([]domain.CreatorReputation, error) {
	var out []domain.CreatorReputation
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

type memState struct {
	saved bool
	state domain.EngineState
}

func (m *memState) Save(_ context.Context, s domain.EngineState) error {
	m.saved = true
	m.state = s
	return nil
}

func (m *memState) Load(_ context.Context) (domain.EngineState, error) {
	if !m.saved {
		return domain.EngineState{}, domain.ErrNotFound
	}
	return m.state, nil
}

// recordingBus captures publishes and stream appends in order.
type recordingBus struct {
	published []domain.Event
	channels  []string
	streamed  int
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.published = append(b.published, ev)
	b.channels = append(b.channels, channel)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *recordingBus) StreamAppend(_ context.Context, _ string, _ []byte) error {
	b.streamed++
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) lastEvent() domain.Event {
	return b.published[len(b.published)-1]
}

// missCache always misses on Get and records Set/Invalidate calls.
type missCache struct {
	sets        int
	invalidates int
}

func (c *missCache) Get(context.Context, uint64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (c *missCache) Set(context.Context, domain.Market) error {
	c.sets++
	return nil
}

func (c *missCache) Invalidate(context.Context, uint64) error {
	c.invalidates++
	return nil
}

// ---------------------------------------------------------------------------
// Environment.
// ---------------------------------------------------------------------------

type svcEnv struct {
	svc    *service.SettlementService
	eng    *engine.Engine
	stores service.Stores
	ledger *asset.Ledger
	oracle *oracle.TableSource
	bus    *recordingBus
	cache  *missCache
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freshStores() service.Stores {
	return service.Stores{
		Markets:     &memMarkets{rows: make(map[uint64]domain.Market)},
		Positions:   &memPositions{rows: make(map[string]domain.Position)},
		Pools:       &memPools{rows: make(map[string]domain.Pool)},
		Shares:      &memShares{rows: make(map[string]domain.ShareBalance)},
		Votes:       &memVotes{rows: make(map[string]domain.Vote)},
		Reputations: &memReputations{rows: make(map[common.Address]domain.CreatorReputation)},
		State:       &memState{},
	}
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	stores := freshStores()
	return newSvcEnvWith(t, stores)
}

func newSvcEnvWith(t *testing.T, stores service.Stores) *svcEnv {
	t.Helper()
	ledger := asset.NewLedger()
	for _, a := range []common.Address{admin, creator, alice, bob} {
		ledger.Mint(a, seedFunds)
	}
	src := oracle.NewTableSource()
	eng := engine.New(admin, engine.DefaultParams(), creationDeposit, ledger, src, nil, discardLogger())
	require.NoError(t, eng.SetGuardian(admin, admin))
	bus := &recordingBus{}
	cache := &missCache{}
	svc := service.NewSettlementService(eng, stores, cache, bus, nil, discardLogger())
	return &svcEnv{svc: svc, eng: eng, stores: stores, ledger: ledger, oracle: src, bus: bus, cache: cache}
}

func pariRequest() engine.CreateMarketRequest {
	return engine.CreateMarketRequest{
		Description:     "will it settle",
		Outcomes:        []string{"yes", "no"},
		BetDeadline:     betDeadline,
		ResolveDeadline: resolveDeadline,
		Oracle:          domain.OracleConfig{FeedID: feedID, MinResponses: 3},
		Mechanism:       domain.MechanismParimutuel,
	}
}

// ---------------------------------------------------------------------------
// Tests.
// ---------------------------------------------------------------------------

func TestCreateMarketPersistsAndPublishes(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)

	stored, err := env.stores.Markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)
	assert.Equal(t, domain.MarketStatusActive, stored.Status)

	st := env.stores.State.(*memState)
	require.True(t, st.saved)
	assert.Equal(t, m.ID+1, st.state.NextMarketID)

	require.Len(t, env.bus.published, 1)
	ev := env.bus.lastEvent()
	assert.Equal(t, domain.EventMarketCreated, ev.Type)
	assert.Equal(t, domain.ChannelMarkets, env.bus.channels[0])
	assert.Equal(t, uint64(100), ev.Seq)
	assert.Equal(t, m.ID, ev.MarketID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 1, env.bus.streamed)
}

func TestCreateAMMMarketPersistsPools(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	req := pariRequest()
	req.Mechanism = domain.MechanismAMM
	m, err := env.svc.CreateMarket(ctx, 100, creator, req)
	require.NoError(t, err)

	pools, err := env.stores.Pools.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, pools, len(req.Outcomes))
}

func TestPlaceBetWriteBehind(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)

	require.NoError(t, env.svc.PlaceBet(ctx, 200, alice, m.ID, 0, 5_000_000))

	pos, err := env.stores.Positions.Get(ctx, m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), pos.Amount)

	stored, err := env.stores.Markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), stored.TotalPool)

	ev := env.bus.lastEvent()
	assert.Equal(t, domain.EventBetPlaced, ev.Type)
	assert.Equal(t, domain.ChannelTrades, env.bus.channels[len(env.bus.channels)-1])

	// Each committed write invalidates the cached market.
	assert.GreaterOrEqual(t, env.cache.invalidates, 2)
}

func TestBetFailureLeavesStoreUntouched(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)

	err = env.svc.PlaceBet(ctx, betDeadline+1, alice, m.ID, 0, 5_000_000)
	require.ErrorIs(t, err, domain.ErrBettingClosed)

	_, err = env.stores.Positions.Get(ctx, m.ID, 0, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolutionSyncsPaidRecords(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)
	require.NoError(t, env.svc.PlaceBet(ctx, 200, alice, m.ID, 0, 10_000_000))
	require.NoError(t, env.svc.PlaceBet(ctx, 201, bob, m.ID, 1, 30_000_000))

	env.oracle.Post(feedID, 0, 5)
	require.NoError(t, env.svc.AttemptOracleResolution(ctx, resolveDeadline, m.ID))

	finalSeq := resolveDeadline + engine.DefaultParams().DisputeWindow
	require.NoError(t, env.svc.FinalizeResolution(ctx, finalSeq, m.ID))

	stored, err := env.stores.Markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, stored.Status)
	assert.Equal(t, 0, stored.WinningOutcome)

	// Push payout paid alice and deleted her record; the store must follow.
	rows, err := env.stores.Positions.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bob, rows[0].Account)

	ev := env.bus.lastEvent()
	assert.Equal(t, domain.EventMarketResolved, ev.Type)
}

func TestCastVotePersistsVoteRow(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)
	require.NoError(t, env.svc.PlaceBet(ctx, 200, alice, m.ID, 0, 10_000_000))

	env.oracle.Post(feedID, 1, 5)
	require.NoError(t, env.svc.AttemptOracleResolution(ctx, resolveDeadline, m.ID))
	require.NoError(t, env.svc.FileDispute(ctx, resolveDeadline+10, alice, m.ID))
	require.NoError(t, env.svc.CastVote(ctx, resolveDeadline+20, alice, m.ID, 0))

	votes, err := env.stores.Votes.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, alice, votes[0].Voter)
	assert.Equal(t, int64(10_000_000), votes[0].Weight)

	ev := env.bus.lastEvent()
	assert.Equal(t, domain.EventVoteCast, ev.Type)
	assert.Equal(t, domain.ChannelResolution, env.bus.channels[len(env.bus.channels)-1])
}

func TestPausePublishesBreakerState(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Pause(ctx, 100, admin))

	st := env.stores.State.(*memState)
	assert.Equal(t, domain.BreakerPaused, st.state.Breaker)

	ev := env.bus.lastEvent()
	assert.Equal(t, domain.EventBreakerChanged, ev.Type)
	assert.Equal(t, domain.ChannelBreaker, env.bus.channels[len(env.bus.channels)-1])
}

func TestGetMarketBackfillsCache(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)

	got, err := env.svc.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, 1, env.cache.sets)
}

func TestLoadSeedsFreshState(t *testing.T) {
	env := newSvcEnv(t)
	require.NoError(t, env.svc.Load(context.Background()))

	st := env.stores.State.(*memState)
	require.True(t, st.saved)
	assert.Equal(t, admin, st.state.Admin)
	assert.Equal(t, uint64(1), st.state.NextMarketID)
}

func TestLoadRestoresEngineFromStores(t *testing.T) {
	stores := freshStores()
	env := newSvcEnvWith(t, stores)
	ctx := context.Background()

	m, err := env.svc.CreateMarket(ctx, 100, creator, pariRequest())
	require.NoError(t, err)
	require.NoError(t, env.svc.PlaceBet(ctx, 200, alice, m.ID, 0, 5_000_000))

	// A second process starts over the same stores.
	env2 := newSvcEnvWith(t, stores)
	require.NoError(t, env2.svc.Load(ctx))

	got, err := env2.eng.Market(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), got.TotalPool)

	pos, err := env2.eng.Position(m.ID, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), pos.Amount)

	// The market ID sequence continues where it left off.
	m2, err := env2.svc.CreateMarket(ctx, 300, creator, pariRequest())
	require.NoError(t, err)
	assert.Equal(t, m.ID+1, m2.ID)
}
