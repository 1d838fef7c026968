package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
	"github.com/outcomelab/settled/internal/engine"
)

// MarketService defines the methods the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, seq uint64, creator common.Address, req engine.CreateMarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	CancelMarket(ctx context.Context, seq uint64, caller common.Address, marketID uint64) error
	ReleaseCreationDeposit(ctx context.Context, marketID uint64) (int64, error)
}

// MarketQuery exposes the engine's in-memory reads for market sub-resources.
type MarketQuery interface {
	Positions(marketID uint64) []domain.Position
	Pools(marketID uint64) []domain.Pool
	ShareBalances(marketID uint64) []domain.ShareBalance
}

// MarketHandler serves market lifecycle HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	query   MarketQuery
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, query MarketQuery, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		query:   query,
		logger:  logger,
	}
}

// createMarketRequest is the JSON body for market creation.
type createMarketRequest struct {
	Seq             uint64   `json:"seq"`
	Creator         string   `json:"creator"`
	Description     string   `json:"description"`
	Outcomes        []string `json:"outcomes"`
	BetDeadline     uint64   `json:"bet_deadline"`
	ResolveDeadline uint64   `json:"resolve_deadline"`
	FeedID          string   `json:"feed_id"`
	MinResponses    int      `json:"min_responses"`
	Mechanism       string   `json:"mechanism"`
	ParentID        uint64   `json:"parent_id,omitempty"`
	ParentOutcome   int      `json:"parent_outcome,omitempty"`
}

// CreateMarket registers a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	creator, err := parseAddress(req.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), req.Seq, creator, engine.CreateMarketRequest{
		Description:     req.Description,
		Outcomes:        req.Outcomes,
		BetDeadline:     req.BetDeadline,
		ResolveDeadline: req.ResolveDeadline,
		Oracle:          domain.OracleConfig{FeedID: req.FeedID, MinResponses: req.MinResponses},
		Mechanism:       domain.Mechanism(req.Mechanism),
		ParentID:        req.ParentID,
		ParentOutcome:   req.ParentOutcome,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: create market rejected",
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets filtered by status with pagination.
// GET /api/markets?status=active&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.MarketStatusActive
	}

	markets, err := h.markets.ListMarkets(r.Context(), status, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// ListPositions returns the live stake records of a market.
// GET /api/markets/{id}/positions
func (h *MarketHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": h.query.Positions(id),
	})
}

// ListPools returns the AMM pools of a market.
// GET /api/markets/{id}/pools
func (h *MarketHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":  h.query.Pools(id),
		"shares": h.query.ShareBalances(id),
	})
}

// cancelMarketRequest is the JSON body for admin cancellation.
type cancelMarketRequest struct {
	Seq    uint64 `json:"seq"`
	Caller string `json:"caller"`
}

// CancelMarket cancels a market by admin action.
// POST /api/markets/{id}/cancel
func (h *MarketHandler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req cancelMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.CancelMarket(r.Context(), req.Seq, caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ReleaseDeposit returns a settled market's creation deposit to its creator.
// POST /api/markets/{id}/deposit/release
func (h *MarketHandler) ReleaseDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := h.markets.ReleaseCreationDeposit(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": amount})
}
