package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// TradeService defines the AMM operations the trade handler needs.
type TradeService interface {
	BuyShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, assetIn int64) (int64, error)
	SellShares(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, sharesIn int64) (int64, error)
}

// TradeHandler serves AMM buy/sell endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// tradeRequest is the JSON body for both trade directions. Amount is the
// asset paid in on a buy and the shares sold on a sell.
type tradeRequest struct {
	Seq     uint64 `json:"seq"`
	Account string `json:"account"`
	Outcome int    `json:"outcome"`
	Amount  int64  `json:"amount"`
}

// BuyShares swaps asset into outcome shares.
// POST /api/markets/{id}/shares/buy
func (h *TradeHandler) BuyShares(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.trades.BuyShares, "shares_out")
}

// SellShares swaps outcome shares back into asset.
// POST /api/markets/{id}/shares/sell
func (h *TradeHandler) SellShares(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.trades.SellShares, "asset_out")
}

func (h *TradeHandler) trade(
	w http.ResponseWriter,
	r *http.Request,
	exec func(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, amount int64) (int64, error),
	outKey string,
) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req tradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := exec(r.Context(), req.Seq, account, id, req.Outcome, req.Amount)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: trade rejected",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{outKey: out})
}
