package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// BetService defines the pari-mutuel ledger operations the bet handler needs.
type BetService interface {
	PlaceBet(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int, amount int64) error
	ClaimWinnings(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error)
	WithdrawRefund(ctx context.Context, seq uint64, account common.Address, marketID uint64) (int64, error)
	GarbageCollectBet(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int, account common.Address) (int64, error)
}

// BetHandler serves stake, claim, refund, and garbage-collection endpoints.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logger}
}

// placeBetRequest is the JSON body for placing a stake.
type placeBetRequest struct {
	Seq     uint64 `json:"seq"`
	Account string `json:"account"`
	Outcome int    `json:"outcome"`
	Amount  int64  `json:"amount"`
}

// PlaceBet stakes an amount on an outcome.
// POST /api/markets/{id}/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req placeBetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.bets.PlaceBet(r.Context(), req.Seq, account, id, req.Outcome, req.Amount); err != nil {
		h.logger.WarnContext(r.Context(), "handler: bet rejected",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted"})
}

// accountActionRequest is the shared JSON body for claim and refund calls.
type accountActionRequest struct {
	Seq     uint64 `json:"seq"`
	Account string `json:"account"`
}

// ClaimWinnings pays out a winner on a resolved pull-mode market.
// POST /api/markets/{id}/claims
func (h *BetHandler) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req accountActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	net, err := h.bets.ClaimWinnings(r.Context(), req.Seq, account, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"net": net})
}

// WithdrawRefund returns principal on a cancelled market.
// POST /api/markets/{id}/refunds
func (h *BetHandler) WithdrawRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req accountActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refund, err := h.bets.WithdrawRefund(r.Context(), req.Seq, account, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refund})
}

// gcRequest is the JSON body for garbage collection.
type gcRequest struct {
	Seq     uint64 `json:"seq"`
	Caller  string `json:"caller"`
	Outcome int    `json:"outcome"`
	Account string `json:"account"`
}

// GarbageCollect removes one stale settled record and pays the caller's
// reward.
// POST /api/markets/{id}/gc
func (h *BetHandler) GarbageCollect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req gcRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reward, err := h.bets.GarbageCollectBet(r.Context(), req.Seq, caller, id, req.Outcome, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reward": reward})
}
