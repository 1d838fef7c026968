package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// ResolutionService defines the resolution-protocol operations the handler
// needs.
type ResolutionService interface {
	AttemptOracleResolution(ctx context.Context, seq uint64, marketID uint64) error
	FileDispute(ctx context.Context, seq uint64, account common.Address, marketID uint64) error
	CastVote(ctx context.Context, seq uint64, account common.Address, marketID uint64, outcome int) error
	FinalizeResolution(ctx context.Context, seq uint64, marketID uint64) error
	ResolveMarket(ctx context.Context, seq uint64, caller common.Address, marketID uint64, outcome int) error
}

// TallyQuery reads the live vote tally from the engine.
type TallyQuery interface {
	Tally(marketID uint64) (domain.VoteTally, error)
	Votes(marketID uint64) []domain.Vote
}

// ResolutionHandler serves the oracle/dispute/vote/finalize protocol.
type ResolutionHandler struct {
	resolution ResolutionService
	tally      TallyQuery
	logger     *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler.
func NewResolutionHandler(resolution ResolutionService, tally TallyQuery, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{resolution: resolution, tally: tally, logger: logger}
}

// seqRequest carries just the ledger sequence for caller-less transitions.
type seqRequest struct {
	Seq uint64 `json:"seq"`
}

// AttemptOracle queries the oracle and moves the market to pending.
// POST /api/markets/{id}/resolution/oracle
func (h *ResolutionHandler) AttemptOracle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req seqRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.resolution.AttemptOracleResolution(r.Context(), req.Seq, id); err != nil {
		h.logger.WarnContext(r.Context(), "handler: oracle resolution failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending_resolution"})
}

// FileDispute contests a pending oracle result.
// POST /api/markets/{id}/resolution/dispute
func (h *ResolutionHandler) FileDispute(w http.ResponseWriter, r *http.Request) {
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

	if err := h.resolution.FileDispute(r.Context(), req.Seq, account, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
}

// castVoteRequest is the JSON body for voting on a disputed market.
type castVoteRequest struct {
	Seq     uint64 `json:"seq"`
	Account string `json:"account"`
	Outcome int    `json:"outcome"`
}

// CastVote records an exposure-weighted vote.
// POST /api/markets/{id}/resolution/votes
func (h *ResolutionHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req castVoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.resolution.CastVote(r.Context(), req.Seq, account, id, req.Outcome); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// GetTally returns the current weighted tally of a disputed market.
// GET /api/markets/{id}/resolution/tally
func (h *ResolutionHandler) GetTally(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tally, err := h.tally.Tally(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tally": tally,
		"votes": h.tally.Votes(id),
	})
}

// Finalize settles a pending or disputed market after its windows close.
// POST /api/markets/{id}/resolution/finalize
func (h *ResolutionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req seqRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.resolution.FinalizeResolution(r.Context(), req.Seq, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// adminResolveRequest is the JSON body for the admin override.
type adminResolveRequest struct {
	Seq     uint64 `json:"seq"`
	Caller  string `json:"caller"`
	Outcome int    `json:"outcome"`
}

// AdminResolve applies the admin resolution override.
// POST /api/markets/{id}/resolution/resolve
func (h *ResolutionHandler) AdminResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req adminResolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.resolution.ResolveMarket(r.Context(), req.Seq, caller, id, req.Outcome); err != nil {
		h.logger.WarnContext(r.Context(), "handler: admin resolve failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
