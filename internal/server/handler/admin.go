package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// AdminService defines the guard and administration operations the admin
// handler needs.
type AdminService interface {
	SetGuardian(ctx context.Context, caller, guardian common.Address) error
	Pause(ctx context.Context, seq uint64, caller common.Address) error
	Unpause(ctx context.Context, seq uint64, caller common.Address) error
	SetCreatorReputation(ctx context.Context, seq uint64, caller, account common.Address, tier domain.ReputationTier) error
	SetCreationDeposit(ctx context.Context, caller common.Address, amount int64) error
	CheckClawback(ctx context.Context, seq uint64, marketID uint64) (bool, error)
	AuditPool(ctx context.Context, seq uint64, marketID uint64, outcome int) error
}

// BreakerQuery reads the current circuit-breaker position.
type BreakerQuery interface {
	Breaker() domain.BreakerState
}

// OraclePoster accepts operator-posted oracle results.
type OraclePoster interface {
	Post(feedID string, outcome, responses int)
}

// AdminHandler serves guardian, breaker, and reputation administration.
type AdminHandler struct {
	admin   AdminService
	breaker BreakerQuery
	oracle  OraclePoster
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler. oracle may be nil when results
// arrive out of band.
func NewAdminHandler(admin AdminService, breaker BreakerQuery, oracle OraclePoster, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, breaker: breaker, oracle: oracle, logger: logger}
}

// postOracleRequest is the JSON body for posting a feed result.
type postOracleRequest struct {
	FeedID    string `json:"feed_id"`
	Outcome   int    `json:"outcome"`
	Responses int    `json:"responses"`
}

// PostOracleResult records an aggregated feed outcome for later resolution.
// POST /api/admin/oracle
func (h *AdminHandler) PostOracleResult(w http.ResponseWriter, r *http.Request) {
	if h.oracle == nil {
		writeError(w, http.StatusNotImplemented, "oracle feed table not configured")
		return
	}
	var req postOracleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FeedID == "" {
		writeError(w, http.StatusBadRequest, "feed_id must not be empty")
		return
	}

	h.oracle.Post(req.FeedID, req.Outcome, req.Responses)
	h.logger.InfoContext(r.Context(), "handler: oracle result posted",
		slog.String("feed_id", req.FeedID),
		slog.Int("outcome", req.Outcome),
		slog.Int("responses", req.Responses),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "posted"})
}

// GetBreaker reports the breaker position.
// GET /api/breaker
func (h *AdminHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(h.breaker.Breaker()),
	})
}

// setGuardianRequest is the JSON body for guardian assignment.
type setGuardianRequest struct {
	Caller   string `json:"caller"`
	Guardian string `json:"guardian"`
}

// SetGuardian assigns the breaker authority.
// POST /api/admin/guardian
func (h *AdminHandler) SetGuardian(w http.ResponseWriter, r *http.Request) {
	var req setGuardianRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	guardian, err := parseAddress(req.Guardian)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.admin.SetGuardian(r.Context(), caller, guardian); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"guardian": guardian.Hex()})
}

// breakerActionRequest is the shared JSON body for pause and unpause.
type breakerActionRequest struct {
	Seq    uint64 `json:"seq"`
	Caller string `json:"caller"`
}

// Pause freezes high-risk operations.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.breakerAction(w, r, h.admin.Pause)
}

// Unpause steps the breaker back toward normal operation.
// POST /api/admin/unpause
func (h *AdminHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.breakerAction(w, r, h.admin.Unpause)
}

func (h *AdminHandler) breakerAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, seq uint64, caller common.Address) error,
) {
	var req breakerActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := action(r.Context(), req.Seq, caller); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(h.breaker.Breaker()),
	})
}

// setReputationRequest is the JSON body for tier assignment.
type setReputationRequest struct {
	Seq     uint64 `json:"seq"`
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Tier    string `json:"tier"`
}

// SetReputation assigns a creator tier.
// POST /api/admin/reputation
func (h *AdminHandler) SetReputation(w http.ResponseWriter, r *http.Request) {
	var req setReputationRequest
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

	if err := h.admin.SetCreatorReputation(r.Context(), req.Seq, caller, account, domain.ReputationTier(req.Tier)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tier": req.Tier})
}

// setDepositRequest is the JSON body for changing the creation deposit.
type setDepositRequest struct {
	Caller string `json:"caller"`
	Amount int64  `json:"amount"`
}

// SetDeposit updates the global creation-deposit amount.
// POST /api/admin/deposit
func (h *AdminHandler) SetDeposit(w http.ResponseWriter, r *http.Request) {
	var req setDepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.admin.SetCreationDeposit(r.Context(), caller, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"creation_deposit": req.Amount})
}

// CheckClawback audits a market's escrow backing.
// POST /api/markets/{id}/clawback-check
func (h *AdminHandler) CheckClawback(w http.ResponseWriter, r *http.Request) {
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

	detected, err := h.admin.CheckClawback(r.Context(), req.Seq, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if detected {
		h.logger.WarnContext(r.Context(), "handler: clawback detected",
			slog.Uint64("market_id", id),
		)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"clawback": detected})
}

// auditPoolRequest is the JSON body for a pool audit.
type auditPoolRequest struct {
	Seq     uint64 `json:"seq"`
	Outcome int    `json:"outcome"`
}

// AuditPool verifies a pool's constant-product invariant.
// POST /api/markets/{id}/pools/audit
func (h *AdminHandler) AuditPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req auditPoolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.admin.AuditPool(r.Context(), req.Seq, id, req.Outcome); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
