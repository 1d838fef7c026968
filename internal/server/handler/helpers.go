// Package handler implements the HTTP API over the settlement service.
// Mutating endpoints carry the ledger sequence and acting account in the
// request body; the server never invents either.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomelab/settled/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine sentinel to an HTTP status and writes the
// error body. Unknown errors become 500 with a generic message.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrNotVerified):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrEngineHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOutcomeCount),
		errors.Is(err, domain.ErrInvalidOutcome),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBadDeadlines),
		errors.Is(err, domain.ErrBadMechanism),
		errors.Is(err, domain.ErrWrongMechanism),
		errors.Is(err, domain.ErrTradeTooSmall),
		errors.Is(err, domain.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMarketNotActive),
		errors.Is(err, domain.ErrBettingClosed),
		errors.Is(err, domain.ErrResolveTooEarly),
		errors.Is(err, domain.ErrMarketNotPending),
		errors.Is(err, domain.ErrAlreadyDisputed),
		errors.Is(err, domain.ErrNotDisputed),
		errors.Is(err, domain.ErrDisputeClosed),
		errors.Is(err, domain.ErrDisputeStillOpen),
		errors.Is(err, domain.ErrVotingClosed),
		errors.Is(err, domain.ErrVotingStillOpen),
		errors.Is(err, domain.ErrAlreadyVoted),
		errors.Is(err, domain.ErrMarketNotResolved),
		errors.Is(err, domain.ErrMarketNotCancelled),
		errors.Is(err, domain.ErrMarketSettled),
		errors.Is(err, domain.ErrDepositReleased),
		errors.Is(err, domain.ErrGCTooEarly),
		errors.Is(err, domain.ErrParentUnresolved),
		errors.Is(err, domain.ErrParentOutcomeMismatch),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrNoDeposit),
		errors.Is(err, domain.ErrOracleTooFresh),
		errors.Is(err, domain.ErrOracleUnavailable),
		errors.Is(err, domain.ErrPoolInvariant),
		errors.Is(err, domain.ErrClawbackDetected),
		errors.Is(err, domain.ErrNoMajority),
		errors.Is(err, domain.ErrNotEligible):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses the JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID extracts the {id} path parameter as a market ID using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid market id %q", raw)
	}
	return id, nil
}

// parseAddress validates and decodes a hex account address.
func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
