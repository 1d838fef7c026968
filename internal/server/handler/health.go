package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	breaker BreakerQuery
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(breaker BreakerQuery, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{breaker: breaker, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is
// alive and the current breaker position.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"breaker":   string(h.breaker.Breaker()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
