// Package server hosts the HTTP + WebSocket API over the settlement service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/outcomelab/settled/internal/server/handler"
	"github.com/outcomelab/settled/internal/server/middleware"
	"github.com/outcomelab/settled/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Bets       *handler.BetHandler
	Trades     *handler.TradeHandler
	Resolution *handler.ResolutionHandler
	Admin      *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket API server for the settlement
// engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check and breaker status (no auth required for health).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/breaker", handlers.Admin.GetBreaker)

	// Market lifecycle.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/cancel", handlers.Markets.CancelMarket)
	mux.HandleFunc("POST /api/markets/{id}/deposit/release", handlers.Markets.ReleaseDeposit)
	mux.HandleFunc("GET /api/markets/{id}/positions", handlers.Markets.ListPositions)
	mux.HandleFunc("GET /api/markets/{id}/pools", handlers.Markets.ListPools)

	// Pari-mutuel ledger.
	mux.HandleFunc("POST /api/markets/{id}/bets", handlers.Bets.PlaceBet)
	mux.HandleFunc("POST /api/markets/{id}/claims", handlers.Bets.ClaimWinnings)
	mux.HandleFunc("POST /api/markets/{id}/refunds", handlers.Bets.WithdrawRefund)
	mux.HandleFunc("POST /api/markets/{id}/gc", handlers.Bets.GarbageCollect)

	// AMM trades.
	mux.HandleFunc("POST /api/markets/{id}/shares/buy", handlers.Trades.BuyShares)
	mux.HandleFunc("POST /api/markets/{id}/shares/sell", handlers.Trades.SellShares)

	// Resolution protocol.
	mux.HandleFunc("POST /api/markets/{id}/resolution/oracle", handlers.Resolution.AttemptOracle)
	mux.HandleFunc("POST /api/markets/{id}/resolution/dispute", handlers.Resolution.FileDispute)
	mux.HandleFunc("POST /api/markets/{id}/resolution/votes", handlers.Resolution.CastVote)
	mux.HandleFunc("GET /api/markets/{id}/resolution/tally", handlers.Resolution.GetTally)
	mux.HandleFunc("POST /api/markets/{id}/resolution/finalize", handlers.Resolution.Finalize)
	mux.HandleFunc("POST /api/markets/{id}/resolution/resolve", handlers.Resolution.AdminResolve)

	// Guard and administration.
	mux.HandleFunc("POST /api/admin/guardian", handlers.Admin.SetGuardian)
	mux.HandleFunc("POST /api/admin/pause", handlers.Admin.Pause)
	mux.HandleFunc("POST /api/admin/unpause", handlers.Admin.Unpause)
	mux.HandleFunc("POST /api/admin/reputation", handlers.Admin.SetReputation)
	mux.HandleFunc("POST /api/admin/deposit", handlers.Admin.SetDeposit)
	mux.HandleFunc("POST /api/admin/oracle", handlers.Admin.PostOracleResult)
	mux.HandleFunc("POST /api/markets/{id}/clawback-check", handlers.Admin.CheckClawback)
	mux.HandleFunc("POST /api/markets/{id}/pools/audit", handlers.Admin.AuditPool)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
