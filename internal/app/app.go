// Package app provides the top-level application lifecycle management for the
// settlement service. It wires together all dependencies (stores, cache, bus,
// blob storage, notifications), restores the engine from the database, and
// runs the HTTP/WebSocket server until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/outcomelab/settled/internal/asset"
	"github.com/outcomelab/settled/internal/config"
	"github.com/outcomelab/settled/internal/engine"
	"github.com/outcomelab/settled/internal/notify"
	"github.com/outcomelab/settled/internal/oracle"
	"github.com/outcomelab/settled/internal/server"
	"github.com/outcomelab/settled/internal/server/handler"
	"github.com/outcomelab/settled/internal/server/ws"
	"github.com/outcomelab/settled/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, restores the
// engine, starts the server goroutines, and blocks until the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Engine collaborators. The asset ledger keeps account balances
	// in-process; the oracle table is fed through the admin API.
	ledger := asset.NewLedger()
	feeds := oracle.NewTableSource()

	admin := common.HexToAddress(a.cfg.Engine.Admin)
	eng := engine.New(
		admin,
		engine.Params{
			BaseFeeBps:      a.cfg.Engine.BaseFeeBps,
			AmmFeeBps:       a.cfg.Engine.AmmFeeBps,
			DisputeWindow:   a.cfg.Engine.DisputeWindow,
			VotingWindow:    a.cfg.Engine.VotingWindow,
			GCDelay:         a.cfg.Engine.GCDelay,
			PushPayoutLimit: a.cfg.Engine.PushPayoutLimit,
			GCReward:        a.cfg.Engine.GCReward,
			QuorumBps:       a.cfg.Engine.QuorumBps,
			SeedReserve:     a.cfg.Engine.SeedReserve,
			SeedShares:      a.cfg.Engine.SeedShares,
		},
		a.cfg.Engine.CreationDeposit,
		ledger,
		feeds,
		nil,
		a.logger,
	)

	svc := service.NewSettlementService(
		eng,
		deps.Stores,
		deps.MarketCache,
		deps.SignalBus,
		deps.Archiver,
		a.logger,
	)

	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("app: restore engine: %w", err)
	}

	// Bootstrap the guardian from config when none is assigned yet.
	if a.cfg.Engine.Guardian != "" && eng.Guardian() == (common.Address{}) {
		guardian := common.HexToAddress(a.cfg.Engine.Guardian)
		if err := svc.SetGuardian(ctx, admin, guardian); err != nil {
			return fmt.Errorf("app: set guardian: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// WebSocket hub.
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && err != context.Canceled {
			return fmt.Errorf("app: ws hub: %w", err)
		}
		return nil
	})

	// Notification watcher.
	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			return fmt.Errorf("app: notify watcher: %w", err)
		}
		return nil
	})

	// HTTP server.
	if a.cfg.Server.Enabled {
		handlers := server.Handlers{
			Health:     handler.NewHealthHandler(eng, a.logger),
			Markets:    handler.NewMarketHandler(svc, eng, a.logger),
			Bets:       handler.NewBetHandler(svc, a.logger),
			Trades:     handler.NewTradeHandler(svc, a.logger),
			Resolution: handler.NewResolutionHandler(svc, eng, a.logger),
			Admin:      handler.NewAdminHandler(svc, eng, feeds, a.logger),
		}
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		}, handlers, hub, a.logger)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
