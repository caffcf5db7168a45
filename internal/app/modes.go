package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shiprace/internal/bot"
	"github.com/alanyoungcy/shiprace/internal/config"
	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/draw"
	"github.com/alanyoungcy/shiprace/internal/payout"
	"github.com/alanyoungcy/shiprace/internal/server"
	"github.com/alanyoungcy/shiprace/internal/server/handler"
	"github.com/alanyoungcy/shiprace/internal/server/ws"
	"github.com/alanyoungcy/shiprace/internal/service"
)

// services holds the round engine built on top of Dependencies.
type services struct {
	game      service.GameConfig
	payment   service.PaymentConfig
	settle    *service.SettlementService
	rounds    *service.RoundService
	entries   *service.EntryService
	query     *service.QueryService
	heartbeat *service.Heartbeat
}

// GameConfig converts the [game] section for the service layer.
func GameConfig(cfg *config.Config) (service.GameConfig, error) {
	g := cfg.Game
	price, err := g.UnitPriceDecimal()
	if err != nil {
		return service.GameConfig{}, fmt.Errorf("app: game unit_price: %w", err)
	}
	shares := payout.Shares{
		WinnerBps:        g.WinnerBps,
		ParticipationBps: g.ParticipationBps,
		TreasuryBps:      g.TreasuryBps,
	}
	if err := shares.Validate(); err != nil {
		return service.GameConfig{}, fmt.Errorf("app: game shares: %w", err)
	}
	treasury := g.TreasuryAccount
	if treasury != "" {
		if treasury, err = crypto.NormalizeAddress(treasury); err != nil {
			return service.GameConfig{}, fmt.Errorf("app: game treasury_account: %w", err)
		}
	}
	return service.GameConfig{
		OutcomeCount:         g.OutcomeCount,
		LabelPool:            append([]string(nil), g.LabelPool...),
		RoundDuration:        g.RoundDuration.Duration,
		CutoffMargin:         g.EntryCutoff.Duration,
		IntentTTL:            g.IntentTTL.Duration,
		MaxQuantity:          g.MaxQuantity,
		UnitPrice:            price,
		AmountDecimals:       g.AmountDecimals,
		Shares:               shares,
		TreasuryAccount:      treasury,
		FreeEntries:          g.FreeEntries,
		Modes:                append([]string(nil), g.Modes...),
		DisplayWindows:       g.DisplayWindowDurations(),
		DefaultDisplayWindow: g.DefaultDisplayWindow.Duration,
	}, nil
}

// PaymentConfig converts the [chain] section into payment instructions.
func PaymentConfig(cfg *config.Config) (service.PaymentConfig, error) {
	dest := cfg.Chain.PaymentDestination
	if dest != "" {
		var err error
		if dest, err = crypto.NormalizeAddress(dest); err != nil {
			return service.PaymentConfig{}, fmt.Errorf("app: chain payment_destination: %w", err)
		}
	}
	return service.PaymentConfig{
		Destination:   dest,
		Token:         cfg.Chain.Token,
		ChainID:       cfg.Chain.ChainID,
		TokenDecimals: cfg.Chain.TokenDecimals,
	}, nil
}

func buildServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*services, error) {
	game, err := GameConfig(cfg)
	if err != nil {
		return nil, err
	}
	payment, err := PaymentConfig(cfg)
	if err != nil {
		return nil, err
	}

	sd := service.Deps{
		Ledger:   deps.Ledger,
		Audit:    deps.Audit,
		Bus:      deps.SignalBus,
		Limiter:  deps.RateLimiter,
		Locks:    deps.LockManager,
		Verifier: deps.Verifier,
		Sealer:   deps.Sealer,
		Archiver: deps.Archiver,
		Logger:   logger,
	}
	if deps.Notifier.Enabled() {
		sd.Alerts = deps.Notifier
	}

	settle := service.NewSettlementService(sd, game)
	rounds := service.NewRoundService(sd, game, settle, draw.DefaultRNG())
	limit := service.RateLimit{Limit: cfg.RateLimit.EntryLimit, Window: cfg.RateLimit.EntryWindow.Duration}
	return &services{
		game:      game,
		payment:   payment,
		settle:    settle,
		rounds:    rounds,
		entries:   service.NewEntryService(sd, game, payment, limit),
		query:     service.NewQueryService(sd),
		heartbeat: service.NewHeartbeat(sd, rounds, cfg.Heartbeat.Interval.Duration).WithPurgeGrace(cfg.Chain.Timeout.Duration),
	}, nil
}

// ServerMode serves the HTTP API and WebSocket push. Rounds advance lazily on
// reads unless a heartbeat runs elsewhere.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return err
	}
	return g.Wait()
}

// HeartbeatMode only drives the round lifecycle. Several replicas may run;
// the Redis lock lets one tick per interval.
func (a *App) HeartbeatMode(ctx context.Context, svc *services) error {
	a.logger.InfoContext(ctx, "starting heartbeat mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.heartbeat.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the HTTP server and, when enabled, the heartbeat in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("heartbeat", a.cfg.Heartbeat.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, svc); err != nil {
		return err
	}
	if a.cfg.Heartbeat.Enabled {
		g.Go(func() error {
			return svc.heartbeat.Run(ctx)
		})
	}
	return g.Wait()
}

// BotMode runs the traffic simulator against the configured base URL. It
// needs no ledger access, only the shared token secret.
func (a *App) BotMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting bot mode", slog.String("base_url", a.cfg.Bot.BaseURL))

	tokens, err := crypto.NewTokenAuth(a.cfg.Auth.TokenSecret)
	if err != nil {
		return fmt.Errorf("app: bot tokens: %w", err)
	}
	sim, err := bot.New(bot.NewClient(a.cfg.Bot.BaseURL), tokens, bot.Config{
		Bettors:     a.cfg.Bot.Bettors,
		Interval:    a.cfg.Bot.Interval.Duration,
		MaxQuantity: a.cfg.Bot.MaxQuantity,
		TokenTTL:    a.cfg.Auth.TokenTTL.Duration,
		Seed:        a.cfg.Bot.Seed,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: bot: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.Run(ctx)
	})
	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) error {
	tokens, err := crypto.NewTokenAuth(a.cfg.Auth.TokenSecret)
	if err != nil {
		return fmt.Errorf("app: bettor tokens: %w", err)
	}
	if a.cfg.Auth.AdminAPIKey == "" {
		a.logger.WarnContext(ctx, "auth.admin_api_key is empty; operator endpoints are disabled")
	}

	rounds := handler.NewRoundHandler(svc.rounds, svc.query, svc.game.CutoffMargin, a.logger)
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, svc.game, svc.payment),
		Rounds:  rounds,
		Entries: handler.NewEntryHandler(svc.entries, svc.query, a.logger),
		Admin:   handler.NewAdminHandler(svc.rounds, svc.settle, svc.heartbeat, svc.query, a.logger),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Snapshot:       rounds.Snapshot,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminAPIKey: a.cfg.Auth.AdminAPIKey,
		RateLimit:   a.cfg.RateLimit.HTTPLimit,
		RateWindow:  a.cfg.RateLimit.HTTPWindow.Duration,
	}
	srv := server.NewServer(srvCfg, server.Routes(srvCfg, handlers, tokens, deps.RateLimiter, hub, a.logger), a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}
