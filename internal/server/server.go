package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/server/handler"
	"github.com/alanyoungcy/shiprace/internal/server/middleware"
	"github.com/alanyoungcy/shiprace/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey guards the operator routes. Empty disables them.
	AdminAPIKey string
	// RateLimit is the per-IP request budget per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Rounds  *handler.RoundHandler
	Entries *handler.EntryHandler
	Admin   *handler.AdminHandler
}

// Server is the HTTP + WebSocket API of the settlement engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Routes registers every endpoint on a new ServeMux and wraps it in the
// middleware chain. Exposed for tests.
func Routes(cfg Config, handlers Handlers, tokens middleware.TokenVerifier, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	bettor := middleware.Bettor(tokens)
	admin := middleware.Admin(cfg.AdminAPIKey)

	// Public.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/round/current", handlers.Rounds.Current)
	mux.HandleFunc("GET /api/round/summary", handlers.Rounds.Summary)
	mux.HandleFunc("GET /api/round/payouts", handlers.Rounds.Payouts)
	mux.HandleFunc("GET /api/round/proof", handlers.Rounds.Proof)
	mux.HandleFunc("GET /api/round/events", handlers.Rounds.Events)

	// Bettor.
	mux.Handle("POST /api/entries/intent", bettor(http.HandlerFunc(handlers.Entries.Intent)))
	mux.Handle("POST /api/entries/confirm", bettor(http.HandlerFunc(handlers.Entries.Confirm)))
	mux.Handle("POST /api/entries/free", bettor(http.HandlerFunc(handlers.Entries.Free)))
	mux.Handle("GET /api/balance", bettor(http.HandlerFunc(handlers.Entries.Balance)))

	// Operator.
	mux.Handle("POST /api/admin/round", admin(http.HandlerFunc(handlers.Admin.CreateRound)))
	mux.Handle("POST /api/admin/settle", admin(http.HandlerFunc(handlers.Admin.Settle)))
	mux.Handle("POST /api/round/heartbeat", admin(http.HandlerFunc(handlers.Admin.Heartbeat)))
	mux.Handle("GET /api/admin/reconciliations", admin(http.HandlerFunc(handlers.Admin.Reconciliations)))
	mux.Handle("GET /api/admin/audit", admin(http.HandlerFunc(handlers.Admin.Audit)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// NewServer creates a Server serving Routes on cfg.Port.
func NewServer(cfg Config, h http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
