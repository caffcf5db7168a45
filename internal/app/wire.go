package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/shiprace/internal/blob/s3"
	"github.com/alanyoungcy/shiprace/internal/cache/redis"
	"github.com/alanyoungcy/shiprace/internal/config"
	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/notify"
	"github.com/alanyoungcy/shiprace/internal/platform/evm"
	"github.com/alanyoungcy/shiprace/internal/server/handler"
	"github.com/alanyoungcy/shiprace/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Ledger
	Ledger domain.Ledger
	Audit  domain.AuditStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Optional collaborators; nil when not configured for the mode.
	Archiver domain.ProofArchiver
	Verifier domain.PaymentVerifier

	Sealer   crypto.Sealer
	Notifier *notify.Notifier

	// Health probes the reachable backends by name.
	Health map[string]handler.HealthChecker
}

// needsChain returns true for modes that accept paid entries.
func needsChain(mode string) bool {
	switch mode {
	case "server", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Health: map[string]handler.HealthChecker{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Ledger = postgres.NewLedger(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Health["postgres"] = pgClient

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		DialTimeout: cfg.Redis.DialTimeout.Duration,
		TLSEnabled:  cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Health["redis"] = redisClient

	// --- S3 proof archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewProofArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Audit)
		deps.Health["s3"] = s3Client
	}

	// --- Chain verifier ---
	if needsChain(mode) {
		verifier, closeChain, err := evm.Dial(ctx, cfg.Chain.RPCURL, evm.Config{
			ChainID:       cfg.Chain.ChainID,
			Token:         cfg.Chain.Token,
			Decimals:      cfg.Chain.TokenDecimals,
			Confirmations: cfg.Chain.Confirmations,
			Timeout:       cfg.Chain.Timeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, closeChain)
		deps.Verifier = verifier
	}

	// --- Seed vault ---
	sealer, err := crypto.NewSealer(cfg.Seed.Passphrase, cfg.Seed.Salt)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: seed vault: %w", err)
	}
	if _, plain := sealer.(crypto.PlainSealer); plain {
		logger.WarnContext(ctx, "seed.passphrase is empty; round secrets are stored unsealed")
	}
	deps.Sealer = sealer

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
