package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SHIPRACE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SHIPRACE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SHIPRACE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "SHIPRACE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SHIPRACE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SHIPRACE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SHIPRACE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SHIPRACE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SHIPRACE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SHIPRACE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SHIPRACE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SHIPRACE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SHIPRACE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SHIPRACE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SHIPRACE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SHIPRACE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "SHIPRACE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SHIPRACE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SHIPRACE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SHIPRACE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SHIPRACE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SHIPRACE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SHIPRACE_S3_SECRET_KEY")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "SHIPRACE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "SHIPRACE_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.PaymentDestination, "SHIPRACE_CHAIN_PAYMENT_DESTINATION")
	setStr(&cfg.Chain.Token, "SHIPRACE_CHAIN_TOKEN")

	// ── Game ──
	setInt(&cfg.Game.OutcomeCount, "SHIPRACE_GAME_OUTCOME_COUNT")
	setDuration(&cfg.Game.RoundDuration, "SHIPRACE_GAME_ROUND_DURATION")
	setDuration(&cfg.Game.EntryCutoff, "SHIPRACE_GAME_ENTRY_CUTOFF")
	setStr(&cfg.Game.UnitPrice, "SHIPRACE_GAME_UNIT_PRICE")
	setInt64(&cfg.Game.WinnerBps, "SHIPRACE_GAME_WINNER_BPS")
	setInt64(&cfg.Game.ParticipationBps, "SHIPRACE_GAME_PARTICIPATION_BPS")
	setInt64(&cfg.Game.TreasuryBps, "SHIPRACE_GAME_TREASURY_BPS")
	setStr(&cfg.Game.TreasuryAccount, "SHIPRACE_GAME_TREASURY_ACCOUNT")
	setBool(&cfg.Game.FreeEntries, "SHIPRACE_GAME_FREE_ENTRIES")

	// ── Secrets ──
	setStr(&cfg.Seed.Passphrase, "SHIPRACE_SEED_PASSPHRASE")
	setStr(&cfg.Seed.Salt, "SHIPRACE_SEED_SALT")
	setStr(&cfg.Auth.TokenSecret, "SHIPRACE_AUTH_TOKEN_SECRET")
	setStr(&cfg.Auth.AdminAPIKey, "SHIPRACE_AUTH_ADMIN_API_KEY")

	// ── Heartbeat / bot ──
	setBool(&cfg.Heartbeat.Enabled, "SHIPRACE_HEARTBEAT_ENABLED")
	setDuration(&cfg.Heartbeat.Interval, "SHIPRACE_HEARTBEAT_INTERVAL")
	setStr(&cfg.Bot.BaseURL, "SHIPRACE_BOT_BASE_URL")
	setInt(&cfg.Bot.Bettors, "SHIPRACE_BOT_BETTORS")
	setDuration(&cfg.Bot.Interval, "SHIPRACE_BOT_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "SHIPRACE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SHIPRACE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SHIPRACE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SHIPRACE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SHIPRACE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SHIPRACE_NOTIFY_EVENTS")

	// ── Rate limit ──
	setInt(&cfg.RateLimit.EntryLimit, "SHIPRACE_RATE_LIMIT_ENTRY_LIMIT")
	setInt(&cfg.RateLimit.HTTPLimit, "SHIPRACE_RATE_LIMIT_HTTP_LIMIT")

	// ── Top-level ──
	setStr(&cfg.Mode, "SHIPRACE_MODE")
	setStr(&cfg.LogLevel, "SHIPRACE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
