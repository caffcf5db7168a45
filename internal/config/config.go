// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SHIPRACE_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Chain     ChainConfig     `toml:"chain"`
	Game      GameConfig      `toml:"game"`
	Seed      SeedConfig      `toml:"seed"`
	Auth      AuthConfig      `toml:"auth"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Bot       BotConfig       `toml:"bot"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds the ledger database connection. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
}

// S3Config holds the object store used for fairness-proof archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig describes where bettors pay and how payments are verified.
// An empty Token means payments are in the native currency.
type ChainConfig struct {
	RPCURL             string   `toml:"rpc_url"`
	ChainID            int64    `toml:"chain_id"`
	PaymentDestination string   `toml:"payment_destination"`
	Token              string   `toml:"token"`
	TokenDecimals      int32    `toml:"token_decimals"`
	Confirmations      uint64   `toml:"confirmations"`
	Timeout            duration `toml:"timeout"`
}

// GameConfig holds the economic and timing rules of every round.
type GameConfig struct {
	OutcomeCount     int      `toml:"outcome_count"`
	LabelPool        []string `toml:"label_pool"`
	RoundDuration    duration `toml:"round_duration"`
	EntryCutoff      duration `toml:"entry_cutoff"`
	IntentTTL        duration `toml:"intent_ttl"`
	MaxQuantity      int64    `toml:"max_quantity"`
	UnitPrice        string   `toml:"unit_price"`
	AmountDecimals   int32    `toml:"amount_decimals"`
	WinnerBps        int64    `toml:"winner_bps"`
	ParticipationBps int64    `toml:"participation_bps"`
	TreasuryBps      int64    `toml:"treasury_bps"`
	TreasuryAccount  string   `toml:"treasury_account"`
	FreeEntries      bool     `toml:"free_entries"`

	Modes                []string            `toml:"modes"`
	DisplayWindows       map[string]duration `toml:"display_windows"`
	DefaultDisplayWindow duration            `toml:"default_display_window"`
}

// UnitPriceDecimal parses UnitPrice. Validate guarantees it succeeds.
func (g GameConfig) UnitPriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(g.UnitPrice)
}

// DisplayWindowDurations flattens DisplayWindows for the service layer.
func (g GameConfig) DisplayWindowDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(g.DisplayWindows))
	for mode, d := range g.DisplayWindows {
		out[mode] = d.Duration
	}
	return out
}

// SeedConfig keys the vault sealing round secrets at rest. An empty
// passphrase stores secrets unsealed.
type SeedConfig struct {
	Passphrase string `toml:"passphrase"`
	Salt       string `toml:"salt"`
}

// AuthConfig holds the bettor token secret shared with the login service and
// the operator API key.
type AuthConfig struct {
	TokenSecret string   `toml:"token_secret"`
	TokenTTL    duration `toml:"token_ttl"`
	AdminAPIKey string   `toml:"admin_api_key"`
}

// HeartbeatConfig controls the background lifecycle ticker.
type HeartbeatConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// BotConfig drives the traffic simulator.
type BotConfig struct {
	BaseURL     string   `toml:"base_url"`
	Bettors     int      `toml:"bettors"`
	Interval    duration `toml:"interval"`
	MaxQuantity int64    `toml:"max_quantity"`
	Seed        uint64   `toml:"seed"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// RateLimitConfig bounds entry requests per bettor and raw requests per IP.
// A zero limit disables that limiter.
type RateLimitConfig struct {
	EntryLimit  int      `toml:"entry_limit"`
	EntryWindow duration `toml:"entry_window"`
	HTTPLimit   int      `toml:"http_limit"`
	HTTPWindow  duration `toml:"http_window"`
}

// defaultLabels is the ship name pool labels are drawn from.
var defaultLabels = []string{
	"Albatross", "Barracuda", "Corsair", "Dauntless", "Endeavour", "Firebird",
	"Gullwing", "Halcyon", "Intrepid", "Jubilee", "Kestrel", "Leviathan",
	"Mistral", "Nautilus", "Osprey", "Pelican", "Quicksilver", "Resolute",
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "shiprace",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "shiprace-proofs",
			Prefix:         "proofs",
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			ChainID:       8453,
			TokenDecimals: 6,
			Confirmations: 2,
			Timeout:       duration{10 * time.Second},
		},
		Game: GameConfig{
			OutcomeCount:     15,
			LabelPool:        append([]string(nil), defaultLabels...),
			RoundDuration:    duration{5 * time.Minute},
			EntryCutoff:      duration{30 * time.Second},
			IntentTTL:        duration{5 * time.Minute},
			MaxQuantity:      100,
			UnitPrice:        "0.1",
			AmountDecimals:   6,
			WinnerBps:        7000,
			ParticipationBps: 2500,
			TreasuryBps:      500,
			FreeEntries:      false,
			Modes:            []string{"classic", "sprint"},
			DisplayWindows: map[string]duration{
				"classic": {30 * time.Second},
				"sprint":  {10 * time.Second},
			},
			DefaultDisplayWindow: duration{20 * time.Second},
		},
		Auth: AuthConfig{
			TokenTTL: duration{24 * time.Hour},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: duration{5 * time.Second},
		},
		Bot: BotConfig{
			BaseURL:     "http://localhost:8000",
			Bettors:     5,
			Interval:    duration{3 * time.Second},
			MaxQuantity: 3,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"round_settled", "payment_refunded", "settlement_failed", "round_forced"},
		},
		RateLimit: RateLimitConfig{
			EntryLimit:  20,
			EntryWindow: duration{time.Minute},
			HTTPLimit:   300,
			HTTPWindow:  duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"heartbeat": true,
	"bot":       true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// bpsDenominator is 100% in basis points.
const bpsDenominator = 10000

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, heartbeat, bot, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// The bot only talks HTTP; everything else touches the ledger.
	engine := mode != "bot"
	serving := mode == "server" || mode == "full"

	if engine {
		errs = append(errs, c.validatePostgres()...)
		errs = append(errs, c.validateGame()...)
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Seed.Passphrase != "" && c.Seed.Salt == "" {
			errs = append(errs, "seed: salt is required when passphrase is set")
		}
		if c.S3.Enabled {
			if c.S3.Bucket == "" {
				errs = append(errs, "s3: bucket must not be empty when enabled")
			}
			if c.S3.Region == "" {
				errs = append(errs, "s3: region must not be empty when enabled")
			}
		}
	}

	if serving {
		errs = append(errs, c.validateChain()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.RateLimit.EntryLimit < 0 || c.RateLimit.HTTPLimit < 0 {
			errs = append(errs, "rate_limit: limits must be >= 0")
		}
		if c.RateLimit.EntryLimit > 0 && c.RateLimit.EntryWindow.Duration <= 0 {
			errs = append(errs, "rate_limit: entry_window must be > 0 when entry_limit is set")
		}
		if c.RateLimit.HTTPLimit > 0 && c.RateLimit.HTTPWindow.Duration <= 0 {
			errs = append(errs, "rate_limit: http_window must be > 0 when http_limit is set")
		}
	}

	if serving || mode == "bot" {
		if len(c.Auth.TokenSecret) < 16 {
			errs = append(errs, "auth: token_secret must be at least 16 bytes")
		}
	}

	if mode == "heartbeat" || (mode == "full" && c.Heartbeat.Enabled) {
		if c.Heartbeat.Interval.Duration <= 0 {
			errs = append(errs, "heartbeat: interval must be > 0")
		}
	}

	if mode == "bot" {
		if c.Bot.BaseURL == "" {
			errs = append(errs, "bot: base_url must not be empty")
		}
		if c.Bot.Bettors < 1 {
			errs = append(errs, "bot: bettors must be >= 1")
		}
		if c.Bot.Interval.Duration <= 0 {
			errs = append(errs, "bot: interval must be > 0")
		}
		if c.Bot.MaxQuantity < 1 {
			errs = append(errs, "bot: max_quantity must be >= 1")
		}
		if c.Auth.TokenTTL.Duration <= 0 {
			errs = append(errs, "auth: token_ttl must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres() []string {
	var errs []string
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}

func (c *Config) validateGame() []string {
	var errs []string
	g := c.Game
	if g.OutcomeCount < 1 {
		errs = append(errs, "game: outcome_count must be >= 1")
	}
	if len(g.LabelPool) < g.OutcomeCount {
		errs = append(errs, fmt.Sprintf("game: label_pool has %d labels, outcome_count needs %d", len(g.LabelPool), g.OutcomeCount))
	}
	if g.RoundDuration.Duration <= 0 {
		errs = append(errs, "game: round_duration must be > 0")
	}
	if g.EntryCutoff.Duration < 0 || g.EntryCutoff.Duration >= g.RoundDuration.Duration {
		errs = append(errs, "game: entry_cutoff must be >= 0 and shorter than round_duration")
	}
	if g.IntentTTL.Duration <= 0 {
		errs = append(errs, "game: intent_ttl must be > 0")
	}
	if g.MaxQuantity < 1 {
		errs = append(errs, "game: max_quantity must be >= 1")
	}
	if price, err := g.UnitPriceDecimal(); err != nil {
		errs = append(errs, fmt.Sprintf("game: unit_price %q is not a decimal", g.UnitPrice))
	} else if !price.IsPositive() {
		errs = append(errs, "game: unit_price must be > 0")
	}
	if g.AmountDecimals < 0 || g.AmountDecimals > 18 {
		errs = append(errs, "game: amount_decimals must be 0-18")
	}
	if g.WinnerBps < 0 || g.ParticipationBps < 0 || g.TreasuryBps < 0 {
		errs = append(errs, "game: bps shares must be >= 0")
	}
	if sum := g.WinnerBps + g.ParticipationBps + g.TreasuryBps; sum > bpsDenominator {
		errs = append(errs, fmt.Sprintf("game: bps shares sum to %d, above %d", sum, bpsDenominator))
	}
	if g.TreasuryBps > 0 && g.TreasuryAccount != "" && !common.IsHexAddress(g.TreasuryAccount) {
		errs = append(errs, fmt.Sprintf("game: treasury_account %q is not an address", g.TreasuryAccount))
	}
	if len(g.Modes) == 0 {
		errs = append(errs, "game: modes must not be empty")
	}
	for mode, d := range g.DisplayWindows {
		if d.Duration < 0 {
			errs = append(errs, fmt.Sprintf("game: display window for %q must be >= 0", mode))
		}
	}
	if g.DefaultDisplayWindow.Duration < 0 {
		errs = append(errs, "game: default_display_window must be >= 0")
	}
	return errs
}

func (c *Config) validateChain() []string {
	var errs []string
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.PaymentDestination) {
		errs = append(errs, fmt.Sprintf("chain: payment_destination %q is not an address", c.Chain.PaymentDestination))
	}
	if c.Chain.Token != "" && !common.IsHexAddress(c.Chain.Token) {
		errs = append(errs, fmt.Sprintf("chain: token %q is not an address", c.Chain.Token))
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		errs = append(errs, "chain: token_decimals must be 0-36")
	}
	return errs
}
