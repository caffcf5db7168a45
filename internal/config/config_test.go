package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.RPCURL = "https://rpc.example.org"
	cfg.Chain.PaymentDestination = "0x00000000000000000000000000000000000000aa"
	cfg.Auth.TokenSecret = "0123456789abcdef0123"
	return cfg
}

func TestDefaultsNeedOnlySecrets(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: rpc_url")
	assert.Contains(t, err.Error(), "auth: token_secret")

	cfg = validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Game.WinnerBps = 9000
	cfg.Game.ParticipationBps = 1500
	cfg.Game.UnitPrice = "ten"
	cfg.Game.OutcomeCount = 20
	cfg.Seed.Passphrase = "hunter2"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "bps shares sum to 11000")
	assert.Contains(t, msg, `unit_price "ten"`)
	assert.Contains(t, msg, "label_pool has 18 labels")
	assert.Contains(t, msg, "seed: salt is required")
}

func TestValidateUnderAllocatedSharesAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.Game.WinnerBps = 1000
	cfg.Game.ParticipationBps = 0
	cfg.Game.TreasuryBps = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidatePerMode(t *testing.T) {
	t.Run("bot skips ledger and chain", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "bot"
		cfg.Postgres.Host = ""
		cfg.Game.UnitPrice = ""
		cfg.Auth.TokenSecret = "0123456789abcdef"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bot needs bettors", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "bot"
		cfg.Auth.TokenSecret = "0123456789abcdef"
		cfg.Bot.Bettors = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bot: bettors")
	})

	t.Run("heartbeat skips chain and auth", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "heartbeat"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("server rejects bad destination", func(t *testing.T) {
		cfg := validConfig()
		cfg.Mode = "server"
		cfg.Chain.PaymentDestination = "nope"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payment_destination")
	})
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiprace.toml")
	body := `
mode = "server"
log_level = "debug"

[game]
outcome_count = 3
round_duration = "2m"
entry_cutoff = "15s"
unit_price = "0.25"
modes = ["classic"]

[game.display_windows]
classic = "45s"

[server]
port = 9090
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SHIPRACE_AUTH_TOKEN_SECRET", "env-secret-0123456789")
	t.Setenv("SHIPRACE_SERVER_PORT", "9191")
	t.Setenv("SHIPRACE_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SHIPRACE_GAME_ENTRY_CUTOFF", "20s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Game.OutcomeCount)
	assert.Equal(t, 2*time.Minute, cfg.Game.RoundDuration.Duration)
	assert.Equal(t, 20*time.Second, cfg.Game.EntryCutoff.Duration)
	assert.Equal(t, []string{"classic"}, cfg.Game.Modes)
	assert.Equal(t, 45*time.Second, cfg.Game.DisplayWindowDurations()["classic"])
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "env-secret-0123456789", cfg.Auth.TokenSecret)

	// Untouched sections keep their defaults.
	assert.Equal(t, int64(7000), cfg.Game.WinnerBps)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	price, err := cfg.Game.UnitPriceDecimal()
	require.NoError(t, err)
	assert.Equal(t, "0.25", price.String())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("SHIPRACE_MODE", "heartbeat")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", cfg.Mode)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[game]\nround_duration = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-pass"
	cfg.Seed.Passphrase = "vault"
	cfg.Seed.Salt = "salt"
	cfg.Auth.AdminAPIKey = "admin"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Seed.Passphrase)
	assert.Equal(t, "***", out.Auth.TokenSecret)
	assert.Equal(t, "***", out.Auth.AdminAPIKey)
	assert.Equal(t, "***", out.Chain.RPCURL)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Notify.TelegramToken, "empty secrets stay empty")

	// The original is untouched, including shared slices and maps.
	out.Game.LabelPool[0] = "changed"
	out.Game.DisplayWindows["classic"] = duration{time.Hour}
	assert.Equal(t, "pg-pass", cfg.Postgres.Password)
	assert.Equal(t, "Albatross", cfg.Game.LabelPool[0])
	assert.Equal(t, 30*time.Second, cfg.Game.DisplayWindows["classic"].Duration)
}
