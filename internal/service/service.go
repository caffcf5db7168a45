// Package service implements the round engine: round lifecycle, entry
// intents and confirmation, settlement and the read models behind the API.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/payout"
)

// GameConfig holds the economic and timing rules of a round.
type GameConfig struct {
	OutcomeCount   int
	LabelPool      []string
	RoundDuration  time.Duration
	CutoffMargin   time.Duration
	IntentTTL      time.Duration
	MaxQuantity    int64
	UnitPrice      decimal.Decimal
	AmountDecimals int32
	Shares         payout.Shares
	// TreasuryAccount receives the treasury cut as a balance credit.
	TreasuryAccount string
	FreeEntries     bool

	Modes []string
	// DisplayWindows is how long a settled round stays current, per mode.
	DisplayWindows       map[string]time.Duration
	DefaultDisplayWindow time.Duration
}

// DisplayWindow returns the settled-round display time for mode.
func (g GameConfig) DisplayWindow(mode string) time.Duration {
	if d, ok := g.DisplayWindows[mode]; ok {
		return d
	}
	return g.DefaultDisplayWindow
}

// PaymentConfig tells bettors where and in what asset to pay.
type PaymentConfig struct {
	Destination   string
	Token         string
	ChainID       int64
	TokenDecimals int32
}

// RateLimit bounds intent and free-entry requests per bettor.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Alerts receives operator notifications. *notify.Notifier implements it.
type Alerts interface {
	RoundSettled(ctx context.Context, r domain.Round)
	PaymentRefunded(ctx context.Context, rec domain.Reconciliation)
	SettlementFailed(ctx context.Context, roundID int64, err error)
	RoundForced(ctx context.Context, closedID, openedID int64, refunds int)
}

type nopAlerts struct{}

func (nopAlerts) RoundSettled(context.Context, domain.Round) {}
func (nopAlerts) PaymentRefunded(context.Context, domain.Reconciliation) {}
func (nopAlerts) SettlementFailed(context.Context, int64, error) {}
func (nopAlerts) RoundForced(context.Context, int64, int64, int) {}

// Deps are the collaborators shared by every service. Bus, Limiter, Locks,
// Archiver and Alerts are optional.
type Deps struct {
	Ledger   domain.Ledger
	Audit    domain.AuditStore
	Bus      domain.SignalBus
	Limiter  domain.RateLimiter
	Locks    domain.LockManager
	Verifier domain.PaymentVerifier
	Sealer   crypto.Sealer
	Archiver domain.ProofArchiver
	Alerts   Alerts
	Now      func() time.Time
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Alerts == nil {
		d.Alerts = nopAlerts{}
	}
	if d.Sealer == nil {
		d.Sealer = crypto.PlainSealer{}
	}
	return d
}

// audit logs an audit entry, logging instead of failing.
func (d Deps) audit(ctx context.Context, logger *slog.Logger, event string, detail map[string]any) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends a round event to channel. Round lifecycle events are also
// appended to the replayable stream.
func (d Deps) publish(ctx context.Context, logger *slog.Logger, channel string, evt domain.RoundEvent) {
	if d.Bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := d.Bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("type", evt.Type),
			slog.Int64("round_id", evt.RoundID),
			slog.String("error", err.Error()),
		)
	}
	if channel != domain.ChannelRounds {
		return
	}
	if err := d.Bus.StreamAppend(ctx, domain.StreamRounds, payload); err != nil {
		logger.WarnContext(ctx, "stream append failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// totalsPayload copies ticket totals so event payloads never alias ledger data.
func totalsPayload(totals []int64) []int64 {
	return append([]int64(nil), totals...)
}
