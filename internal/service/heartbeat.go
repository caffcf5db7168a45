package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

const heartbeatLockKey = "heartbeat"

// HeartbeatResult is the state after one tick.
type HeartbeatResult struct {
	Round  domain.Round
	Purged int64
}

// Heartbeat drives the round lifecycle without waiting for player traffic:
// it settles ended rounds, opens the next one and purges expired intents.
type Heartbeat struct {
	deps     Deps
	rounds   *RoundService
	interval time.Duration
	lockTTL  time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewHeartbeat creates a Heartbeat ticking every interval.
func NewHeartbeat(deps Deps, rounds *RoundService, interval time.Duration) *Heartbeat {
	deps = deps.withDefaults()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeat{
		deps:     deps,
		rounds:   rounds,
		interval: interval,
		lockTTL:  interval,
		logger:   deps.Logger.With(slog.String("component", "heartbeat")),
	}
}

// WithPurgeGrace keeps expired intents for d past their expiry so a
// confirmation already in payment verification can still consume them. Set it
// to at least the verifier timeout.
func (h *Heartbeat) WithPurgeGrace(d time.Duration) *Heartbeat {
	if d > 0 {
		h.grace = d
	}
	return h
}

// Run ticks until ctx is cancelled. When a lock manager is configured only
// one replica ticks per interval.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.InfoContext(ctx, "heartbeat started", slog.Duration("interval", h.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.tickLocked(ctx); err != nil {
				h.logger.ErrorContext(ctx, "heartbeat tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (h *Heartbeat) tickLocked(ctx context.Context) error {
	if h.deps.Locks != nil {
		unlock, err := h.deps.Locks.Acquire(ctx, heartbeatLockKey, h.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			h.logger.DebugContext(ctx, "heartbeat lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("heartbeat: lock: %w", err)
		}
		defer unlock()
	}
	_, err := h.Tick(ctx)
	return err
}

// Tick advances the lifecycle once. Safe to call concurrently with pollers
// and other replicas.
func (h *Heartbeat) Tick(ctx context.Context) (HeartbeatResult, error) {
	r, err := h.rounds.Current(ctx)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("heartbeat: %w", err)
	}

	var purged int64
	err = h.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		n, err := tx.PurgeExpiredIntents(ctx, h.deps.Now().UTC().Add(-h.grace))
		purged = n
		return err
	})
	if err != nil {
		return HeartbeatResult{Round: r}, fmt.Errorf("heartbeat: purge intents: %w", err)
	}
	if purged > 0 {
		h.logger.DebugContext(ctx, "expired intents purged", slog.Int64("count", purged))
	}
	return HeartbeatResult{Round: r, Purged: purged}, nil
}
