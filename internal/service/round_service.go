package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/draw"
)

// RoundService owns the current-round pointer: it lazily settles ended
// rounds, evicts settled rounds after their display window and opens the
// next round.
type RoundService struct {
	deps   Deps
	game   GameConfig
	settle *SettlementService
	logger *slog.Logger

	rngMu sync.Mutex
	rng   draw.RandomSource
}

// NewRoundService creates a RoundService. A nil rng uses crypto/rand.
func NewRoundService(deps Deps, game GameConfig, settle *SettlementService, rng draw.RandomSource) *RoundService {
	deps = deps.withDefaults()
	if rng == nil {
		rng = draw.DefaultRNG()
	}
	return &RoundService{
		deps:   deps,
		game:   game,
		settle: settle,
		rng:    rng,
		logger: deps.Logger.With(slog.String("component", "round_service")),
	}
}

// CreateRoundRequest is an admin request for a new round.
type CreateRoundRequest struct {
	// Duration overrides the configured round duration when positive.
	Duration time.Duration
	// Force closes a running round and refunds its payments.
	Force bool
}

// CreatedRound reports what CreateRound did.
type CreatedRound struct {
	Round   domain.Round
	Closed  *domain.Round
	Refunds []domain.Reconciliation
}

// Current returns the round players should see, settling and advancing the
// lifecycle on the way. Concurrent callers converge on the same round.
func (s *RoundService) Current(ctx context.Context) (domain.Round, error) {
	r, err := s.deps.Ledger.CurrentRound(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return s.advance(ctx, 0)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: current: %w", err)
	}

	now := s.deps.Now().UTC()
	if r.Status == domain.RoundStatusOpen {
		if !r.Ended(now) {
			return r, nil
		}
		res, err := s.settle.TrySettle(ctx, r.ID)
		if err != nil {
			return domain.Round{}, fmt.Errorf("round_service: settle round %d: %w", r.ID, err)
		}
		r = res.Round
	}

	switch r.Status {
	case domain.RoundStatusSettled:
		if r.SettledAt != nil && now.Sub(*r.SettledAt) <= s.game.DisplayWindow(r.Mode) {
			return r, nil
		}
		return s.advance(ctx, r.ID)
	case domain.RoundStatusClosed:
		return s.advance(ctx, r.ID)
	}
	return r, nil
}

// advance opens a new round if the pointer still references observed.
// Otherwise another caller already advanced and its round is returned.
func (s *RoundService) advance(ctx context.Context, observed int64) (domain.Round, error) {
	var (
		out     domain.Round
		created bool
	)
	err := s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		cur, err := tx.LockCurrentRound(ctx)
		if err != nil {
			return fmt.Errorf("round_service: lock pointer: %w", err)
		}
		if cur != observed {
			out, err = tx.GetRound(ctx, cur)
			if err != nil {
				return fmt.Errorf("round_service: load round %d: %w", cur, err)
			}
			return nil
		}
		out, err = s.open(ctx, tx, s.game.RoundDuration)
		created = err == nil
		return err
	})
	if err != nil {
		return domain.Round{}, err
	}
	if created {
		s.announce(ctx, out, false)
	}
	return out, nil
}

// CreateRound opens a round on admin request. Without Force it refuses while
// a round is OPEN; with Force the open round is closed and every confirmed
// payment in it is refunded to the payer's balance.
func (s *RoundService) CreateRound(ctx context.Context, req CreateRoundRequest) (CreatedRound, error) {
	duration := req.Duration
	if duration <= 0 {
		duration = s.game.RoundDuration
	}

	var out CreatedRound
	err := s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		cur, err := tx.LockCurrentRound(ctx)
		if err != nil {
			return fmt.Errorf("round_service: lock pointer: %w", err)
		}
		if cur != 0 {
			r, err := tx.LockRound(ctx, cur, true)
			if err != nil {
				return fmt.Errorf("round_service: load round %d: %w", cur, err)
			}
			if r.Status == domain.RoundStatusOpen {
				if !req.Force {
					return fmt.Errorf("round_service: round %d: %w", r.ID, domain.ErrRoundOpen)
				}
				closed, refunds, err := s.forceClose(ctx, tx, r)
				if err != nil {
					return err
				}
				out.Closed = &closed
				out.Refunds = refunds
			}
		}
		out.Round, err = s.open(ctx, tx, duration)
		return err
	})
	if err != nil {
		return CreatedRound{}, err
	}

	if out.Closed != nil {
		s.logger.WarnContext(ctx, "round force-closed",
			slog.Int64("round_id", out.Closed.ID),
			slog.Int("refunds", len(out.Refunds)),
		)
		s.deps.publish(ctx, s.logger, domain.ChannelRounds, domain.RoundEvent{
			Type:    domain.EventRoundClosed,
			RoundID: out.Closed.ID,
			At:      s.deps.Now().UTC(),
			Payload: map[string]any{"refunds": len(out.Refunds)},
		})
		s.deps.audit(ctx, s.logger, "round.force_closed", map[string]any{
			"round_id":    out.Closed.ID,
			"replaced_by": out.Round.ID,
			"refunds":     len(out.Refunds),
		})
		for _, rec := range out.Refunds {
			s.deps.audit(ctx, s.logger, "payment.refunded", reconDetail(rec))
			s.deps.Alerts.PaymentRefunded(ctx, rec)
		}
		s.deps.Alerts.RoundForced(ctx, out.Closed.ID, out.Round.ID, len(out.Refunds))
	}
	s.announce(ctx, out.Round, true)
	return out, nil
}

// forceClose moves r to CLOSED and refunds its payments that bought entries.
func (s *RoundService) forceClose(ctx context.Context, tx domain.LedgerTx, r domain.Round) (domain.Round, []domain.Reconciliation, error) {
	now := s.deps.Now().UTC()
	ok, err := tx.CloseRound(ctx, r.ID, now)
	if err != nil {
		return domain.Round{}, nil, fmt.Errorf("round_service: close round %d: %w", r.ID, err)
	}
	if !ok {
		return domain.Round{}, nil, fmt.Errorf("round_service: close round %d: %w", r.ID, domain.ErrRoundClosed)
	}

	payments, err := tx.ListPayments(ctx, r.ID)
	if err != nil {
		return domain.Round{}, nil, fmt.Errorf("round_service: list payments round %d: %w", r.ID, err)
	}
	var refunds []domain.Reconciliation
	for _, p := range payments {
		if alreadyRefunded(p) {
			continue
		}
		rec := domain.Reconciliation{
			Kind:             domain.ReconForcedClose,
			RoundID:          r.ID,
			Bettor:           p.Bettor,
			PaymentReference: p.Reference,
			Amount:           p.Amount,
			Status:           reconAutoRefunded,
			Reason:           "round force-closed by operator",
			CreatedAt:        now,
		}
		if err := refund(ctx, tx, rec); err != nil {
			return domain.Round{}, nil, err
		}
		refunds = append(refunds, rec)
	}

	closed, err := tx.GetRound(ctx, r.ID)
	if err != nil {
		return domain.Round{}, nil, fmt.Errorf("round_service: reload round %d: %w", r.ID, err)
	}
	return closed, refunds, nil
}

// open inserts a fresh OPEN round and points the current-round pointer at it.
func (s *RoundService) open(ctx context.Context, tx domain.LedgerTx, duration time.Duration) (domain.Round, error) {
	id, err := tx.NextRoundID(ctx)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: next id: %w", err)
	}

	secret, err := draw.NewSecret()
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: secret: %w", err)
	}
	sealed, err := s.deps.Sealer.Seal(secret)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: seal secret: %w", err)
	}
	labels, err := s.labels()
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: labels: %w", err)
	}

	now := s.deps.Now().UTC()
	r := domain.Round{
		ID:                id,
		Status:            domain.RoundStatusOpen,
		StartedAt:         now,
		EndsAt:            now.Add(duration),
		OutcomeCount:      s.game.OutcomeCount,
		Mode:              draw.ModeFor(id, s.game.Modes),
		OutcomeLabels:     labels,
		SeedCommit:        draw.Commit(secret),
		SealedSecret:      sealed,
		EmissionsTotal:    decimal.Zero,
		WinnerPool:        decimal.Zero,
		ParticipationPool: decimal.Zero,
		TreasuryCut:       decimal.Zero,
		DistributedTotal:  decimal.Zero,
	}
	if err := tx.InsertRound(ctx, r); err != nil {
		return domain.Round{}, fmt.Errorf("round_service: insert round %d: %w", id, err)
	}
	if err := tx.SetCurrentRound(ctx, id); err != nil {
		return domain.Round{}, fmt.Errorf("round_service: set current round %d: %w", id, err)
	}
	return r, nil
}

func (s *RoundService) labels() ([]string, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return draw.AssignLabels(s.game.LabelPool, s.game.OutcomeCount, s.rng)
}

func (s *RoundService) announce(ctx context.Context, r domain.Round, admin bool) {
	s.logger.InfoContext(ctx, "round opened",
		slog.Int64("round_id", r.ID),
		slog.String("mode", r.Mode),
		slog.Time("ends_at", r.EndsAt),
		slog.Bool("admin", admin),
	)
	s.deps.publish(ctx, s.logger, domain.ChannelRounds, domain.RoundEvent{
		Type:    domain.EventRoundCreated,
		RoundID: r.ID,
		At:      r.StartedAt,
		Payload: map[string]any{
			"ends_at":        r.EndsAt,
			"mode":           r.Mode,
			"outcome_labels": r.OutcomeLabels,
			"seed_commit":    r.SeedCommit,
		},
	})
	s.deps.audit(ctx, s.logger, "round.created", map[string]any{
		"round_id":    r.ID,
		"mode":        r.Mode,
		"ends_at":     r.EndsAt.Format(time.RFC3339),
		"seed_commit": r.SeedCommit,
		"admin":       admin,
	})
}
