package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/draw"
	"github.com/alanyoungcy/shiprace/internal/payout"
)

// errRaceLost aborts a settlement transaction whose conditional write found
// the round already settled by another caller.
var errRaceLost = errors.New("settlement: round settled concurrently")

// SettlementService performs the commit-reveal draw and the payout of a
// round exactly once.
type SettlementService struct {
	deps   Deps
	game   GameConfig
	logger *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(deps Deps, game GameConfig) *SettlementService {
	deps = deps.withDefaults()
	return &SettlementService{
		deps:   deps,
		game:   game,
		logger: deps.Logger.With(slog.String("component", "settlement")),
	}
}

// TrySettle settles roundID if it is OPEN and has ended. It is safe to call
// from any number of concurrent pollers: exactly one caller observes
// Settled=true, every other caller gets the persisted result.
func (s *SettlementService) TrySettle(ctx context.Context, roundID int64) (domain.SettlementResult, error) {
	var (
		res    domain.SettlementResult
		totals []int64
	)
	err := s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		r, err := tx.LockRound(ctx, roundID, true)
		if err != nil {
			return fmt.Errorf("settlement: load round %d: %w", roundID, err)
		}
		if r.Status != domain.RoundStatusOpen {
			res = domain.SettlementResult{Round: r}
			return nil
		}
		now := s.deps.Now().UTC()
		if !r.Ended(now) {
			return fmt.Errorf("settlement: round %d ends at %s: %w", r.ID, r.EndsAt.Format(time.RFC3339), domain.ErrRoundNotEnded)
		}

		res, totals, err = s.settle(ctx, tx, r, now)
		return err
	})
	switch {
	case errors.Is(err, errRaceLost):
		r, getErr := s.deps.Ledger.GetRound(ctx, roundID)
		if getErr != nil {
			return domain.SettlementResult{}, fmt.Errorf("settlement: reload round %d: %w", roundID, getErr)
		}
		return domain.SettlementResult{Round: r}, nil
	case err != nil:
		if errors.Is(err, domain.ErrSeedMissing) {
			s.logger.ErrorContext(ctx, "round cannot be settled",
				slog.Int64("round_id", roundID),
				slog.String("error", err.Error()),
			)
			s.deps.Alerts.SettlementFailed(ctx, roundID, err)
		}
		return domain.SettlementResult{}, err
	}

	if res.Settled {
		s.afterSettle(ctx, res, totals)
	}
	return res, nil
}

// TrySettleCurrent settles the round the current-round pointer references.
func (s *SettlementService) TrySettleCurrent(ctx context.Context) (domain.SettlementResult, error) {
	r, err := s.deps.Ledger.CurrentRound(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementResult{}, domain.ErrNoOpenRound
	}
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement: current round: %w", err)
	}
	return s.TrySettle(ctx, r.ID)
}

// settle computes and writes the settlement of an OPEN, ended round.
func (s *SettlementService) settle(ctx context.Context, tx domain.LedgerTx, r domain.Round, now time.Time) (domain.SettlementResult, []int64, error) {
	tickets, err := tx.BettorTickets(ctx, r.ID)
	if err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: aggregate tickets: %w", err)
	}
	totals, err := tx.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
	if err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: outcome totals: %w", err)
	}

	secret, err := s.revealSecret(r)
	if err != nil {
		return domain.SettlementResult{}, nil, err
	}
	result, err := draw.Run(secret, r.ID, r.EndsAt, totals)
	if err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: draw round %d: %w", r.ID, err)
	}

	pools := payout.Split(result.TotalTickets, s.game.UnitPrice, s.game.Shares, s.game.AmountDecimals)
	plan := payout.Distribute(r.ID, tickets, result.Winner, pools, s.game.AmountDecimals, now)

	ok, err := tx.SettleRound(ctx, domain.Settlement{
		RoundID:           r.ID,
		SettledAt:         now,
		WinningOutcome:    result.Winner,
		SeedReveal:        secret,
		SettlementSeed:    result.Seed,
		TotalTickets:      result.TotalTickets,
		EmissionsTotal:    pools.Stake,
		WinnerPool:        pools.Winner,
		ParticipationPool: pools.Participation,
		TreasuryCut:       pools.Treasury,
		DistributedTotal:  plan.Distributed,
	})
	if err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: write round %d: %w", r.ID, err)
	}
	if !ok {
		return domain.SettlementResult{}, nil, errRaceLost
	}

	if err := tx.InsertPayouts(ctx, plan.Payouts); err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: payouts: %w", err)
	}
	for _, c := range plan.Credits {
		if err := tx.CreditBalance(ctx, c.Account, c.Amount, now); err != nil {
			return domain.SettlementResult{}, nil, fmt.Errorf("settlement: credit %s: %w", c.Account, err)
		}
	}
	if pools.Treasury.IsPositive() && s.game.TreasuryAccount != "" {
		if err := tx.CreditBalance(ctx, s.game.TreasuryAccount, pools.Treasury, now); err != nil {
			return domain.SettlementResult{}, nil, fmt.Errorf("settlement: credit treasury: %w", err)
		}
	}

	settled, err := tx.GetRound(ctx, r.ID)
	if err != nil {
		return domain.SettlementResult{}, nil, fmt.Errorf("settlement: reload round %d: %w", r.ID, err)
	}
	return domain.SettlementResult{
		Round:        settled,
		Settled:      true,
		Payouts:      plan.Payouts,
		TicketNumber: result.TicketNumber,
	}, totals, nil
}

// revealSecret unseals the round secret and checks it against the commit.
// Settlement never substitutes fresh entropy for a missing secret.
func (s *SettlementService) revealSecret(r domain.Round) (string, error) {
	if r.SealedSecret == "" {
		return "", fmt.Errorf("settlement: round %d: %w", r.ID, domain.ErrSeedMissing)
	}
	secret, err := s.deps.Sealer.Unseal(r.SealedSecret)
	if err != nil {
		return "", fmt.Errorf("settlement: round %d: %w: %v", r.ID, domain.ErrSeedMissing, err)
	}
	if !draw.VerifyCommit(secret, r.SeedCommit) {
		return "", fmt.Errorf("settlement: round %d: %w: secret does not match commit", r.ID, domain.ErrSeedMissing)
	}
	return secret, nil
}

// afterSettle runs the best-effort side effects of a committed settlement.
func (s *SettlementService) afterSettle(ctx context.Context, res domain.SettlementResult, totals []int64) {
	r := res.Round
	winner := 0
	if r.WinningOutcome != nil {
		winner = *r.WinningOutcome
	}
	s.logger.InfoContext(ctx, "round settled",
		slog.Int64("round_id", r.ID),
		slog.Int("winning_outcome", winner),
		slog.Int64("total_tickets", r.TotalTickets),
		slog.String("distributed", r.DistributedTotal.String()),
		slog.Int("payouts", len(res.Payouts)),
	)

	s.deps.publish(ctx, s.logger, domain.ChannelRounds, domain.RoundEvent{
		Type:    domain.EventRoundSettled,
		RoundID: r.ID,
		At:      s.deps.Now().UTC(),
		Payload: map[string]any{
			"winning_outcome":           winner,
			"winning_label":             r.Label(winner),
			"total_tickets":             r.TotalTickets,
			"per_outcome_ticket_totals": totalsPayload(totals),
			"distributed_total":         r.DistributedTotal.String(),
		},
	})
	s.deps.audit(ctx, s.logger, "round.settled", map[string]any{
		"round_id":          r.ID,
		"winning_outcome":   winner,
		"total_tickets":     r.TotalTickets,
		"emissions_total":   r.EmissionsTotal.String(),
		"treasury_cut":      r.TreasuryCut.String(),
		"distributed_total": r.DistributedTotal.String(),
	})

	if s.deps.Archiver != nil {
		path, err := s.deps.Archiver.ArchiveProof(ctx, BuildProof(r, totals))
		if err != nil {
			s.logger.WarnContext(ctx, "archive proof failed",
				slog.Int64("round_id", r.ID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.DebugContext(ctx, "proof archived", slog.String("path", path))
		}
	}
	s.deps.Alerts.RoundSettled(ctx, r)
}

// BuildProof assembles the public verification data of a round. Reveal
// fields stay nil until the round is settled.
func BuildProof(r domain.Round, totals []int64) domain.FairnessProof {
	p := domain.FairnessProof{
		RoundID:        r.ID,
		Status:         string(r.Status),
		SeedCommit:     r.SeedCommit,
		SeedReveal:     r.SeedReveal,
		SettlementSeed: r.SettlementSeed,
		EndsAtUnixMs:   r.EndsAt.UnixMilli(),
		TotalTickets:   draw.Sum(totals),
		OutcomeTotals:  totalsPayload(totals),
		WinningOutcome: r.WinningOutcome,
		OutcomeLabels:  r.OutcomeLabels,
		SettledAt:      r.SettledAt,
	}
	if r.Status == domain.RoundStatusSettled {
		p.TotalTickets = r.TotalTickets
		if r.SettlementSeed != nil && r.TotalTickets > 0 {
			if t, err := draw.TicketNumber(*r.SettlementSeed, r.TotalTickets); err == nil {
				p.TicketNumber = &t
			}
		}
	}
	return p
}
