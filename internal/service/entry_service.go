package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

const (
	// reconAutoRefunded is the status of refunds settled by a balance credit.
	reconAutoRefunded = "auto_refunded"
	// metaRefunded marks a confirmed payment that was refunded instead of
	// buying an entry.
	metaRefunded = "refunded"
)

// EntryService binds chain payments to entries through short-lived intents.
type EntryService struct {
	deps    Deps
	game    GameConfig
	payment PaymentConfig
	limit   RateLimit
	logger  *slog.Logger
}

// NewEntryService creates an EntryService.
func NewEntryService(deps Deps, game GameConfig, payment PaymentConfig, limit RateLimit) *EntryService {
	deps = deps.withDefaults()
	return &EntryService{
		deps:    deps,
		game:    game,
		payment: payment,
		limit:   limit,
		logger:  deps.Logger.With(slog.String("component", "entry_service")),
	}
}

// CreateIntent records what bettor intends to buy and returns the payment
// instructions. Nothing is bought until ConfirmEntry.
func (s *EntryService) CreateIntent(ctx context.Context, bettor string, outcome int, quantity int64) (domain.EntryIntent, error) {
	if err := s.allow(ctx, "intent:"+bettor); err != nil {
		return domain.EntryIntent{}, err
	}
	if err := s.validQuantity(quantity); err != nil {
		return domain.EntryIntent{}, err
	}

	r, err := s.deps.Ledger.CurrentRound(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.EntryIntent{}, domain.ErrNoOpenRound
	}
	if err != nil {
		return domain.EntryIntent{}, fmt.Errorf("entry_service: current round: %w", err)
	}
	if outcome < 0 || outcome >= r.OutcomeCount {
		return domain.EntryIntent{}, fmt.Errorf("entry_service: outcome %d of %d: %w", outcome, r.OutcomeCount, domain.ErrInvalidOutcome)
	}
	now := s.deps.Now().UTC()
	if err := openForEntries(r, now, s.game); err != nil {
		return domain.EntryIntent{}, err
	}

	amount := s.game.UnitPrice.Mul(decimal.NewFromInt(quantity))
	intent := domain.PaymentIntent{
		ID:           uuid.NewString(),
		Bettor:       bettor,
		RoundID:      r.ID,
		OutcomeIndex: outcome,
		Quantity:     quantity,
		Amount:       amount,
		Destination:  s.payment.Destination,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.game.IntentTTL),
	}
	err = s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.InsertIntent(ctx, intent)
	})
	if err != nil {
		return domain.EntryIntent{}, fmt.Errorf("entry_service: create intent: %w", err)
	}

	s.logger.DebugContext(ctx, "intent created",
		slog.String("intent_id", intent.ID),
		slog.Int64("round_id", r.ID),
		slog.String("bettor", bettor),
	)
	return domain.EntryIntent{
		IntentID:       intent.ID,
		RoundID:        r.ID,
		OutcomeIndex:   outcome,
		Quantity:       quantity,
		RequiredAmount: amount,
		BaseUnits:      amount.Shift(s.payment.TokenDecimals).Truncate(0).String(),
		Destination:    s.payment.Destination,
		Token:          s.payment.Token,
		ChainID:        s.payment.ChainID,
		ExpiresAt:      intent.ExpiresAt,
	}, nil
}

// ConfirmEntry verifies the payment for an intent and writes the entry. A
// verified payment that cannot buy the entry, because the round stopped
// accepting entries or the intent is gone by the time it is consumed, is
// still recorded and refunded to the bettor's balance. That case is reported
// as a *domain.RefundedError.
func (s *EntryService) ConfirmEntry(ctx context.Context, bettor, intentID, reference string) (domain.EntryReceipt, error) {
	if _, err := uuid.Parse(intentID); err != nil {
		return domain.EntryReceipt{}, domain.ErrIntentNotFound
	}
	reference = strings.ToLower(strings.TrimSpace(reference))
	if reference == "" {
		return domain.EntryReceipt{}, fmt.Errorf("entry_service: %w: payment reference required", domain.ErrInvalidRequest)
	}

	intent, err := s.deps.Ledger.GetIntent(ctx, intentID)
	if err != nil {
		return domain.EntryReceipt{}, fmt.Errorf("entry_service: load intent: %w", err)
	}
	if intent.Bettor != bettor {
		return domain.EntryReceipt{}, domain.ErrIntentOwner
	}
	if intent.Expired(s.deps.Now()) {
		return domain.EntryReceipt{}, domain.ErrIntentExpired
	}
	seen, err := s.deps.Ledger.PaymentExists(ctx, reference)
	if err != nil {
		return domain.EntryReceipt{}, fmt.Errorf("entry_service: check reference: %w", err)
	}
	if seen {
		return domain.EntryReceipt{}, domain.ErrPaymentReplayed
	}

	verified, err := s.deps.Verifier.Verify(ctx, domain.PaymentCheck{
		Reference:   reference,
		Payer:       bettor,
		Destination: intent.Destination,
		Amount:      intent.Amount,
	})
	if err != nil {
		s.logger.InfoContext(ctx, "payment verification failed",
			slog.String("intent_id", intentID),
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return domain.EntryReceipt{}, fmt.Errorf("entry_service: verify payment: %w", err)
	}
	paid := intent.Amount
	if verified.Amount.GreaterThan(paid) {
		paid = verified.Amount
	}

	var (
		receipt domain.EntryReceipt
		late    *domain.Reconciliation
	)
	err = s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		now := s.deps.Now().UTC()
		r, err := tx.LockRound(ctx, intent.RoundID, false)
		if err != nil {
			return fmt.Errorf("entry_service: load round %d: %w", intent.RoundID, err)
		}
		entryErr := openForEntries(r, now, s.game)
		kind := domain.ReconLatePayment

		ok, err := tx.ConsumeIntent(ctx, intent.ID)
		if err != nil {
			return fmt.Errorf("entry_service: consume intent: %w", err)
		}
		if !ok {
			entryErr = domain.ErrIntentNotFound
			kind = domain.ReconUnmatched
		}

		payment := domain.ConfirmedPayment{
			Reference:   reference,
			Bettor:      bettor,
			Amount:      paid,
			IntentID:    intent.ID,
			RoundID:     intent.RoundID,
			ConfirmedAt: now,
			Metadata: map[string]any{
				"block":         verified.Block,
				"outcome_index": intent.OutcomeIndex,
				"quantity":      intent.Quantity,
			},
		}
		if entryErr != nil {
			payment.Metadata[metaRefunded] = true
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("entry_service: record payment: %w", err)
		}

		if entryErr != nil {
			rec := domain.Reconciliation{
				Kind:             kind,
				RoundID:          intent.RoundID,
				Bettor:           bettor,
				PaymentReference: reference,
				Amount:           paid,
				Status:           reconAutoRefunded,
				Reason:           entryErr.Error(),
				CreatedAt:        now,
			}
			if err := refund(ctx, tx, rec); err != nil {
				return err
			}
			late = &rec
			return nil
		}

		ref := reference
		entryID, err := tx.InsertEntry(ctx, domain.Entry{
			RoundID:          intent.RoundID,
			Bettor:           bettor,
			OutcomeIndex:     intent.OutcomeIndex,
			Quantity:         intent.Quantity,
			Source:           domain.EntrySourcePaid,
			PaymentReference: &ref,
			CreatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("entry_service: insert entry: %w", err)
		}
		totals, err := tx.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
		if err != nil {
			return fmt.Errorf("entry_service: outcome totals: %w", err)
		}
		receipt = domain.EntryReceipt{
			RoundID:      r.ID,
			EntryID:      entryID,
			OutcomeIndex: intent.OutcomeIndex,
			Quantity:     intent.Quantity,
			TicketTotals: totals,
		}
		return nil
	})
	if err != nil {
		return domain.EntryReceipt{}, err
	}

	if late != nil {
		s.lateRefunded(ctx, *late)
		out := &domain.RefundedError{
			RoundID:          late.RoundID,
			PaymentReference: late.PaymentReference,
			Amount:           late.Amount.String(),
		}
		if late.Kind == domain.ReconUnmatched {
			out.Cause = domain.ErrIntentNotFound
		}
		return domain.EntryReceipt{}, out
	}
	s.entryConfirmed(ctx, bettor, receipt, domain.EntrySourcePaid)
	return receipt, nil
}

// FreeEntry writes an unpaid entry into the current round when free entries
// are enabled.
func (s *EntryService) FreeEntry(ctx context.Context, bettor string, outcome int, quantity int64) (domain.EntryReceipt, error) {
	if !s.game.FreeEntries {
		return domain.EntryReceipt{}, domain.ErrFreeEntryDisabled
	}
	if err := s.allow(ctx, "free:"+bettor); err != nil {
		return domain.EntryReceipt{}, err
	}
	if err := s.validQuantity(quantity); err != nil {
		return domain.EntryReceipt{}, err
	}

	var receipt domain.EntryReceipt
	err := s.deps.Ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		cur, err := tx.CurrentRound(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNoOpenRound
		}
		if err != nil {
			return fmt.Errorf("entry_service: current round: %w", err)
		}
		r, err := tx.LockRound(ctx, cur.ID, false)
		if err != nil {
			return fmt.Errorf("entry_service: lock round %d: %w", cur.ID, err)
		}
		if outcome < 0 || outcome >= r.OutcomeCount {
			return fmt.Errorf("entry_service: outcome %d of %d: %w", outcome, r.OutcomeCount, domain.ErrInvalidOutcome)
		}
		now := s.deps.Now().UTC()
		if err := openForEntries(r, now, s.game); err != nil {
			return err
		}

		entryID, err := tx.InsertEntry(ctx, domain.Entry{
			RoundID:      r.ID,
			Bettor:       bettor,
			OutcomeIndex: outcome,
			Quantity:     quantity,
			Source:       domain.EntrySourceFree,
			CreatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("entry_service: insert free entry: %w", err)
		}
		totals, err := tx.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
		if err != nil {
			return fmt.Errorf("entry_service: outcome totals: %w", err)
		}
		receipt = domain.EntryReceipt{
			RoundID:      r.ID,
			EntryID:      entryID,
			OutcomeIndex: outcome,
			Quantity:     quantity,
			TicketTotals: totals,
		}
		return nil
	})
	if err != nil {
		return domain.EntryReceipt{}, err
	}
	s.entryConfirmed(ctx, bettor, receipt, domain.EntrySourceFree)
	return receipt, nil
}

func (s *EntryService) allow(ctx context.Context, key string) error {
	if s.deps.Limiter == nil || s.limit.Limit <= 0 {
		return nil
	}
	ok, err := s.deps.Limiter.Allow(ctx, key, s.limit.Limit, s.limit.Window)
	if err != nil {
		// Limiter outages fail open.
		s.logger.WarnContext(ctx, "rate limiter unavailable",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func (s *EntryService) validQuantity(quantity int64) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	if s.game.MaxQuantity > 0 && quantity > s.game.MaxQuantity {
		return fmt.Errorf("entry_service: quantity %d above %d: %w", quantity, s.game.MaxQuantity, domain.ErrInvalidQuantity)
	}
	return nil
}

func (s *EntryService) entryConfirmed(ctx context.Context, bettor string, receipt domain.EntryReceipt, source domain.EntrySource) {
	s.logger.InfoContext(ctx, "entry confirmed",
		slog.Int64("round_id", receipt.RoundID),
		slog.Int64("entry_id", receipt.EntryID),
		slog.String("bettor", bettor),
		slog.String("source", string(source)),
		slog.Int64("quantity", receipt.Quantity),
	)
	s.deps.publish(ctx, s.logger, domain.ChannelEntries, domain.RoundEvent{
		Type:    domain.EventEntryConfirmed,
		RoundID: receipt.RoundID,
		At:      s.deps.Now().UTC(),
		Payload: map[string]any{
			"outcome_index":             receipt.OutcomeIndex,
			"quantity":                  receipt.Quantity,
			"per_outcome_ticket_totals": totalsPayload(receipt.TicketTotals),
		},
	})
}

func (s *EntryService) lateRefunded(ctx context.Context, rec domain.Reconciliation) {
	s.logger.WarnContext(ctx, "payment refunded",
		slog.String("kind", string(rec.Kind)),
		slog.Int64("round_id", rec.RoundID),
		slog.String("bettor", rec.Bettor),
		slog.String("reference", rec.PaymentReference),
		slog.String("amount", rec.Amount.String()),
	)
	s.deps.publish(ctx, s.logger, domain.ChannelEntries, domain.RoundEvent{
		Type:    domain.EventPaymentRefunded,
		RoundID: rec.RoundID,
		At:      rec.CreatedAt,
		Payload: map[string]any{"payment_reference": rec.PaymentReference, "amount": rec.Amount.String()},
	})
	s.deps.audit(ctx, s.logger, "payment.refunded", reconDetail(rec))
	s.deps.Alerts.PaymentRefunded(ctx, rec)
}

// openForEntries applies the cutoff rule, reporting a round that is no
// longer OPEN as ErrRoundClosed.
func openForEntries(r domain.Round, now time.Time, game GameConfig) error {
	return r.AcceptsEntries(now, game.CutoffMargin)
}

// refund credits rec.Amount to the bettor and records the reconciliation.
func refund(ctx context.Context, tx domain.LedgerTx, rec domain.Reconciliation) error {
	if err := tx.CreditBalance(ctx, rec.Bettor, rec.Amount, rec.CreatedAt); err != nil {
		return fmt.Errorf("service: refund %s: %w", rec.PaymentReference, err)
	}
	if err := tx.InsertReconciliation(ctx, rec); err != nil {
		return fmt.Errorf("service: reconcile %s: %w", rec.PaymentReference, err)
	}
	return nil
}

func alreadyRefunded(p domain.ConfirmedPayment) bool {
	v, ok := p.Metadata[metaRefunded].(bool)
	return ok && v
}

func reconDetail(rec domain.Reconciliation) map[string]any {
	return map[string]any{
		"kind":              string(rec.Kind),
		"round_id":          rec.RoundID,
		"bettor":            rec.Bettor,
		"payment_reference": rec.PaymentReference,
		"amount":            rec.Amount.String(),
		"reason":            rec.Reason,
	}
}
