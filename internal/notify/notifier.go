// Package notify delivers operator alerts about rounds to chat channels
// (Telegram, Discord). Alerts can be filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// Alert event types accepted by the notify.events filter.
const (
	EventRoundSettled     = "round_settled"
	EventPaymentRefunded  = "payment_refunded"
	EventSettlementFailed = "settlement_failed"
	EventRoundForced      = "round_forced"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to every registered Sender. Delivery is best
// effort: failures are logged and returned but never affect the ledger.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders. Only events listed in events
// are forwarded; an empty list allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// RoundSettled announces the winner and pool split of a settled round.
func (n *Notifier) RoundSettled(ctx context.Context, r domain.Round) {
	winner := "none"
	if r.WinningOutcome != nil {
		winner = fmt.Sprintf("#%d %s", *r.WinningOutcome, r.Label(*r.WinningOutcome))
	}
	msg := fmt.Sprintf(
		"Winner: %s\nTickets: %d\nStake: %s\nWinner pool: %s\nParticipation pool: %s\nTreasury: %s\nDistributed: %s",
		winner, r.TotalTickets, r.EmissionsTotal, r.WinnerPool, r.ParticipationPool, r.TreasuryCut, r.DistributedTotal,
	)
	_ = n.Notify(ctx, EventRoundSettled, fmt.Sprintf("Round %d settled", r.ID), msg)
}

// PaymentRefunded reports a payment that was credited back to the bettor.
func (n *Notifier) PaymentRefunded(ctx context.Context, rec domain.Reconciliation) {
	msg := fmt.Sprintf("Bettor: %s\nReference: %s\nAmount: %s\nReason: %s",
		rec.Bettor, rec.PaymentReference, rec.Amount, rec.Reason)
	_ = n.Notify(ctx, EventPaymentRefunded, fmt.Sprintf("Round %d refund (%s)", rec.RoundID, rec.Kind), msg)
}

// SettlementFailed alerts operators that a round could not be settled.
func (n *Notifier) SettlementFailed(ctx context.Context, roundID int64, err error) {
	_ = n.Notify(ctx, EventSettlementFailed, fmt.Sprintf("Round %d settlement failed", roundID), err.Error())
}

// RoundForced reports an admin force-close of an open round.
func (n *Notifier) RoundForced(ctx context.Context, closedID, openedID int64, refunds int) {
	msg := fmt.Sprintf("Closed round %d, opened round %d, refunded %d payment(s)", closedID, openedID, refunds)
	_ = n.Notify(ctx, EventRoundForced, "Round force-closed", msg)
}
