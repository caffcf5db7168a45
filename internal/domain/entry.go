package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntrySource records how an entry was paid for.
type EntrySource string

const (
	EntrySourcePaid EntrySource = "paid"
	EntrySourceFree EntrySource = "free"
)

// Entry is an append-only ticket purchase on one outcome.
type Entry struct {
	ID               int64
	RoundID          int64
	Bettor           string
	OutcomeIndex     int
	Quantity         int64
	Source           EntrySource
	PaymentReference *string
	CreatedAt        time.Time
}

// BettorTickets is one (bettor, outcome) aggregate row.
type BettorTickets struct {
	Bettor       string
	OutcomeIndex int
	Tickets      int64
}

// PaymentIntent binds a pending chain payment to a specific entry.
type PaymentIntent struct {
	ID           string
	Bettor       string
	RoundID      int64
	OutcomeIndex int
	Quantity     int64
	Amount       decimal.Decimal
	Destination  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the intent can no longer be confirmed.
func (p PaymentIntent) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ConfirmedPayment is keyed by its external reference, which guarantees any
// given chain payment is credited at most once.
type ConfirmedPayment struct {
	Reference   string
	Bettor      string
	Amount      decimal.Decimal
	IntentID    string
	RoundID     int64
	Metadata    map[string]any
	ConfirmedAt time.Time
}

// PaymentCheck is what the external verifier must confirm.
type PaymentCheck struct {
	Reference   string
	Payer       string
	Destination string
	Amount      decimal.Decimal
}

// VerifiedPayment is the verifier's view of a successful payment.
type VerifiedPayment struct {
	Reference string
	Payer     string
	Amount    decimal.Decimal
	Block     uint64
}

// EntryIntent is returned to a bettor who asked to buy tickets.
type EntryIntent struct {
	IntentID       string
	RoundID        int64
	OutcomeIndex   int
	Quantity       int64
	RequiredAmount decimal.Decimal
	BaseUnits      string
	Destination    string
	Token          string
	ChainID        int64
	ExpiresAt      time.Time
}

// EntryReceipt is returned after an entry was written.
type EntryReceipt struct {
	RoundID      int64
	EntryID      int64
	OutcomeIndex int
	Quantity     int64
	TicketTotals []int64
}

// PaymentVerifier confirms that a chain payment matches a PaymentCheck.
// Failures wrap ErrPaymentNotFound, ErrPaymentPending, ErrPaymentUnderpaid or
// ErrPaymentMismatch.
type PaymentVerifier interface {
	Verify(ctx context.Context, check PaymentCheck) (VerifiedPayment, error)
}
