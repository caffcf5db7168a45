package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutKind identifies which pool a payout row came from.
type PayoutKind string

const (
	PayoutKindWinner        PayoutKind = "winner"
	PayoutKindParticipation PayoutKind = "participation"
)

// Payout is an append-only audit record of one credit.
type Payout struct {
	ID        int64
	RoundID   int64
	Recipient string
	Kind      PayoutKind
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// RankedPayout aggregates a recipient's payouts for one round.
type RankedPayout struct {
	Recipient string
	Total     decimal.Decimal
	Winner    decimal.Decimal
	Share     decimal.Decimal
}

// Balance is a recipient's cumulative withdrawable amount.
type Balance struct {
	Account   string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// ReconciliationKind names why a refund obligation exists.
type ReconciliationKind string

const (
	ReconLatePayment ReconciliationKind = "late_payment_refund"
	ReconForcedClose ReconciliationKind = "forced_close_refund"
	// ReconUnmatched is a verified payment whose intent was consumed or
	// purged while verification ran.
	ReconUnmatched ReconciliationKind = "unmatched_payment_refund"
)

// Reconciliation records a payment that did not buy a settled entry and was
// refunded to the payer's balance.
type Reconciliation struct {
	ID               int64
	Kind             ReconciliationKind
	RoundID          int64
	Bettor           string
	PaymentReference string
	Amount           decimal.Decimal
	Status           string
	Reason           string
	CreatedAt        time.Time
}
