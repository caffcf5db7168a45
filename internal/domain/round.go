package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus tracks the round lifecycle.
type RoundStatus string

const (
	RoundStatusOpen    RoundStatus = "OPEN"
	RoundStatusSettled RoundStatus = "SETTLED"
	RoundStatusClosed  RoundStatus = "CLOSED"
)

// Round is one timed betting cycle over a fixed set of outcomes.
type Round struct {
	ID           int64
	Status       RoundStatus
	StartedAt    time.Time
	EndsAt       time.Time
	SettledAt    *time.Time
	OutcomeCount int
	Mode         string
	// OutcomeLabels holds one unique label per outcome slot.
	OutcomeLabels []string

	// SeedCommit is sha256 of the secret, published at creation.
	SeedCommit string
	// SealedSecret is the commit secret as stored at rest. Never exposed.
	SealedSecret string
	// SeedReveal is the plaintext secret, set only by settlement.
	SeedReveal *string
	// SettlementSeed is the hash the draw was derived from.
	SettlementSeed *string

	WinningOutcome    *int
	TotalTickets      int64
	EmissionsTotal    decimal.Decimal
	WinnerPool        decimal.Decimal
	ParticipationPool decimal.Decimal
	TreasuryCut       decimal.Decimal
	DistributedTotal  decimal.Decimal
}

// AcceptsEntries reports whether an entry created at now is allowed under
// the cutoff rule: rejected once now > ends_at - margin.
func (r Round) AcceptsEntries(now time.Time, margin time.Duration) error {
	if r.Status != RoundStatusOpen {
		return ErrRoundClosed
	}
	if now.After(r.CutoffAt(margin)) {
		return ErrEntryCutoff
	}
	return nil
}

// CutoffAt is the last instant at which entries are accepted.
func (r Round) CutoffAt(margin time.Duration) time.Time {
	return r.EndsAt.Add(-margin)
}

// Ended reports whether the round reached its end time.
func (r Round) Ended(now time.Time) bool {
	return !now.Before(r.EndsAt)
}

// Label returns the label for outcome i, or "" when out of range.
func (r Round) Label(i int) string {
	if i < 0 || i >= len(r.OutcomeLabels) {
		return ""
	}
	return r.OutcomeLabels[i]
}

// SettlementResult is the outcome of one TrySettle call.
type SettlementResult struct {
	Round Round
	// Settled is true only for the caller whose conditional write moved the
	// round from OPEN to SETTLED. Losers of the race observe Settled=false
	// and the winner's persisted result.
	Settled bool
	// Payouts is populated for the settling caller only.
	Payouts []Payout
	// TicketNumber is the drawn ticket, nil when the round had no tickets.
	TicketNumber *uint64
}

// Settlement is the write set of the OPEN -> SETTLED transition.
type Settlement struct {
	RoundID           int64
	SettledAt         time.Time
	WinningOutcome    int
	SeedReveal        string
	SettlementSeed    string
	TotalTickets      int64
	EmissionsTotal    decimal.Decimal
	WinnerPool        decimal.Decimal
	ParticipationPool decimal.Decimal
	TreasuryCut       decimal.Decimal
	DistributedTotal  decimal.Decimal
}

// RoundSummary is the derived read model behind the summary endpoint.
type RoundSummary struct {
	Round            Round
	OutcomeTotals    []int64
	ParticipantCount int
	WinnerLabel      string
}
