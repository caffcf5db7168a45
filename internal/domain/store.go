package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerReader is the read side of the ledger. Every method is usable both
// outside and inside a transaction.
type LedgerReader interface {
	// CurrentRound follows the current-round pointer. ErrNotFound when the
	// pointer has never been set.
	CurrentRound(ctx context.Context) (Round, error)
	GetRound(ctx context.Context, id int64) (Round, error)
	LatestSettledRound(ctx context.Context) (Round, error)
	// OutcomeTotals returns ticket counts indexed by outcome, zero-filled to
	// outcomeCount.
	OutcomeTotals(ctx context.Context, roundID int64, outcomeCount int) ([]int64, error)
	// BettorTickets aggregates tickets per (bettor, outcome), ordered by
	// bettor then outcome.
	BettorTickets(ctx context.Context, roundID int64) ([]BettorTickets, error)
	GetIntent(ctx context.Context, id string) (PaymentIntent, error)
	PaymentExists(ctx context.Context, reference string) (bool, error)
	ListPayments(ctx context.Context, roundID int64) ([]ConfirmedPayment, error)
	ListPayouts(ctx context.Context, roundID int64) ([]Payout, error)
	GetBalance(ctx context.Context, account string) (Balance, error)
	ListReconciliations(ctx context.Context, opts ListOpts) ([]Reconciliation, error)
}

// LedgerTx is the write side, only reachable inside Ledger.InTx.
type LedgerTx interface {
	LedgerReader

	// LockCurrentRound serializes round creation on the pointer row and
	// returns the id it references, or 0 when unset.
	LockCurrentRound(ctx context.Context) (int64, error)
	SetCurrentRound(ctx context.Context, roundID int64) error
	// LockRound reads a round and holds its row lock until the transaction
	// ends. Status transitions lock exclusively; entry writers lock shared so
	// they cannot interleave with a settlement's ticket aggregation.
	LockRound(ctx context.Context, id int64, exclusive bool) (Round, error)
	NextRoundID(ctx context.Context) (int64, error)
	InsertRound(ctx context.Context, r Round) error
	// SettleRound performs the OPEN -> SETTLED conditional write. It returns
	// false when the round was no longer OPEN.
	SettleRound(ctx context.Context, s Settlement) (bool, error)
	// CloseRound performs the OPEN -> CLOSED conditional write.
	CloseRound(ctx context.Context, roundID int64, at time.Time) (bool, error)

	InsertIntent(ctx context.Context, p PaymentIntent) error
	// ConsumeIntent deletes the intent and reports whether it still existed.
	ConsumeIntent(ctx context.Context, id string) (bool, error)
	PurgeExpiredIntents(ctx context.Context, now time.Time) (int64, error)
	// InsertPayment returns ErrPaymentReplayed when the reference exists.
	InsertPayment(ctx context.Context, p ConfirmedPayment) error
	InsertEntry(ctx context.Context, e Entry) (int64, error)
	InsertPayouts(ctx context.Context, payouts []Payout) error
	CreditBalance(ctx context.Context, account string, amount decimal.Decimal, at time.Time) error
	InsertReconciliation(ctx context.Context, r Reconciliation) error
}

// Ledger is the engine's durable source of truth. All multi-step mutations
// run inside InTx; returning an error from fn rolls every write back.
type Ledger interface {
	LedgerReader
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
