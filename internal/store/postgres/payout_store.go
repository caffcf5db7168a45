package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// InsertPayouts writes all payout rows of a settlement in one batch.
func (q *queries) InsertPayouts(ctx context.Context, payouts []domain.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range payouts {
		batch.Queue(`
			INSERT INTO payouts (round_id, recipient, kind, amount, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5)`,
			p.RoundID, p.Recipient, string(p.Kind), p.Amount.String(), p.CreatedAt,
		)
	}
	br := q.db.SendBatch(ctx, batch)
	for i := range payouts {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: insert payout %d of round %d: %w", i, payouts[i].RoundID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close payout batch: %w", err)
	}
	return nil
}

// ListPayouts returns every payout row of a round in insertion order.
func (q *queries) ListPayouts(ctx context.Context, roundID int64) ([]domain.Payout, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, round_id, recipient, kind, amount::text, created_at
		FROM payouts WHERE round_id = $1 ORDER BY id`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts round %d: %w", roundID, err)
	}
	defer rows.Close()

	var list []domain.Payout
	for rows.Next() {
		var p domain.Payout
		var kind, amount string
		if err := rows.Scan(&p.ID, &p.RoundID, &p.Recipient, &kind, &amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.Kind = domain.PayoutKind(kind)
		if p.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// GetBalance returns an account's balance; unknown accounts hold zero.
func (q *queries) GetBalance(ctx context.Context, account string) (domain.Balance, error) {
	b := domain.Balance{Account: account, Amount: decimal.Zero}
	var amount string
	err := q.db.QueryRow(ctx,
		`SELECT amount::text, updated_at FROM balances WHERE account = $1`,
		account,
	).Scan(&amount, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, nil
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s: %w", account, err)
	}
	if b.Amount, err = parseAmount(amount); err != nil {
		return domain.Balance{}, err
	}
	return b, nil
}

// CreditBalance atomically increments an account's balance.
func (q *queries) CreditBalance(ctx context.Context, account string, amount decimal.Decimal, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("postgres: credit %s with negative amount %s", account, amount)
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO balances (account, amount, updated_at) VALUES ($1, $2::numeric, $3)
		ON CONFLICT (account) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		account, amount.String(), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: credit balance %s: %w", account, err)
	}
	return nil
}

// InsertReconciliation records a refund obligation that was settled by a
// balance credit.
func (q *queries) InsertReconciliation(ctx context.Context, r domain.Reconciliation) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO reconciliations (kind, round_id, bettor, payment_reference, amount, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		string(r.Kind), r.RoundID, r.Bettor, r.PaymentReference, r.Amount.String(), r.Status, r.Reason, r.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "") {
			return fmt.Errorf("postgres: insert reconciliation %s: %w", r.PaymentReference, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert reconciliation %s: %w", r.PaymentReference, err)
	}
	return nil
}

// ListReconciliations returns reconciliation rows, newest first.
func (q *queries) ListReconciliations(ctx context.Context, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	query, args := pageQuery(`SELECT id, kind, round_id, bettor, payment_reference, amount::text, status, reason, created_at
		FROM reconciliations`, "created_at", opts)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliations: %w", err)
	}
	defer rows.Close()

	var list []domain.Reconciliation
	for rows.Next() {
		var r domain.Reconciliation
		var kind, amount string
		if err := rows.Scan(&r.ID, &kind, &r.RoundID, &r.Bettor, &r.PaymentReference, &amount, &r.Status, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation: %w", err)
		}
		r.Kind = domain.ReconciliationKind(kind)
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}
