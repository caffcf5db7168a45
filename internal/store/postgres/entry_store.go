package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// OutcomeTotals sums ticket quantities per outcome.
func (q *queries) OutcomeTotals(ctx context.Context, roundID int64, outcomeCount int) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
		SELECT outcome_index, SUM(quantity)::bigint
		FROM entries WHERE round_id = $1
		GROUP BY outcome_index`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: outcome totals round %d: %w", roundID, err)
	}
	defer rows.Close()

	totals := make([]int64, outcomeCount)
	for rows.Next() {
		var idx int
		var sum int64
		if err := rows.Scan(&idx, &sum); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome total: %w", err)
		}
		if idx < 0 || idx >= outcomeCount {
			return nil, fmt.Errorf("postgres: round %d has entry on outcome %d of %d", roundID, idx, outcomeCount)
		}
		totals[idx] = sum
	}
	return totals, rows.Err()
}

// BettorTickets aggregates tickets per (bettor, outcome).
func (q *queries) BettorTickets(ctx context.Context, roundID int64) ([]domain.BettorTickets, error) {
	rows, err := q.db.Query(ctx, `
		SELECT bettor, outcome_index, SUM(quantity)::bigint
		FROM entries WHERE round_id = $1
		GROUP BY bettor, outcome_index
		ORDER BY bettor, outcome_index`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: bettor tickets round %d: %w", roundID, err)
	}
	defer rows.Close()

	var list []domain.BettorTickets
	for rows.Next() {
		var bt domain.BettorTickets
		if err := rows.Scan(&bt.Bettor, &bt.OutcomeIndex, &bt.Tickets); err != nil {
			return nil, fmt.Errorf("postgres: scan bettor tickets: %w", err)
		}
		list = append(list, bt)
	}
	return list, rows.Err()
}

// InsertEntry appends an entry and returns its id.
func (q *queries) InsertEntry(ctx context.Context, e domain.Entry) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO entries (round_id, bettor, outcome_index, quantity, source, payment_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.RoundID, e.Bettor, e.OutcomeIndex, e.Quantity, string(e.Source), e.PaymentReference, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		if uniqueViolation(err, "entries_payment_reference_key") {
			return 0, fmt.Errorf("postgres: insert entry: %w", domain.ErrPaymentReplayed)
		}
		return 0, fmt.Errorf("postgres: insert entry round %d: %w", e.RoundID, err)
	}
	return id, nil
}

// InsertIntent persists a payment intent.
func (q *queries) InsertIntent(ctx context.Context, p domain.PaymentIntent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payment_intents (id, bettor, round_id, outcome_index, quantity, amount, destination, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
		p.ID, p.Bettor, p.RoundID, p.OutcomeIndex, p.Quantity, p.Amount.String(), p.Destination, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert intent %s: %w", p.ID, err)
	}
	return nil
}

// GetIntent returns an unconsumed intent, expired or not.
func (q *queries) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	var amount string
	err := q.db.QueryRow(ctx, `
		SELECT id::text, bettor, round_id, outcome_index, quantity, amount::text, destination, created_at, expires_at
		FROM payment_intents WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Bettor, &p.RoundID, &p.OutcomeIndex, &p.Quantity, &amount, &p.Destination, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentIntent{}, domain.ErrIntentNotFound
		}
		return domain.PaymentIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	if p.Amount, err = parseAmount(amount); err != nil {
		return domain.PaymentIntent{}, err
	}
	return p, nil
}

// ConsumeIntent deletes the intent. Under concurrent confirmations exactly
// one caller observes true.
func (q *queries) ConsumeIntent(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM payment_intents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: consume intent %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpiredIntents removes intents that can no longer be confirmed.
func (q *queries) PurgeExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM payment_intents WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge expired intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PaymentExists reports whether a payment reference was already recorded.
func (q *queries) PaymentExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM confirmed_payments WHERE payment_reference = $1)`,
		reference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: payment exists %s: %w", reference, err)
	}
	return exists, nil
}

// InsertPayment records a confirmed payment keyed by its reference.
func (q *queries) InsertPayment(ctx context.Context, p domain.ConfirmedPayment) error {
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal payment metadata: %w", err)
	}

	_, err = q.db.Exec(ctx, `
		INSERT INTO confirmed_payments (payment_reference, bettor, amount, intent_id, round_id, metadata, confirmed_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)`,
		p.Reference, p.Bettor, p.Amount.String(), p.IntentID, p.RoundID, metaJSON, p.ConfirmedAt,
	)
	if err != nil {
		if uniqueViolation(err, "confirmed_payments_pkey") {
			return fmt.Errorf("postgres: insert payment %s: %w", p.Reference, domain.ErrPaymentReplayed)
		}
		return fmt.Errorf("postgres: insert payment %s: %w", p.Reference, err)
	}
	return nil
}

// ListPayments returns the confirmed payments attributed to a round.
func (q *queries) ListPayments(ctx context.Context, roundID int64) ([]domain.ConfirmedPayment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT payment_reference, bettor, amount::text, intent_id::text, round_id, metadata, confirmed_at
		FROM confirmed_payments WHERE round_id = $1
		ORDER BY confirmed_at, payment_reference`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payments round %d: %w", roundID, err)
	}
	defer rows.Close()

	var list []domain.ConfirmedPayment
	for rows.Next() {
		var p domain.ConfirmedPayment
		var amount string
		var metaJSON []byte
		if err := rows.Scan(&p.Reference, &p.Bettor, &amount, &p.IntentID, &p.RoundID, &metaJSON, &p.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payment: %w", err)
		}
		if p.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal payment metadata: %w", err)
			}
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
