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

const roundColumns = `id, status, started_at, ends_at, settled_at, outcome_count, mode, outcome_labels,
	seed_commit, sealed_secret, seed_reveal, settlement_seed, winning_outcome, total_tickets,
	emissions_total::text, winner_pool::text, participation_pool::text, treasury_cut::text, distributed_total::text`

func scanRound(row pgx.Row) (domain.Round, error) {
	var r domain.Round
	var status string
	var emissions, winner, participation, treasury, distributed string
	err := row.Scan(
		&r.ID, &status, &r.StartedAt, &r.EndsAt, &r.SettledAt, &r.OutcomeCount, &r.Mode, &r.OutcomeLabels,
		&r.SeedCommit, &r.SealedSecret, &r.SeedReveal, &r.SettlementSeed, &r.WinningOutcome, &r.TotalTickets,
		&emissions, &winner, &participation, &treasury, &distributed,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.Status = domain.RoundStatus(status)

	dst := []*decimal.Decimal{&r.EmissionsTotal, &r.WinnerPool, &r.ParticipationPool, &r.TreasuryCut, &r.DistributedTotal}
	for i, src := range []string{emissions, winner, participation, treasury, distributed} {
		d, err := parseAmount(src)
		if err != nil {
			return domain.Round{}, err
		}
		*dst[i] = d
	}
	return r, nil
}

func (q *queries) getRound(ctx context.Context, query string, args ...any) (domain.Round, error) {
	r, err := scanRound(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round: %w", err)
	}
	return r, nil
}

// CurrentRound follows the singleton pointer row.
func (q *queries) CurrentRound(ctx context.Context) (domain.Round, error) {
	return q.getRound(ctx, `SELECT `+roundColumns+` FROM rounds
		WHERE id = (SELECT round_id FROM current_round WHERE singleton)`)
}

// GetRound returns a round by id.
func (q *queries) GetRound(ctx context.Context, id int64) (domain.Round, error) {
	return q.getRound(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
}

// LatestSettledRound returns the most recently settled round.
func (q *queries) LatestSettledRound(ctx context.Context) (domain.Round, error) {
	return q.getRound(ctx, `SELECT `+roundColumns+` FROM rounds
		WHERE status = 'SETTLED' ORDER BY settled_at DESC, id DESC LIMIT 1`)
}

// LockRound reads a round under FOR UPDATE or FOR SHARE.
func (q *queries) LockRound(ctx context.Context, id int64, exclusive bool) (domain.Round, error) {
	lock := " FOR SHARE"
	if exclusive {
		lock = " FOR UPDATE"
	}
	return q.getRound(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`+lock, id)
}

// LockCurrentRound takes a row lock on the pointer for the rest of the
// transaction and returns the referenced round id.
func (q *queries) LockCurrentRound(ctx context.Context) (int64, error) {
	var id *int64
	err := q.db.QueryRow(ctx, `SELECT round_id FROM current_round WHERE singleton FOR UPDATE`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: lock current round: %w", err)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// SetCurrentRound repoints the singleton.
func (q *queries) SetCurrentRound(ctx context.Context, roundID int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO current_round (singleton, round_id, updated_at) VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton) DO UPDATE SET round_id = EXCLUDED.round_id, updated_at = NOW()`,
		roundID,
	)
	if err != nil {
		return fmt.Errorf("postgres: set current round %d: %w", roundID, err)
	}
	return nil
}

// NextRoundID reserves an id from the rounds sequence.
func (q *queries) NextRoundID(ctx context.Context) (int64, error) {
	var id int64
	if err := q.db.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('rounds', 'id'))`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next round id: %w", err)
	}
	return id, nil
}

// InsertRound writes a new OPEN round. A second OPEN round violates
// rounds_one_open and is reported as ErrAlreadyExists.
func (q *queries) InsertRound(ctx context.Context, r domain.Round) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO rounds (id, status, started_at, ends_at, outcome_count, mode, outcome_labels, seed_commit, sealed_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Status), r.StartedAt, r.EndsAt, r.OutcomeCount, r.Mode, r.OutcomeLabels,
		r.SeedCommit, r.SealedSecret,
	)
	if err != nil {
		if uniqueViolation(err, "") {
			return fmt.Errorf("postgres: insert round %d: %w", r.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert round %d: %w", r.ID, err)
	}
	return nil
}

// SettleRound is the OPEN -> SETTLED compare-and-swap.
func (q *queries) SettleRound(ctx context.Context, s domain.Settlement) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rounds SET
			status = 'SETTLED',
			settled_at = $2,
			winning_outcome = $3,
			seed_reveal = $4,
			settlement_seed = $5,
			total_tickets = $6,
			emissions_total = $7::numeric,
			winner_pool = $8::numeric,
			participation_pool = $9::numeric,
			treasury_cut = $10::numeric,
			distributed_total = $11::numeric
		WHERE id = $1 AND status = 'OPEN'`,
		s.RoundID, s.SettledAt, s.WinningOutcome, s.SeedReveal, s.SettlementSeed, s.TotalTickets,
		s.EmissionsTotal.String(), s.WinnerPool.String(), s.ParticipationPool.String(),
		s.TreasuryCut.String(), s.DistributedTotal.String(),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: settle round %d: %w", s.RoundID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CloseRound is the OPEN -> CLOSED compare-and-swap.
func (q *queries) CloseRound(ctx context.Context, roundID int64, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rounds SET status = 'CLOSED', settled_at = $2
		WHERE id = $1 AND status = 'OPEN'`,
		roundID, at,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: close round %d: %w", roundID, err)
	}
	return tag.RowsAffected() == 1, nil
}
