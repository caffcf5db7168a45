package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// defaultPayoutLimit caps the ranked payout list when the caller sets none.
const defaultPayoutLimit = 50

// QueryService serves the read models: summaries, payouts, balances,
// fairness proofs and the round event history.
type QueryService struct {
	deps   Deps
	logger *slog.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(deps Deps) *QueryService {
	deps = deps.withDefaults()
	return &QueryService{
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "query_service")),
	}
}

// roundOrCurrent loads roundID, or the current round when roundID is 0.
func (q *QueryService) roundOrCurrent(ctx context.Context, roundID int64) (domain.Round, error) {
	if roundID > 0 {
		return q.deps.Ledger.GetRound(ctx, roundID)
	}
	return q.deps.Ledger.CurrentRound(ctx)
}

// Totals returns the per-outcome ticket totals of r.
func (q *QueryService) Totals(ctx context.Context, r domain.Round) ([]int64, error) {
	totals, err := q.deps.Ledger.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
	if err != nil {
		return nil, fmt.Errorf("query_service: totals round %d: %w", r.ID, err)
	}
	return totals, nil
}

// Summary describes a round's pools, participants and winner.
func (q *QueryService) Summary(ctx context.Context, roundID int64) (domain.RoundSummary, error) {
	r, err := q.roundOrCurrent(ctx, roundID)
	if err != nil {
		return domain.RoundSummary{}, fmt.Errorf("query_service: summary: %w", err)
	}
	totals, err := q.Totals(ctx, r)
	if err != nil {
		return domain.RoundSummary{}, err
	}
	tickets, err := q.deps.Ledger.BettorTickets(ctx, r.ID)
	if err != nil {
		return domain.RoundSummary{}, fmt.Errorf("query_service: bettor tickets round %d: %w", r.ID, err)
	}
	bettors := make(map[string]struct{}, len(tickets))
	for _, bt := range tickets {
		bettors[bt.Bettor] = struct{}{}
	}

	sum := domain.RoundSummary{Round: r, OutcomeTotals: totals, ParticipantCount: len(bettors)}
	if r.WinningOutcome != nil {
		sum.WinnerLabel = r.Label(*r.WinningOutcome)
	}
	return sum, nil
}

// Payouts returns the ranked per-recipient payouts of roundID, or of the
// latest settled round when roundID is 0.
func (q *QueryService) Payouts(ctx context.Context, roundID int64, limit int) (domain.Round, []domain.RankedPayout, error) {
	var (
		r   domain.Round
		err error
	)
	if roundID > 0 {
		r, err = q.deps.Ledger.GetRound(ctx, roundID)
	} else {
		r, err = q.deps.Ledger.LatestSettledRound(ctx)
	}
	if err != nil {
		return domain.Round{}, nil, fmt.Errorf("query_service: payouts: %w", err)
	}
	rows, err := q.deps.Ledger.ListPayouts(ctx, r.ID)
	if err != nil {
		return domain.Round{}, nil, fmt.Errorf("query_service: payouts round %d: %w", r.ID, err)
	}
	if limit <= 0 {
		limit = defaultPayoutLimit
	}
	return r, RankPayouts(rows, r.DistributedTotal, limit), nil
}

// RankPayouts sums rows per recipient and orders them by total, largest
// first. Share is the recipient's fraction of distributed.
func RankPayouts(rows []domain.Payout, distributed decimal.Decimal, limit int) []domain.RankedPayout {
	byRecipient := make(map[string]*domain.RankedPayout)
	var order []string
	for _, p := range rows {
		rp, ok := byRecipient[p.Recipient]
		if !ok {
			rp = &domain.RankedPayout{Recipient: p.Recipient, Total: decimal.Zero, Winner: decimal.Zero}
			byRecipient[p.Recipient] = rp
			order = append(order, p.Recipient)
		}
		rp.Total = rp.Total.Add(p.Amount)
		if p.Kind == domain.PayoutKindWinner {
			rp.Winner = rp.Winner.Add(p.Amount)
		}
	}

	ranked := make([]domain.RankedPayout, 0, len(order))
	for _, rec := range order {
		rp := *byRecipient[rec]
		rp.Share = decimal.Zero
		if distributed.IsPositive() {
			rp.Share = rp.Total.DivRound(distributed, 6)
		}
		ranked = append(ranked, rp)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].Total.Cmp(ranked[j].Total); c != 0 {
			return c > 0
		}
		return ranked[i].Recipient < ranked[j].Recipient
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Balance returns an account's withdrawable balance.
func (q *QueryService) Balance(ctx context.Context, account string) (domain.Balance, error) {
	b, err := q.deps.Ledger.GetBalance(ctx, account)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("query_service: balance: %w", err)
	}
	return b, nil
}

// Proof returns the verification data of roundID, or of the current round
// when roundID is 0. Reveal fields are present only once settled.
func (q *QueryService) Proof(ctx context.Context, roundID int64) (domain.FairnessProof, error) {
	r, err := q.roundOrCurrent(ctx, roundID)
	if err != nil {
		return domain.FairnessProof{}, fmt.Errorf("query_service: proof: %w", err)
	}
	totals, err := q.Totals(ctx, r)
	if err != nil {
		return domain.FairnessProof{}, err
	}
	return BuildProof(r, totals), nil
}

// StoredEvent is a round event with its stream position.
type StoredEvent struct {
	ID    string
	Event domain.RoundEvent
}

// Events replays round lifecycle events after lastID from the stream.
func (q *QueryService) Events(ctx context.Context, lastID string, count int) ([]StoredEvent, error) {
	if q.deps.Bus == nil {
		return nil, nil
	}
	if count <= 0 || count > 500 {
		count = 100
	}
	msgs, err := q.deps.Bus.StreamRead(ctx, domain.StreamRounds, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("query_service: read events: %w", err)
	}
	out := make([]StoredEvent, 0, len(msgs))
	for _, m := range msgs {
		var evt domain.RoundEvent
		if err := json.Unmarshal(m.Payload, &evt); err != nil {
			q.logger.WarnContext(ctx, "skipping malformed event",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, StoredEvent{ID: m.ID, Event: evt})
	}
	return out, nil
}

// Reconciliations lists refund records for operators.
func (q *QueryService) Reconciliations(ctx context.Context, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	list, err := q.deps.Ledger.ListReconciliations(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("query_service: reconciliations: %w", err)
	}
	return list, nil
}

// Audit lists audit entries for operators.
func (q *QueryService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if q.deps.Audit == nil {
		return nil, errors.New("query_service: audit log not configured")
	}
	list, err := q.deps.Audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("query_service: audit: %w", err)
	}
	return list, nil
}
