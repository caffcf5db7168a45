package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/service"
)

// RoundLifecycle is the part of the round service the public endpoints use.
type RoundLifecycle interface {
	Current(ctx context.Context) (domain.Round, error)
}

// RoundQueries serves the read models behind the public round endpoints.
type RoundQueries interface {
	Totals(ctx context.Context, r domain.Round) ([]int64, error)
	Summary(ctx context.Context, roundID int64) (domain.RoundSummary, error)
	Payouts(ctx context.Context, roundID int64, limit int) (domain.Round, []domain.RankedPayout, error)
	Proof(ctx context.Context, roundID int64) (domain.FairnessProof, error)
	Events(ctx context.Context, lastID string, count int) ([]service.StoredEvent, error)
}

// RoundHandler serves the public round endpoints.
type RoundHandler struct {
	rounds RoundLifecycle
	query  RoundQueries
	cutoff time.Duration
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler. cutoff is the entry cutoff margin
// reported to clients as entry_cutoff_at.
func NewRoundHandler(rounds RoundLifecycle, query RoundQueries, cutoff time.Duration, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds: rounds,
		query:  query,
		cutoff: cutoff,
		logger: logHandler(logger, "round"),
	}
}

// roundResponse is the public view of a round. The sealed secret is never
// part of it.
type roundResponse struct {
	RoundID        int64      `json:"round_id"`
	Status         string     `json:"status"`
	Mode           string     `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	EndsAt         time.Time  `json:"ends_at"`
	EntryCutoffAt  time.Time  `json:"entry_cutoff_at"`
	SettledAt      *time.Time `json:"settled_at"`
	OutcomeCount   int        `json:"outcome_count"`
	OutcomeLabels  []string   `json:"outcome_labels"`
	TicketTotals   []int64    `json:"per_outcome_ticket_totals"`
	TotalTickets   int64      `json:"total_tickets"`
	WinningOutcome *int       `json:"winning_outcome"`
	SeedCommit     string     `json:"seed_commit"`
	SeedReveal     *string    `json:"seed_reveal"`
}

func newRoundResponse(r domain.Round, totals []int64, cutoff time.Duration) roundResponse {
	total := r.TotalTickets
	if r.Status != domain.RoundStatusSettled {
		total = 0
		for _, n := range totals {
			total += n
		}
	}
	return roundResponse{
		RoundID:        r.ID,
		Status:         string(r.Status),
		Mode:           r.Mode,
		StartedAt:      r.StartedAt,
		EndsAt:         r.EndsAt,
		EntryCutoffAt:  r.CutoffAt(cutoff),
		SettledAt:      r.SettledAt,
		OutcomeCount:   r.OutcomeCount,
		OutcomeLabels:  r.OutcomeLabels,
		TicketTotals:   totalsOrEmpty(totals),
		TotalTickets:   total,
		WinningOutcome: r.WinningOutcome,
		SeedCommit:     r.SeedCommit,
		SeedReveal:     r.SeedReveal,
	}
}

// Current returns the round players should see, advancing the lifecycle.
// GET /api/round/current
func (h *RoundHandler) Current(w http.ResponseWriter, r *http.Request) {
	round, err := h.rounds.Current(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	totals, err := h.query.Totals(r.Context(), round)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundResponse(round, totals, h.cutoff))
}

// Snapshot returns the current round in the same shape as Current. It is the
// first message pushed to new WebSocket clients.
func (h *RoundHandler) Snapshot(ctx context.Context) (any, error) {
	round, err := h.rounds.Current(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := h.query.Totals(ctx, round)
	if err != nil {
		return nil, err
	}
	return newRoundResponse(round, totals, h.cutoff), nil
}

type summaryResponse struct {
	roundResponse
	ParticipantCount  int    `json:"participant_count"`
	WinnerLabel       string `json:"winner_label,omitempty"`
	EmissionsTotal    string `json:"emissions_total"`
	WinnerPool        string `json:"winner_pool"`
	ParticipationPool string `json:"participation_pool"`
	TreasuryCut       string `json:"treasury_cut"`
	DistributedTotal  string `json:"distributed_total"`
}

// Summary describes a round's pools, participants and winner.
// GET /api/round/summary?round_id=
func (h *RoundHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id, err := queryRoundID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	sum, err := h.query.Summary(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rd := sum.Round
	writeJSON(w, http.StatusOK, summaryResponse{
		roundResponse:     newRoundResponse(rd, sum.OutcomeTotals, h.cutoff),
		ParticipantCount:  sum.ParticipantCount,
		WinnerLabel:       sum.WinnerLabel,
		EmissionsTotal:    rd.EmissionsTotal.String(),
		WinnerPool:        rd.WinnerPool.String(),
		ParticipationPool: rd.ParticipationPool.String(),
		TreasuryCut:       rd.TreasuryCut.String(),
		DistributedTotal:  rd.DistributedTotal.String(),
	})
}

type payoutRow struct {
	Recipient string `json:"recipient"`
	Total     string `json:"total"`
	Winner    string `json:"winner_amount"`
	Share     string `json:"share"`
}

type payoutsResponse struct {
	RoundID          int64       `json:"round_id"`
	WinningOutcome   *int        `json:"winning_outcome"`
	DistributedTotal string      `json:"distributed_total"`
	Payouts          []payoutRow `json:"payouts"`
}

// Payouts lists ranked payouts of the latest or a specific settled round.
// GET /api/round/payouts?round_id=&limit=
func (h *RoundHandler) Payouts(w http.ResponseWriter, r *http.Request) {
	id, err := queryRoundID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	round, ranked, err := h.query.Payouts(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rows := make([]payoutRow, 0, len(ranked))
	for _, p := range ranked {
		rows = append(rows, payoutRow{
			Recipient: p.Recipient,
			Total:     p.Total.String(),
			Winner:    p.Winner.String(),
			Share:     p.Share.String(),
		})
	}
	writeJSON(w, http.StatusOK, payoutsResponse{
		RoundID:          round.ID,
		WinningOutcome:   round.WinningOutcome,
		DistributedTotal: round.DistributedTotal.String(),
		Payouts:          rows,
	})
}

// Proof returns the data needed to recompute a draw independently.
// GET /api/round/proof?round_id=
func (h *RoundHandler) Proof(w http.ResponseWriter, r *http.Request) {
	id, err := queryRoundID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	proof, err := h.query.Proof(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

type eventRow struct {
	ID string `json:"id"`
	domain.RoundEvent
}

// Events replays round lifecycle events after the given stream id.
// GET /api/round/events?after=&count=
func (h *RoundHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count := 0
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "count must be a positive integer")
			return
		}
		count = n
	}
	events, err := h.query.Events(r.Context(), q.Get("after"), count)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rows := make([]eventRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, eventRow{ID: e.ID, RoundEvent: e.Event})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}
