package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/service"
)

// RoundAdmin is the part of the round service operators drive.
type RoundAdmin interface {
	CreateRound(ctx context.Context, req service.CreateRoundRequest) (service.CreatedRound, error)
}

// Settler settles a round on demand.
type Settler interface {
	TrySettle(ctx context.Context, roundID int64) (domain.SettlementResult, error)
	TrySettleCurrent(ctx context.Context) (domain.SettlementResult, error)
}

// Ticker advances the lifecycle once.
type Ticker interface {
	Tick(ctx context.Context) (service.HeartbeatResult, error)
}

// OperatorQueries lists operator records.
type OperatorQueries interface {
	Reconciliations(ctx context.Context, opts domain.ListOpts) ([]domain.Reconciliation, error)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AdminHandler serves the operator endpoints, all behind the admin key.
type AdminHandler struct {
	rounds RoundAdmin
	settle Settler
	ticker Ticker
	query  OperatorQueries
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(rounds RoundAdmin, settle Settler, ticker Ticker, query OperatorQueries, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		rounds: rounds,
		settle: settle,
		ticker: ticker,
		query:  query,
		logger: logHandler(logger, "admin"),
	}
}

type createRoundRequest struct {
	DurationMinutes float64 `json:"duration_minutes"`
	// Force defaults to true; "force": false refuses while a round is OPEN.
	Force *bool `json:"force"`
}

type reconciliationRow struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	RoundID          int64     `json:"round_id"`
	Bettor           string    `json:"bettor"`
	PaymentReference string    `json:"payment_reference"`
	Amount           string    `json:"amount"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

func newReconciliationRows(list []domain.Reconciliation) []reconciliationRow {
	rows := make([]reconciliationRow, 0, len(list))
	for _, rec := range list {
		rows = append(rows, reconciliationRow{
			ID:               rec.ID,
			Kind:             string(rec.Kind),
			RoundID:          rec.RoundID,
			Bettor:           rec.Bettor,
			PaymentReference: rec.PaymentReference,
			Amount:           rec.Amount.String(),
			Status:           rec.Status,
			Reason:           rec.Reason,
			CreatedAt:        rec.CreatedAt,
		})
	}
	return rows
}

// CreateRound opens a round, force-closing and refunding a running one unless
// the request sets "force": false.
// POST /api/admin/round
func (h *AdminHandler) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > 24*60 {
		writeBadRequest(w, "duration_minutes must be between 0 and 1440")
		return
	}

	out, err := h.rounds.CreateRound(r.Context(), service.CreateRoundRequest{
		Duration: time.Duration(req.DurationMinutes * float64(time.Minute)),
		Force:    req.Force == nil || *req.Force,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := map[string]any{
		"round_id":    out.Round.ID,
		"mode":        out.Round.Mode,
		"ends_at":     out.Round.EndsAt,
		"seed_commit": out.Round.SeedCommit,
	}
	if out.Closed != nil {
		resp["closed_round_id"] = out.Closed.ID
		resp["refunds"] = newReconciliationRows(out.Refunds)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Settle settles the current round, or round_id, if it has ended.
// POST /api/admin/settle?round_id=
func (h *AdminHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, err := queryRoundID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var res domain.SettlementResult
	if id == 0 {
		res, err = h.settle.TrySettleCurrent(r.Context())
	} else {
		res, err = h.settle.TrySettle(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":          res.Round.ID,
		"status":            string(res.Round.Status),
		"settled":           res.Settled,
		"winning_outcome":   res.Round.WinningOutcome,
		"ticket_number":     res.TicketNumber,
		"total_tickets":     res.Round.TotalTickets,
		"distributed_total": res.Round.DistributedTotal.String(),
		"payouts":           len(res.Payouts),
	})
}

// Heartbeat advances the lifecycle once for external schedulers.
// POST /api/round/heartbeat
func (h *AdminHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	res, err := h.ticker.Tick(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":       res.Round.ID,
		"status":         string(res.Round.Status),
		"ends_at":        res.Round.EndsAt,
		"purged_intents": res.Purged,
	})
}

// Reconciliations lists refund records.
// GET /api/admin/reconciliations?limit=&offset=&since=&until=
func (h *AdminHandler) Reconciliations(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	list, err := h.query.Reconciliations(r.Context(), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliations": newReconciliationRows(list)})
}

type auditRow struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit lists audit log entries.
// GET /api/admin/audit?limit=&offset=&since=&until=
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	list, err := h.query.Audit(r.Context(), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rows := make([]auditRow, 0, len(list))
	for _, e := range list {
		rows = append(rows, auditRow{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}
