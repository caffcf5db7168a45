package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/server/middleware"
)

// EntryService defines the methods that the entry handler requires from the
// service layer.
type EntryService interface {
	CreateIntent(ctx context.Context, bettor string, outcome int, quantity int64) (domain.EntryIntent, error)
	ConfirmEntry(ctx context.Context, bettor, intentID, reference string) (domain.EntryReceipt, error)
	FreeEntry(ctx context.Context, bettor string, outcome int, quantity int64) (domain.EntryReceipt, error)
}

// BalanceReader reads withdrawable balances.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (domain.Balance, error)
}

// EntryHandler serves the bettor endpoints. Every route is wrapped by the
// bettor middleware, which puts the authenticated address on the context.
type EntryHandler struct {
	entries  EntryService
	balances BalanceReader
	logger   *slog.Logger
}

// NewEntryHandler creates an EntryHandler.
func NewEntryHandler(entries EntryService, balances BalanceReader, logger *slog.Logger) *EntryHandler {
	return &EntryHandler{
		entries:  entries,
		balances: balances,
		logger:   logHandler(logger, "entry"),
	}
}

type entryRequest struct {
	OutcomeIndex *int  `json:"outcome_index"`
	Quantity     int64 `json:"quantity"`
}

type confirmRequest struct {
	IntentID         string `json:"intent_id"`
	PaymentReference string `json:"payment_reference"`
}

type intentResponse struct {
	IntentID       string    `json:"intent_id"`
	RoundID        int64     `json:"round_id"`
	OutcomeIndex   int       `json:"outcome_index"`
	Quantity       int64     `json:"quantity"`
	RequiredAmount string    `json:"required_amount"`
	BaseUnits      string    `json:"base_units"`
	Destination    string    `json:"destination"`
	Token          string    `json:"token"`
	ChainID        int64     `json:"chain_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type receiptResponse struct {
	RoundID      int64   `json:"round_id"`
	EntryID      int64   `json:"entry_id"`
	OutcomeIndex int     `json:"outcome_index"`
	Quantity     int64   `json:"quantity"`
	TicketTotals []int64 `json:"per_outcome_ticket_totals"`
}

func newReceiptResponse(rec domain.EntryReceipt) receiptResponse {
	return receiptResponse{
		RoundID:      rec.RoundID,
		EntryID:      rec.EntryID,
		OutcomeIndex: rec.OutcomeIndex,
		Quantity:     rec.Quantity,
		TicketTotals: totalsOrEmpty(rec.TicketTotals),
	}
}

// bettor returns the authenticated address or writes a 401.
func (h *EntryHandler) bettor(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, ok := middleware.BettorFrom(r.Context())
	if !ok {
		writeError(w, r, h.logger, domain.ErrUnauthorized)
	}
	return addr, ok
}

// decodeEntry reads an entry request; outcome_index is required.
func decodeEntry(w http.ResponseWriter, r *http.Request) (entryRequest, bool) {
	var req entryRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return req, false
	}
	if req.OutcomeIndex == nil {
		writeBadRequest(w, "outcome_index is required")
		return req, false
	}
	return req, true
}

// Intent records an entry intent and returns the payment instructions.
// POST /api/entries/intent
func (h *EntryHandler) Intent(w http.ResponseWriter, r *http.Request) {
	bettor, ok := h.bettor(w, r)
	if !ok {
		return
	}
	req, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	intent, err := h.entries.CreateIntent(r.Context(), bettor, *req.OutcomeIndex, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, intentResponse{
		IntentID:       intent.IntentID,
		RoundID:        intent.RoundID,
		OutcomeIndex:   intent.OutcomeIndex,
		Quantity:       intent.Quantity,
		RequiredAmount: intent.RequiredAmount.String(),
		BaseUnits:      intent.BaseUnits,
		Destination:    intent.Destination,
		Token:          intent.Token,
		ChainID:        intent.ChainID,
		ExpiresAt:      intent.ExpiresAt,
	})
}

// Confirm verifies the payment for an intent and writes the entry. A late
// payment answers 409 with refunded=true.
// POST /api/entries/confirm
func (h *EntryHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	bettor, ok := h.bettor(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.IntentID == "" || req.PaymentReference == "" {
		writeBadRequest(w, "intent_id and payment_reference are required")
		return
	}
	receipt, err := h.entries.ConfirmEntry(r.Context(), bettor, req.IntentID, req.PaymentReference)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(receipt))
}

// Free writes an unpaid entry when free entries are enabled.
// POST /api/entries/free
func (h *EntryHandler) Free(w http.ResponseWriter, r *http.Request) {
	bettor, ok := h.bettor(w, r)
	if !ok {
		return
	}
	req, ok := decodeEntry(w, r)
	if !ok {
		return
	}
	receipt, err := h.entries.FreeEntry(r.Context(), bettor, *req.OutcomeIndex, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptResponse(receipt))
}

// Balance returns the caller's withdrawable balance.
// GET /api/balance
func (h *EntryHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bettor, ok := h.bettor(w, r)
	if !ok {
		return
	}
	b, err := h.balances.Balance(r.Context(), bettor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := map[string]any{"account": b.Account, "balance": b.Amount.String()}
	if !b.UpdatedAt.IsZero() {
		resp["updated_at"] = b.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}
