package handler

import (
	"net/http"

	"github.com/alanyoungcy/shiprace/internal/service"
)

// StatusHandler serves the static game parameters clients need to render a
// round and build payments.
type StatusHandler struct {
	body map[string]any
}

// NewStatusHandler snapshots mode, game and payment settings.
func NewStatusHandler(mode string, game service.GameConfig, payment service.PaymentConfig) *StatusHandler {
	return &StatusHandler{body: map[string]any{
		"mode":                mode,
		"outcome_count":       game.OutcomeCount,
		"unit_price":          game.UnitPrice.String(),
		"max_quantity":        game.MaxQuantity,
		"round_duration_ms":   game.RoundDuration.Milliseconds(),
		"entry_cutoff_ms":     game.CutoffMargin.Milliseconds(),
		"free_entries":        game.FreeEntries,
		"payment_destination": payment.Destination,
		"payment_token":       payment.Token,
		"payment_chain_id":    payment.ChainID,
		"payment_decimals":    payment.TokenDecimals,
		"winner_bps":          game.Shares.WinnerBps,
		"participation_bps":   game.Shares.ParticipationBps,
		"treasury_bps":        game.Shares.TreasuryBps,
	}}
}

// GetStatus responds with the game parameters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.body)
}
