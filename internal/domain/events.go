package domain

import "time"

// Signal bus channels and stream names.
const (
	ChannelRounds  = "ch:round"
	ChannelEntries = "ch:entry"
	StreamRounds   = "stream:rounds"
)

// Round event types.
const (
	EventRoundCreated    = "round_created"
	EventRoundSettled    = "round_settled"
	EventRoundClosed     = "round_closed"
	EventEntryConfirmed  = "entry_confirmed"
	EventPaymentRefunded = "payment_refunded"
)

// RoundEvent is the JSON envelope published on the signal bus and pushed to
// websocket clients.
type RoundEvent struct {
	Type    string         `json:"type"`
	RoundID int64          `json:"round_id"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}
