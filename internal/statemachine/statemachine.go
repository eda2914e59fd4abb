// Package statemachine maps a channel event to the high-level delivery
// status it produces, as a pure lookup table. Nothing in this package talks
// to the store, the clock, or the network — callers own all side effects.
package statemachine

import "github.com/rs/zerolog"

// Partial order of delivery statuses: pending -> sending -> sent ->
// delivered -> verified, with failed/rejected/expired reachable as terminal
// side-branches from pending/sending/sent/delivered. verified is reached
// only through auth feedback, never through a channel event.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusVerified  = "verified"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
)

var order = map[string]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusVerified:  4,
}

var table = map[string]map[string]string{
	"sms": {
		"queued":      StatusPending,
		"sending":     StatusSending,
		"sent":        StatusSent,
		"delivered":   StatusDelivered,
		"failed":      StatusFailed,
		"undelivered": StatusFailed,
	},
	"voice": {
		"queued":    StatusPending,
		"calling":   StatusSending,
		"ringing":   StatusSent,
		"answered":  StatusSent,
		"playing":   StatusSent,
		"completed": StatusDelivered,
		"failed":    StatusFailed,
		"no_answer": StatusFailed,
		"busy":      StatusFailed,
		// "hangup" is handled separately by MapStatus since its outcome
		// depends on the otp_played flag, not on the event type alone.
	},
}

// MapStatus resolves (channel, eventType, eventData) to the high-level
// status it produces. voice:hangup resolves to delivered when eventData
// carries otp_played=true, and to failed otherwise. Unknown (channel,
// eventType) pairs are logged as invalid transitions but still return a
// best-effort status so the caller can apply the update regardless —
// channel events may arrive out of order from independent control planes.
func MapStatus(log zerolog.Logger, channel, eventType string, eventData map[string]any) string {
	if channel == "voice" && eventType == "hangup" {
		if played, _ := eventData["otp_played"].(bool); played {
			return StatusDelivered
		}
		return StatusFailed
	}

	statuses, ok := table[channel]
	if !ok {
		log.Warn().Str("channel", channel).Str("event_type", eventType).Msg("invalid channel for status mapping")
		return StatusFailed
	}
	status, ok := statuses[eventType]
	if !ok {
		log.Warn().Str("channel", channel).Str("event_type", eventType).Msg("invalid event type for status mapping")
		return StatusFailed
	}
	return status
}

// IsForward reports whether transitioning from prevStatus to nextStatus
// moves forward (or stays) in the partial order, used only for logging —
// the state machine always applies the update regardless of the answer.
func IsForward(prevStatus, nextStatus string) bool {
	if isTerminalSideBranch(nextStatus) {
		return true
	}
	prev, prevOK := order[prevStatus]
	next, nextOK := order[nextStatus]
	if !prevOK || !nextOK {
		return true
	}
	return next >= prev
}

func isTerminalSideBranch(status string) bool {
	return status == StatusFailed || status == StatusRejected || status == StatusExpired
}
