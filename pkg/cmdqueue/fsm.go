package cmdqueue

import (
	"errors"

	"guardian/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid command transition")

// CanTransition encodes the command lifecycle:
// QUEUED -poll-> SENT -ack-> ACKED|FAILED, QUEUED|SENT -sweep-> EXPIRED.
// SENT -> SENT is allowed so a retried poll stays idempotent under
// at-least-once delivery.
func CanTransition(from, to string) bool {
	switch from {
	case models.CommandQueued:
		return to == models.CommandSent || to == models.CommandExpired
	case models.CommandSent:
		return to == models.CommandSent || to == models.CommandAcked ||
			to == models.CommandFailed || to == models.CommandExpired
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case models.CommandAcked, models.CommandFailed, models.CommandExpired:
		return true
	default:
		return false
	}
}
