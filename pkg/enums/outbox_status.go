package enums

import "fmt"

// OutboxStatus tracks where an outbox record is in its delivery lifecycle.
type OutboxStatus string

const (
	OutboxStatusPending      OutboxStatus = "pending"
	OutboxStatusSent         OutboxStatus = "sent"
	OutboxStatusFailed       OutboxStatus = "failed"
	OutboxStatusDeadLettered OutboxStatus = "dead_lettered"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusSent,
	OutboxStatusFailed,
	OutboxStatusDeadLettered,
}

// OutboxStatuses returns every status in lifecycle order.
func OutboxStatuses() []OutboxStatus {
	out := make([]OutboxStatus, len(validOutboxStatuses))
	copy(out, validOutboxStatuses)
	return out
}

func (s OutboxStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusDeadLettered
}

// CanTransitionTo reports whether moving from s to next is a legal forward step.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxStatusPending:
		return next == OutboxStatusSent || next == OutboxStatusFailed
	case OutboxStatusFailed:
		return next == OutboxStatusSent || next == OutboxStatusFailed || next == OutboxStatusDeadLettered
	default:
		return false
	}
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
