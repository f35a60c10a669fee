package enums

import "fmt"

// DeadLetterReason explains why a record was routed to the dead-letter topic.
type DeadLetterReason string

const DeadLetterReasonRetryExhausted DeadLetterReason = "retry_exhausted"

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonRetryExhausted,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

func ParseDeadLetterReason(value string) (DeadLetterReason, error) {
	for _, candidate := range validDeadLetterReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dead letter reason %q", value)
}
