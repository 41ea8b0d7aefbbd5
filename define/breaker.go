package define

import (
	"time"
)

// CircuitBreakerState is persisted per protected service with a TTL. An
// expired record reads back as a fresh CLOSED state, so an idle breaker
// fails open to available-by-default.
type CircuitBreakerState struct {
	Service              string    `json:"service"`
	State                string    `json:"state"`
	Failures             int64     `json:"failures"`
	Successes            int64     `json:"successes"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      time.Time `json:"last_success_time,omitempty"`
	LastStateChange      time.Time `json:"last_state_change,omitempty"`
	RecoveryAttempts     int64     `json:"recovery_attempts"`
}

func NewClosedBreakerState(service string) *CircuitBreakerState {
	return &CircuitBreakerState{
		Service: service,
		State:   BreakerClosed,
	}
}

// Availability is the success ratio over all recorded calls, 1.0 when the
// breaker has seen no traffic.
func (s *CircuitBreakerState) Availability() float64 {
	total := s.Failures + s.Successes
	if total == 0 {
		return 1.0
	}
	return float64(s.Successes) / float64(total)
}

type BreakerHealth struct {
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	State        string    `json:"state"`
	Availability float64   `json:"availability"`
	CheckedAt    time.Time `json:"checked_at"`
}

type BreakerMetrics struct {
	Service              string        `json:"service"`
	State                string        `json:"state"`
	Failures             int64         `json:"failures"`
	Successes            int64         `json:"successes"`
	ConsecutiveFailures  int64         `json:"consecutive_failures"`
	ConsecutiveSuccesses int64         `json:"consecutive_successes"`
	RecoveryAttempts     int64         `json:"recovery_attempts"`
	Availability         float64       `json:"availability"`
	NextRetryIn          time.Duration `json:"next_retry_in,omitempty"`
}
