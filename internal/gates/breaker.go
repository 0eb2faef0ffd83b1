package gates

import (
	"time"

	"github.com/sony/gobreaker"

	"posting-pipeline/internal/shared/telemetry"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures, stays open for
// openTimeout and then lets a single call through. That call's outcome closes
// or reopens the circuit.
type CircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, threshold int, openTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}
	limit := uint32(threshold)
	return &CircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.Info("gates.breaker.state_change", map[string]any{
				"breaker": name,
				"from":    string(toBreakerState(from)),
				"to":      string(toBreakerState(to)),
			})
		},
	})}
}

// State reports the current position. An open breaker whose timeout elapsed
// reports HALF_OPEN.
func (b *CircuitBreaker) State() BreakerState {
	return toBreakerState(b.cb.State())
}

// Allow admits a call or returns gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests. The caller must invoke done exactly once with
// the call's outcome; in HALF_OPEN no other call is admitted until it does.
func (b *CircuitBreaker) Allow() (done func(success bool), err error) {
	return b.cb.Allow()
}

func toBreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
