package payments

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig sizes the circuit breaker protecting the processor.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// after which the breaker opens.
	FailureThreshold uint32
	// CoolDown is how long the breaker stays open before allowing a single
	// half-open probe through.
	CoolDown time.Duration
}

// Breaker wraps gobreaker with our error taxonomy: only transient failures
// count against the breaker. A card decline is the processor answering
// normally and must not open the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// StateListener receives breaker state changes (for metrics).
type StateListener func(name string, from, to string)

// NewBreaker builds a process-wide breaker shared by all concurrent sagas.
func NewBreaker(name string, cfg BreakerConfig, onChange StateListener) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe while half-open
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[payments] breaker %s: %s -> %s", name, from, to)
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Do runs fn through the breaker. While open, calls fail fast with
// ErrCircuitOpen rather than waiting on the call timeout.
func (b *Breaker) Do(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out, nil
}
