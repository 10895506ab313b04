package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass splits processor failures into the two kinds the saga treats
// differently: transient failures are retried with backoff, terminal failures
// short-circuit straight to compensation (retrying a decline is never useful).
type ErrorClass string

const (
	ClassTransient ErrorClass = "TRANSIENT"
	ClassTerminal  ErrorClass = "TERMINAL"
)

// Distinguished errors surfaced by the resilience layer. Both are retryable
// by the caller with the same idempotency key.
var (
	// ErrCircuitOpen means the breaker is open: the call failed fast
	// without waiting on the processor timeout.
	ErrCircuitOpen = errors.New("payment processor circuit open")
	// ErrQuotaExhausted means the rate-limit queue wait was exceeded.
	ErrQuotaExhausted = errors.New("payment processor quota exhausted")
)

// Terminal processor decline codes.
const (
	CodeCardDeclined      = "card_declined"
	CodeInvalidInstrument = "invalid_instrument"
)

// ProcessorError is a classified failure from the external payment processor.
type ProcessorError struct {
	Code  string
	Class ErrorClass
	Err   error
}

func (e *ProcessorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("processor error %s (%s): %v", e.Code, e.Class, e.Err)
	}
	return fmt.Sprintf("processor error %s (%s)", e.Code, e.Class)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Terminal builds a terminal ProcessorError for a decline code.
func Terminal(code string) *ProcessorError {
	return &ProcessorError{Code: code, Class: ClassTerminal}
}

// TransientErr wraps an underlying failure (timeout, 5xx) as transient.
func TransientErr(code string, err error) *ProcessorError {
	return &ProcessorError{Code: code, Class: ClassTransient, Err: err}
}

// IsTransient reports whether the error is worth retrying: network timeouts,
// processor 5xx, circuit-open, and quota exhaustion are transient; declines
// and invalid instruments are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Class == ClassTransient
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
