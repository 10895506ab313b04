// Package saga orchestrates the multi-step "book and guarantee payment"
// workflow and its compensations. Steps run strictly in order; progress is
// persisted to the execution record after every step so a crashed saga can
// resume from the first incomplete step instead of restarting. Every step is
// safe to retry: external calls carry processor-level idempotency tokens and
// local writes are conditional.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/cleanlyhq/bookingflow/internal/orders"
)

// BookingRequest is the typed input to Book.
type BookingRequest struct {
	CustomerID         string
	CustomerEmail      string
	ServiceType        orders.ServiceType
	PaymentMethodToken string
	SubtotalMinor      int64
	TaxMinor           int64
	FeesMinor          int64
	TotalMinor         int64
	ServiceWindowStart time.Time
	ServiceWindowEnd   time.Time
}

// BookingState is the mutable state threaded through the steps of one
// booking attempt.
type BookingState struct {
	Key     string // caller-supplied idempotency key
	Request BookingRequest
	OrderID string
	Order   *orders.Order

	ExternalCustomerID string
	AuthorizationID    string
	ValidationRefundID string
}

// Step is one compensable unit of the booking saga.
type Step interface {
	Name() string
	Execute(ctx context.Context, st *BookingState) error
	// Compensate undoes the step's effect. Called in reverse completion
	// order when a later step fails terminally.
	Compensate(ctx context.Context, st *BookingState) error
	// Hydrate restores step output into the state from the persisted
	// result payload when a resumed saga skips an already-completed step.
	Hydrate(st *BookingState, payload string) error
}

// RetryableError tells the caller the booking failed transiently: retry with
// the same idempotency key and the saga resumes where it left off.
type RetryableError struct {
	Step string
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("step %s failed transiently, retry with same key: %v", e.Step, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError tells the caller the booking failed for good (e.g. card
// declined) and was compensated. A new attempt needs a new idempotency key.
type TerminalError struct {
	Step string
	Err  error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("step %s failed terminally, booking compensated: %v", e.Step, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }
