package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/idempotency"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
)

// Config is the explicit saga configuration. Nothing here is read from
// globals: tests can run several configurations side by side.
type Config struct {
	// ValidationAmountMinor is the near-zero amount authorized and
	// immediately refunded to prove the instrument is chargeable.
	ValidationAmountMinor int64
	// MaxStepRetries bounds automatic retries of a step for transient
	// failures before the error is surfaced as retryable.
	MaxStepRetries int
	// StepBackoff is the base delay between step retries.
	StepBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ValidationAmountMinor: 100,
		MaxStepRetries:        3,
		StepBackoff:           250 * time.Millisecond,
	}
}

// Orchestrator composes the stores, the state machine, the policy engine and
// the guarded processor client into the booking saga and the charge sub-flow.
type Orchestrator struct {
	idemp      *idempotency.Store
	orderStore *orders.Store
	machine    *orders.Machine
	engine     *policy.Engine
	processor  payments.ProcessorAPI
	publisher  *awsx.Publisher
	metrics    *awsx.Metrics
	ledger     *RetryLedger
	cfg        Config
	nowFunc    func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator. processor is expected to be the guarded client
// so every external call shares the breaker and the quota bucket.
func New(
	idemp *idempotency.Store,
	orderStore *orders.Store,
	machine *orders.Machine,
	engine *policy.Engine,
	processor payments.ProcessorAPI,
	publisher *awsx.Publisher,
	metrics *awsx.Metrics,
	ledger *RetryLedger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		idemp:      idemp,
		orderStore: orderStore,
		machine:    machine,
		engine:     engine,
		processor:  processor,
		publisher:  publisher,
		metrics:    metrics,
		ledger:     ledger,
		cfg:        cfg,
		nowFunc:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func (o *Orchestrator) steps() []Step {
	return []Step{
		&createDraftOrderStep{o: o},
		&registerPaymentMethodStep{o: o},
		&validatePaymentMethodStep{o: o},
		&finalizeOrderStep{o: o},
	}
}

// Book executes the booking saga for the caller-supplied idempotency key.
// Exactly one execution per key has side effects: the atomic insert of the
// execution record decides the winner, duplicates resume or replay it.
func (o *Orchestrator) Book(ctx context.Context, req BookingRequest, idempotencyKey string) (*orders.Order, error) {
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key required")
	}

	orderID := uuid.NewString()
	created, err := o.idemp.CreateIfNotExists(ctx, idempotencyKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("idempotency create: %w", err)
	}

	rec, err := o.idemp.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if rec == nil {
		return nil, errors.New("idempotency record vanished")
	}

	st := &BookingState{
		Key:     idempotencyKey,
		Request: req,
		OrderID: rec.OrderID,
	}

	if !created {
		switch rec.Status {
		case idempotency.StatusDone:
			// Completed execution: return the stored order, no side effects.
			existing, err := o.orderStore.Get(ctx, rec.OrderID)
			if err != nil {
				return nil, fmt.Errorf("load booked order: %w", err)
			}
			if existing == nil {
				return nil, fmt.Errorf("booked order %s missing", rec.OrderID)
			}
			return existing, nil
		case idempotency.StatusFailed:
			return nil, &TerminalError{Step: "booking", Err: fmt.Errorf("previous attempt failed: %s", rec.Note)}
		}
		// IN_PROGRESS: resume from the first incomplete step. Steps are
		// idempotent, so racing the original runner is safe; conditional
		// writes and processor tokens collapse duplicate side effects.
		if err := o.hydrate(ctx, st, rec); err != nil {
			return nil, err
		}
	}

	return o.run(ctx, st, rec)
}

// hydrate restores booking state from a partially completed execution record.
func (o *Orchestrator) hydrate(ctx context.Context, st *BookingState, rec *idempotency.ExecutionRecord) error {
	if rec.OrderID != "" {
		existing, err := o.orderStore.Get(ctx, rec.OrderID)
		if err != nil {
			return fmt.Errorf("load draft order: %w", err)
		}
		st.Order = existing
	}
	for _, step := range o.steps() {
		if payload, ok := rec.StepPayload(step.Name()); ok {
			if err := step.Hydrate(st, payload); err != nil {
				return fmt.Errorf("hydrate step %s: %w", step.Name(), err)
			}
		}
	}
	return nil
}

// run is the generic saga driver: execute steps in order, persist progress
// after each, compensate in reverse on terminal failure.
func (o *Orchestrator) run(ctx context.Context, st *BookingState, rec *idempotency.ExecutionRecord) (*orders.Order, error) {
	var completed []Step
	for _, step := range o.steps() {
		if rec.StepDone(step.Name()) {
			completed = append(completed, step)
			continue
		}

		if err := o.executeWithRetry(ctx, step, st); err != nil {
			if payments.IsTransient(err) || errors.Is(err, orders.ErrVersionConflict) {
				// Transient fault or write contention with a concurrent
				// same-key runner: leave the record IN_PROGRESS, the same
				// key resumes here. Compensating here would tear down work
				// another runner may be completing.
				o.metrics.Count(ctx, "SagaStepTransientFailure", map[string]string{"step": step.Name()})
				return nil, &RetryableError{Step: step.Name(), Err: err}
			}
			o.compensate(ctx, st, completed, step.Name(), err)
			if mErr := o.idemp.MarkFailed(ctx, st.Key, fmt.Sprintf("%s: %v", step.Name(), err)); mErr != nil {
				log.Printf("[saga] mark failed key=%s: %v", st.Key, mErr)
			}
			o.metrics.Count(ctx, "SagaCompensated", map[string]string{"step": step.Name()})
			return nil, &TerminalError{Step: step.Name(), Err: err}
		}

		payload := stepPayload(step, st)
		if err := o.idemp.RecordStep(ctx, st.Key, step.Name(), payload); err != nil {
			log.Printf("[saga] record step %s key=%s: %v", step.Name(), st.Key, err)
		}
		rec.StepsCompleted = append(rec.StepsCompleted, idempotency.StepResult{Step: step.Name(), Result: payload})
		completed = append(completed, step)
	}

	response, _ := json.Marshal(map[string]string{
		"order_id": st.Order.OrderID,
		"status":   string(st.Order.Status),
	})
	if err := o.idemp.MarkDone(ctx, st.Key, string(response), http.StatusCreated); err != nil {
		log.Printf("[saga] mark done key=%s: %v", st.Key, err)
	}

	if err := o.publisher.PublishIntent(ctx, awsx.IntentBookingConfirmed, st.Order.OrderID, map[string]string{
		"service_type": string(st.Order.ServiceType),
	}); err != nil {
		log.Printf("[saga] publish booking_confirmed order=%s: %v", st.Order.OrderID, err)
	}
	o.metrics.Count(ctx, "SagaCompleted", map[string]string{"service_type": string(st.Order.ServiceType)})

	return st.Order, nil
}

// executeWithRetry retries a step for transient failures only. Terminal
// failures (declines, invalid instruments) short-circuit: retrying a decline
// is not useful and must not happen.
func (o *Orchestrator) executeWithRetry(ctx context.Context, step Step, st *BookingState) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxStepRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.cfg.StepBackoff<<(attempt-1)); err != nil {
				return err
			}
		}
		err := step.Execute(ctx, st)
		if err == nil {
			return nil
		}
		lastErr = err
		if !payments.IsTransient(err) {
			return err
		}
		log.Printf("[saga] step %s transient failure (attempt %d): %v", step.Name(), attempt+1, err)
	}
	return lastErr
}

// compensate rolls back completed steps in reverse order and records each
// rollback in the compensation log.
func (o *Orchestrator) compensate(ctx context.Context, st *BookingState, completed []Step, failedStep string, cause error) {
	reason := fmt.Sprintf("%s failed: %v", failedStep, cause)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if err := step.Compensate(ctx, st); err != nil {
			log.Printf("[saga] compensation of %s failed key=%s: %v", step.Name(), st.Key, err)
		}
		if err := o.idemp.RecordCompensation(ctx, st.Key, step.Name(), reason); err != nil {
			log.Printf("[saga] record compensation %s key=%s: %v", step.Name(), st.Key, err)
		}
	}
}

func stepPayload(step Step, st *BookingState) string {
	switch step.Name() {
	case stepCreateDraftOrder:
		b, _ := json.Marshal(map[string]string{"order_id": st.OrderID})
		return string(b)
	case stepRegisterPaymentMethod:
		b, _ := json.Marshal(map[string]string{"external_customer_id": st.ExternalCustomerID})
		return string(b)
	case stepValidatePaymentMethod:
		b, _ := json.Marshal(map[string]string{
			"authorization_id": st.AuthorizationID,
			"refund_id":        st.ValidationRefundID,
		})
		return string(b)
	default:
		return ""
	}
}
