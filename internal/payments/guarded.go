package payments

import (
	"context"
	"time"
)

// GuardedConfig controls the call discipline applied to every processor call.
type GuardedConfig struct {
	// CallTimeout bounds a single processor call.
	CallTimeout time.Duration
	// MaxRetries is the number of automatic retries for transient failures.
	// Terminal failures are never retried.
	MaxRetries int
	// Backoff is the base delay between retries, doubled per attempt.
	Backoff time.Duration
}

// Guarded wraps a ProcessorAPI with the shared quota, the shared circuit
// breaker, a per-call timeout, and bounded transient-only retry. All sagas
// go through one Guarded instance so the breaker and bucket see every call.
type Guarded struct {
	inner   ProcessorAPI
	breaker *Breaker
	quota   *Quota
	cfg     GuardedConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuarded composes the resilience layers around a processor client.
func NewGuarded(inner ProcessorAPI, breaker *Breaker, quota *Quota, cfg GuardedConfig) *Guarded {
	return &Guarded{
		inner:   inner,
		breaker: breaker,
		quota:   quota,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guardedCall applies quota -> breaker -> timeout -> call, retrying transient
// failures with doubling backoff up to MaxRetries.
func guardedCall[T any](ctx context.Context, g *Guarded, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.Backoff << (attempt - 1)
			if err := g.sleep(ctx, backoff); err != nil {
				return zero, err
			}
		}

		if err := g.quota.Acquire(ctx); err != nil {
			lastErr = err
			if !IsTransient(err) {
				return zero, err
			}
			continue
		}

		out, err := g.breaker.Do(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			res, callErr := fn(callCtx)
			return res, callErr
		})
		if err == nil {
			return out.(T), nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func (g *Guarded) CreateCustomer(ctx context.Context, in CreateCustomerInput) (*Customer, error) {
	return guardedCall(ctx, g, func(ctx context.Context) (*Customer, error) {
		return g.inner.CreateCustomer(ctx, in)
	})
}

func (g *Guarded) AttachPaymentMethod(ctx context.Context, in AttachPaymentMethodInput) (*PaymentMethod, error) {
	return guardedCall(ctx, g, func(ctx context.Context) (*PaymentMethod, error) {
		return g.inner.AttachPaymentMethod(ctx, in)
	})
}

func (g *Guarded) Authorize(ctx context.Context, in AuthorizeInput) (*Authorization, error) {
	return guardedCall(ctx, g, func(ctx context.Context) (*Authorization, error) {
		return g.inner.Authorize(ctx, in)
	})
}

func (g *Guarded) Capture(ctx context.Context, in CaptureInput) (*Charge, error) {
	return guardedCall(ctx, g, func(ctx context.Context) (*Charge, error) {
		return g.inner.Capture(ctx, in)
	})
}

func (g *Guarded) Refund(ctx context.Context, in RefundInput) (*Refund, error) {
	return guardedCall(ctx, g, func(ctx context.Context) (*Refund, error) {
		return g.inner.Refund(ctx, in)
	})
}
