package payments

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// QuotaConfig sizes the local token bucket to the processor's documented
// call rate.
type QuotaConfig struct {
	// CallsPerSecond is the sustained rate the processor allows.
	CallsPerSecond float64
	// Burst is the bucket depth.
	Burst int
	// MaxWait bounds how long a caller queues for a token before failing
	// with a retryable error.
	MaxWait time.Duration
}

// Quota is a process-wide token-bucket limiter shared by all concurrent
// sagas. It prevents bursts that would exceed the processor's rate limit.
type Quota struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewQuota builds a limiter from config.
func NewQuota(cfg QuotaConfig) *Quota {
	return &Quota{
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		maxWait: cfg.MaxWait,
	}
}

// Acquire blocks for a token up to MaxWait, then fails with ErrQuotaExhausted.
// Nothing in this path blocks indefinitely.
func (q *Quota) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, q.maxWait)
	defer cancel()
	if err := q.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
	}
	return nil
}
