package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQuotaAllowsBurstThenFailsFast(t *testing.T) {
	q := NewQuota(QuotaConfig{CallsPerSecond: 0.1, Burst: 2, MaxWait: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Acquire(ctx); err != nil {
			t.Fatalf("burst call %d rejected: %v", i, err)
		}
	}

	err := q.Acquire(ctx)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("quota exhaustion must classify as transient")
	}
}

func TestQuotaWaitsWithinBudget(t *testing.T) {
	// 100/s refills a token in 10ms; a 200ms budget is plenty.
	q := NewQuota(QuotaConfig{CallsPerSecond: 100, Burst: 1, MaxWait: 200 * time.Millisecond})
	ctx := context.Background()

	if err := q.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := q.Acquire(ctx); err != nil {
		t.Fatalf("second acquire should wait for a token, got %v", err)
	}
}
