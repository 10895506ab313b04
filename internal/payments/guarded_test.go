package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGuarded(stub *StubProcessor) *Guarded {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 10, CoolDown: time.Minute}, nil)
	q := NewQuota(QuotaConfig{CallsPerSecond: 1000, Burst: 1000, MaxWait: time.Second})
	g := NewGuarded(stub, b, q, GuardedConfig{CallTimeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond})
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestGuardedRetriesTransientFailures(t *testing.T) {
	stub := NewStubProcessor()
	g := newTestGuarded(stub)
	stub.FailNext(OpCapture, TransientErr("processor_5xx", errors.New("boom")))

	ch, err := g.Capture(context.Background(), CaptureInput{IdempotencyKey: "cap-1", AmountMinor: 1000})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ch.ID == "" {
		t.Fatalf("missing charge id")
	}
	if got := stub.Calls(OpCapture); got != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 retry), got %d", got)
	}
}

func TestGuardedDoesNotRetryTerminalFailures(t *testing.T) {
	stub := NewStubProcessor()
	g := newTestGuarded(stub)
	stub.FailNext(OpCapture, Terminal(CodeCardDeclined))

	_, err := g.Capture(context.Background(), CaptureInput{IdempotencyKey: "cap-1", AmountMinor: 1000})
	var pe *ProcessorError
	if !errors.As(err, &pe) || pe.Class != ClassTerminal {
		t.Fatalf("expected terminal ProcessorError, got %v", err)
	}
	if got := stub.Calls(OpCapture); got != 1 {
		t.Fatalf("terminal failures must not be retried, got %d calls", got)
	}
}

func TestGuardedGivesUpAfterMaxRetries(t *testing.T) {
	stub := NewStubProcessor()
	g := newTestGuarded(stub)
	transient := TransientErr("timeout", errors.New("deadline"))
	stub.FailNext(OpAuthorize, transient, transient, transient)

	_, err := g.Authorize(context.Background(), AuthorizeInput{IdempotencyKey: "auth-1", AmountMinor: 100})
	if !IsTransient(err) {
		t.Fatalf("expected transient error after retries exhausted, got %v", err)
	}
	if got := stub.Calls(OpAuthorize); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestStubHonorsIdempotencyTokens(t *testing.T) {
	stub := NewStubProcessor()
	g := newTestGuarded(stub)
	ctx := context.Background()

	first, err := g.Capture(ctx, CaptureInput{IdempotencyKey: "cap-1", AmountMinor: 1000})
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}
	second, err := g.Capture(ctx, CaptureInput{IdempotencyKey: "cap-1", AmountMinor: 1000})
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated token must replay the same charge: %s vs %s", first.ID, second.ID)
	}
	if got := stub.SideEffects(OpCapture); got != 1 {
		t.Fatalf("expected exactly 1 capture side effect, got %d", got)
	}
	if got := stub.Calls(OpCapture); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}
