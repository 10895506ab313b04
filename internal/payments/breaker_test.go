package payments

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensOnConsecutiveTransientFailures(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 2, CoolDown: time.Minute}, nil)
	transient := TransientErr("processor_5xx", errors.New("boom"))

	for i := 0; i < 2; i++ {
		if _, err := b.Do(func() (any, error) { return nil, transient }); err == nil {
			t.Fatalf("expected failure %d to propagate", i)
		}
	}

	// Breaker is open: the call must fail fast without reaching the function.
	reached := false
	_, err := b.Do(func() (any, error) {
		reached = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if reached {
		t.Fatalf("open breaker must not invoke the call")
	}
	if !IsTransient(err) {
		t.Fatalf("circuit-open must classify as transient (retryable)")
	}
}

func TestTerminalDeclinesDoNotTripBreaker(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 2, CoolDown: time.Minute}, nil)
	decline := Terminal(CodeCardDeclined)

	// A decline is the processor answering normally, however many in a row.
	for i := 0; i < 10; i++ {
		if _, err := b.Do(func() (any, error) { return nil, decline }); !errors.Is(err, decline) {
			t.Fatalf("expected decline to propagate, got %v", err)
		}
	}

	reached := false
	if _, err := b.Do(func() (any, error) { reached = true; return "ok", nil }); err != nil {
		t.Fatalf("breaker tripped on terminal errors: %v", err)
	}
	if !reached {
		t.Fatalf("call did not go through")
	}
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	cool := 50 * time.Millisecond
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, CoolDown: cool}, nil)
	transient := TransientErr("timeout", errors.New("deadline"))

	if _, err := b.Do(func() (any, error) { return nil, transient }); err == nil {
		t.Fatalf("expected transient failure")
	}
	if _, err := b.Do(func() (any, error) { return "ok", nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(cool + 20*time.Millisecond)

	// Half-open: the single probe goes through and closes the circuit.
	out, err := b.Do(func() (any, error) { return "ok", nil })
	if err != nil || out != "ok" {
		t.Fatalf("probe failed: %v %v", out, err)
	}
	if _, err := b.Do(func() (any, error) { return "ok", nil }); err != nil {
		t.Fatalf("circuit did not close after successful probe: %v", err)
	}
}

func TestBreakerStateListener(t *testing.T) {
	var changes []string
	b := NewBreaker("test", BreakerConfig{FailureThreshold: 1, CoolDown: time.Minute}, func(name, from, to string) {
		changes = append(changes, from+"->"+to)
	})

	b.Do(func() (any, error) { return nil, TransientErr("timeout", errors.New("x")) })
	if len(changes) != 1 || changes[0] != "closed->open" {
		t.Fatalf("unexpected state changes: %v", changes)
	}
}
