package orders

import (
	"errors"
	"testing"
	"time"
)

// allowAll approves every cancel/reschedule guard.
type allowAll struct{}

func (allowAll) CanCancel(*Order, time.Time) (bool, string)     { return true, "" }
func (allowAll) CanReschedule(*Order, time.Time) (bool, string) { return true, "" }

// denyAll rejects every guard with a fixed reason.
type denyAll struct{}

func (denyAll) CanCancel(*Order, time.Time) (bool, string)     { return false, "blocked by policy" }
func (denyAll) CanReschedule(*Order, time.Time) (bool, string) { return false, "blocked by policy" }

func newTestOrder(st ServiceType, status Status) *Order {
	return &Order{
		OrderID:     "o-1",
		ServiceType: st,
		Status:      status,
		TotalMinor:  10000,
	}
}

func TestPickupDeliveryLifecycle(t *testing.T) {
	m := NewMachine(allowAll{})
	now := time.Now()
	o := newTestOrder(ServicePickupDelivery, StatusDraft)

	steps := []struct {
		to    Status
		actor Actor
	}{
		{StatusAwaitingFulfillment, Actor{ID: "saga", Role: RoleSaga}},
		{StatusInProgress, Actor{ID: "p-1", Role: RolePartner}},
		{StatusQuoted, Actor{ID: "p-1", Role: RolePartner}},
		{StatusPendingApproval, Actor{ID: "p-1", Role: RolePartner}},
		{StatusPaid, Actor{ID: "a-1", Role: RoleAdmin}},
		{StatusCompleted, Actor{ID: "p-1", Role: RolePartner}},
	}
	for _, s := range steps {
		if err := m.Transition(o, s.to, s.actor, "step", now); err != nil {
			t.Fatalf("transition to %s as %s: %v", s.to, s.actor.Role, err)
		}
	}
	if o.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", o.Status)
	}
	if len(o.History) != len(steps) {
		t.Fatalf("expected %d history events, got %d", len(steps), len(o.History))
	}
	last := o.History[len(o.History)-1]
	if last.From != StatusPaid || last.To != StatusCompleted || last.Role != RolePartner {
		t.Fatalf("unexpected last history event: %+v", last)
	}
}

func TestInvalidTransitionIsTypedAndLeavesOrderUntouched(t *testing.T) {
	m := NewMachine(allowAll{})
	o := newTestOrder(ServiceOnSite, StatusCompleted)

	err := m.Transition(o, StatusPaid, Actor{ID: "a-1", Role: RoleAdmin}, "", time.Now())
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StatusCompleted || invalid.To != StatusPaid {
		t.Fatalf("unexpected error fields: %+v", invalid)
	}
	if o.Status != StatusCompleted || len(o.History) != 0 {
		t.Fatalf("order mutated on rejected transition: status=%s history=%d", o.Status, len(o.History))
	}
}

func TestRoleGating(t *testing.T) {
	m := NewMachine(allowAll{})
	now := time.Now()

	// Only the saga moves draft orders.
	o := newTestOrder(ServicePickupDelivery, StatusDraft)
	err := m.Transition(o, StatusAwaitingFulfillment, Actor{ID: "c-1", Role: RoleCustomer}, "", now)
	var denied *TransitionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError, got %v", err)
	}

	// A partner's quote cannot go straight to paid.
	o = newTestOrder(ServicePickupDelivery, StatusQuoted)
	if err := m.Transition(o, StatusPaid, Actor{ID: "p-1", Role: RolePartner}, "", now); !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError for partner quote->paid, got %v", err)
	}
	if o.Status != StatusQuoted {
		t.Fatalf("status mutated on denial: %s", o.Status)
	}
}

func TestServiceTypeGating(t *testing.T) {
	m := NewMachine(allowAll{})
	now := time.Now()

	// On-site orders have no quote step.
	o := newTestOrder(ServiceOnSite, StatusInProgress)
	var denied *TransitionDeniedError
	if err := m.Transition(o, StatusQuoted, Actor{ID: "p-1", Role: RolePartner}, "", now); !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError for on-site quote, got %v", err)
	}

	// Pickup/delivery orders cannot skip the quote and pay from in-progress.
	o = newTestOrder(ServicePickupDelivery, StatusInProgress)
	if err := m.Transition(o, StatusPaid, Actor{ID: "a-1", Role: RoleAdmin}, "", now); !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError for pickup in-progress->paid, got %v", err)
	}
}

func TestGuardDenialCarriesReason(t *testing.T) {
	m := NewMachine(denyAll{})
	o := newTestOrder(ServiceOnSite, StatusAwaitingFulfillment)

	err := m.Transition(o, StatusCanceled, Actor{ID: "c-1", Role: RoleCustomer}, "", time.Now())
	var denied *TransitionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected TransitionDeniedError, got %v", err)
	}
	if denied.Reason != "blocked by policy" {
		t.Fatalf("expected guard reason, got %q", denied.Reason)
	}
	if o.Status != StatusAwaitingFulfillment || len(o.History) != 0 {
		t.Fatalf("order mutated on guard denial")
	}
}

func TestAuthorizeDoesNotMutate(t *testing.T) {
	m := NewMachine(allowAll{})
	o := newTestOrder(ServiceOnSite, StatusInProgress)

	if err := m.Authorize(o, StatusPaid, Actor{ID: "a-1", Role: RoleAdmin}, time.Now()); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if o.Status != StatusInProgress || len(o.History) != 0 {
		t.Fatalf("authorize mutated the order")
	}
}

// cancelBlocked permits reschedules while refusing cancellations.
type cancelBlocked struct{}

func (cancelBlocked) CanCancel(*Order, time.Time) (bool, string) {
	return false, "cancellation not permitted by policy"
}
func (cancelBlocked) CanReschedule(*Order, time.Time) (bool, string) { return true, "" }

func TestInternalCancelIsGatedByRescheduleRule(t *testing.T) {
	m := NewMachine(cancelBlocked{})
	now := time.Now()

	// A customer's direct cancel is refused by the cancellation rule.
	o := newTestOrder(ServicePickupDelivery, StatusAwaitingFulfillment)
	if err := m.Transition(o, StatusCanceled, Actor{ID: "c-1", Role: RoleCustomer}, "", now); err == nil {
		t.Fatalf("customer cancel must be blocked")
	}

	// The internal cancel that completes a reschedule is governed by the
	// reschedule rule instead, so it goes through.
	if err := m.Transition(o, StatusCanceled, Actor{ID: "saga", Role: RoleSaga}, "rescheduled", now); err != nil {
		t.Fatalf("internal reschedule cancel blocked: %v", err)
	}
}
