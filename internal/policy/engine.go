package policy

import (
	"context"
	"log"
	"time"

	"github.com/cleanlyhq/bookingflow/internal/orders"
)

// ActiveResolver is the slice of the store the engine needs.
type ActiveResolver interface {
	Active(ctx context.Context, serviceType orders.ServiceType) (*Policy, error)
}

// Evaluation is the outcome of a cancellation or reschedule check. Amounts
// are integer minor currency units.
type Evaluation struct {
	Allowed     bool   `json:"allowed"`
	FeeMinor    int64  `json:"fee_minor"`
	RefundMinor int64  `json:"refund_minor"`
	Reason      string `json:"reason,omitempty"`
}

// Engine resolves active policies and computes cancellation/reschedule fees
// against the policy snapshot locked to an order at booking time.
type Engine struct {
	store ActiveResolver
}

// NewEngine returns an Engine backed by the given store.
func NewEngine(store ActiveResolver) *Engine {
	return &Engine{store: store}
}

// fallbackPolicy is the hard-coded conservative default used when no active
// policy exists for a service type. Booking never blocks on policy
// configuration, and the fallback never charges a fee.
func fallbackPolicy(serviceType orders.ServiceType) Policy {
	return Policy{
		ServiceType:                 serviceType,
		Version:                     0,
		PolicyID:                    "fallback",
		NoticeHours:                 24,
		CancellationFeeBps:          0,
		RescheduleFeeBps:            0,
		AllowCancellation:           true,
		AllowReschedule:             true,
		AllowRescheduleInsideNotice: false,
		Active:                      true,
	}
}

// Resolve returns the active policy for the service type, or the conservative
// fallback when none exists or the read fails. The fallback path is a warning,
// not an error: the booking saga must not block on policy configuration.
func (e *Engine) Resolve(ctx context.Context, serviceType orders.ServiceType) Policy {
	p, err := e.store.Active(ctx, serviceType)
	if err != nil {
		log.Printf("[policy] WARN resolve %s failed, using fallback: %v", serviceType, err)
		return fallbackPolicy(serviceType)
	}
	if p == nil {
		log.Printf("[policy] WARN no active policy for %s, using fallback", serviceType)
		return fallbackPolicy(serviceType)
	}
	return *p
}

// modifiableStates lists the states from which cancellation remains possible,
// per service type. On-site orders lock in once the visit is underway.
var modifiableStates = map[orders.ServiceType]map[orders.Status]bool{
	orders.ServicePickupDelivery: {
		orders.StatusAwaitingFulfillment: true,
		orders.StatusInProgress:          true,
		orders.StatusQuoted:              true,
		orders.StatusPendingApproval:     true,
	},
	orders.ServiceOnSite: {
		orders.StatusAwaitingFulfillment: true,
	},
}

// EvaluateCancellation decides whether the order may be canceled at `now` and
// what fee applies. It always reads the order's locked snapshot, never the
// live policy table: editing the live policy must not change the terms of an
// already-booked order.
func (e *Engine) EvaluateCancellation(o *orders.Order, now time.Time) Evaluation {
	if !modifiableStates[o.ServiceType][o.Status] {
		return Evaluation{Allowed: false, Reason: "order not modifiable in current state"}
	}
	if !now.Before(o.ServiceWindowStart) {
		return Evaluation{Allowed: false, Reason: "service time has passed"}
	}

	snap := o.Policy
	if snap == nil {
		// Orders past draft always carry a snapshot; treat a missing one
		// like the fallback so legacy rows stay cancelable without a fee.
		fb := fallbackPolicy(o.ServiceType).Snapshot()
		snap = &fb
	}
	if !snap.AllowCancellation {
		return Evaluation{Allowed: false, Reason: "cancellation not permitted by policy"}
	}

	// Quote-first orders with no funds captured cancel free regardless of
	// the notice window: no money has moved.
	if o.ServiceType == orders.ServicePickupDelivery && !o.Charged() {
		return Evaluation{Allowed: true, FeeMinor: 0, RefundMinor: 0, Reason: "no payment captured"}
	}

	if hoursUntil(o.ServiceWindowStart, now) >= float64(snap.NoticeHours) {
		return Evaluation{Allowed: true, FeeMinor: 0, RefundMinor: o.TotalMinor}
	}

	fee := feeFor(o.TotalMinor, snap.CancellationFeeBps)
	return Evaluation{
		Allowed:     true,
		FeeMinor:    fee,
		RefundMinor: o.TotalMinor - fee,
		Reason:      "inside notice window",
	}
}

// EvaluateReschedule decides whether the order may be rescheduled at `now`.
// Inside the notice window rescheduling is disallowed unless the snapshot
// explicitly permits it (fee-bearing); only cancellation-with-fee remains.
func (e *Engine) EvaluateReschedule(o *orders.Order, now time.Time) Evaluation {
	if o.Status != orders.StatusAwaitingFulfillment {
		return Evaluation{Allowed: false, Reason: "order not modifiable in current state"}
	}
	if !now.Before(o.ServiceWindowStart) {
		return Evaluation{Allowed: false, Reason: "service time has passed"}
	}

	snap := o.Policy
	if snap == nil {
		fb := fallbackPolicy(o.ServiceType).Snapshot()
		snap = &fb
	}
	if !snap.AllowReschedule {
		return Evaluation{Allowed: false, Reason: "reschedule not permitted by policy"}
	}

	if hoursUntil(o.ServiceWindowStart, now) >= float64(snap.NoticeHours) {
		return Evaluation{Allowed: true, FeeMinor: 0, RefundMinor: 0}
	}
	if snap.AllowRescheduleInsideNotice {
		return Evaluation{
			Allowed:  true,
			FeeMinor: feeFor(o.TotalMinor, snap.RescheduleFeeBps),
			Reason:   "inside notice window",
		}
	}
	return Evaluation{Allowed: false, Reason: "inside notice window; cancellation with fee only"}
}

// CanCancel implements orders.Evaluator.
func (e *Engine) CanCancel(o *orders.Order, now time.Time) (bool, string) {
	ev := e.EvaluateCancellation(o, now)
	return ev.Allowed, ev.Reason
}

// CanReschedule implements orders.Evaluator.
func (e *Engine) CanReschedule(o *orders.Order, now time.Time) (bool, string) {
	ev := e.EvaluateReschedule(o, now)
	return ev.Allowed, ev.Reason
}

func hoursUntil(windowStart, now time.Time) float64 {
	return windowStart.Sub(now).Hours()
}

// feeFor computes round-half-up(total * bps / 10000) on integer minor units.
func feeFor(totalMinor int64, bps int) int64 {
	if totalMinor <= 0 || bps <= 0 {
		return 0
	}
	return (totalMinor*int64(bps) + 5000) / 10000
}
