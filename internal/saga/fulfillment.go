package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
)

// transition loads the order, authorizes and applies the state change, runs
// the optional mutation, and saves with the optimistic version check,
// retrying the read-modify-write on conflict. Guards re-evaluate against the
// freshly loaded state on every attempt.
func (o *Orchestrator) transition(ctx context.Context, orderID string, to orders.Status, actor orders.Actor, reason string, mutate func(*orders.Order) error) (*orders.Order, error) {
	for attempt := 0; attempt < 3; attempt++ {
		order, err := o.orderStore.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, fmt.Errorf("order %s not found", orderID)
		}
		if err := o.machine.Transition(order, to, actor, reason, o.nowFunc()); err != nil {
			return nil, err
		}
		if mutate != nil {
			if err := mutate(order); err != nil {
				return nil, err
			}
		}
		err = o.orderStore.Save(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, orders.ErrVersionConflict
}

// MarkInProgress records pickup (pickup/delivery) or arrival (on-site).
func (o *Orchestrator) MarkInProgress(ctx context.Context, orderID string, actor orders.Actor) (*orders.Order, error) {
	return o.transition(ctx, orderID, orders.StatusInProgress, actor, "fulfillment started", nil)
}

// SubmitQuote attaches the post-intake price to a pickup/delivery order. A
// trusted actor's quote charges immediately; an untrusted actor's quote
// parks in pending approval and emits a review notification.
func (o *Orchestrator) SubmitQuote(ctx context.Context, orderID string, quote orders.Quote, actor orders.Actor) (*orders.Order, *ChargeOutcome, error) {
	quote.QuotedBy = actor
	order, err := o.transition(ctx, orderID, orders.StatusQuoted, actor, "quote submitted", func(ord *orders.Order) error {
		ord.Quote = &quote
		ord.TotalMinor = quote.TotalMinor
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if actor.Role.Trusted() {
		return o.Charge(ctx, orderID, quote.TotalMinor, actor)
	}

	order, err = o.transition(ctx, orderID, orders.StatusPendingApproval, actor, "quote awaiting approval", nil)
	if err != nil {
		return nil, nil, err
	}
	if pubErr := o.publisher.PublishIntent(ctx, awsx.IntentQuoteAwaitingApproval, orderID, map[string]string{
		"total_minor": strconv.FormatInt(quote.TotalMinor, 10),
	}); pubErr != nil {
		log.Printf("[saga] publish quote_awaiting_approval order=%s: %v", orderID, pubErr)
	}
	return order, nil, nil
}

// ApproveQuote is the trusted reviewer's sign-off; approval attempts the
// charge as part of the transition.
func (o *Orchestrator) ApproveQuote(ctx context.Context, orderID string, actor orders.Actor) (*orders.Order, *ChargeOutcome, error) {
	return o.Charge(ctx, orderID, 0, actor)
}

// Complete closes out a paid order.
func (o *Orchestrator) Complete(ctx context.Context, orderID string, actor orders.Actor) (*orders.Order, error) {
	return o.transition(ctx, orderID, orders.StatusCompleted, actor, "service completed", nil)
}

// Cancel cancels an order under the terms of its locked policy snapshot. Any
// fee/refund math uses the snapshot, never the live policy.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string, actor orders.Actor) (*orders.Order, *policy.Evaluation, error) {
	order, err := o.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, fmt.Errorf("order %s not found", orderID)
	}

	now := o.nowFunc()
	eval := o.engine.EvaluateCancellation(order, now)

	reason := "canceled"
	if eval.FeeMinor > 0 {
		reason = fmt.Sprintf("canceled with fee %d", eval.FeeMinor)
	}
	order, err = o.transition(ctx, orderID, orders.StatusCanceled, actor, reason, nil)
	if err != nil {
		return nil, &eval, err
	}

	// Refund captured funds minus the fee. Terminal states stay immutable
	// except for this refund bookkeeping.
	if order.Charged() && eval.RefundMinor > 0 {
		refund, rErr := o.processor.Refund(ctx, payments.RefundInput{
			IdempotencyKey: "cancel-refund:" + orderID,
			ChargeID:       order.ChargeID,
			AmountMinor:    eval.RefundMinor,
		})
		if rErr != nil {
			log.Printf("[saga] cancel refund order=%s: %v", orderID, rErr)
		} else {
			order.RefundID = refund.ID
			if sErr := o.orderStore.Save(ctx, order); sErr != nil {
				log.Printf("[saga] save refund id order=%s: %v", orderID, sErr)
			}
		}
	}

	if pubErr := o.publisher.PublishIntent(ctx, awsx.IntentOrderCanceled, orderID, map[string]string{
		"fee_minor":    strconv.FormatInt(eval.FeeMinor, 10),
		"refund_minor": strconv.FormatInt(eval.RefundMinor, 10),
	}); pubErr != nil {
		log.Printf("[saga] publish order_canceled order=%s: %v", orderID, pubErr)
	}
	o.metrics.Count(ctx, "OrderCanceled", map[string]string{"service_type": string(order.ServiceType)})
	return order, &eval, nil
}

// Reschedule moves the service window. On-site bookings keep the same order;
// pickup/delivery bookings get a linked successor order and the original is
// canceled with a forward reference.
func (o *Orchestrator) Reschedule(ctx context.Context, orderID string, newStart, newEnd time.Time, actor orders.Actor) (*orders.Order, error) {
	order, err := o.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	if order.ServiceType == orders.ServiceOnSite {
		return o.transition(ctx, orderID, orders.StatusAwaitingFulfillment, actor, "rescheduled", func(ord *orders.Order) error {
			ord.ServiceWindowStart = newStart
			ord.ServiceWindowEnd = newEnd
			return nil
		})
	}

	// Pickup/delivery: authorize the reschedule against the original first.
	// The successor is staged as a draft so a second live order never exists
	// until the original's cancel commits; if the cancel fails the draft is
	// voided and the original is untouched.
	if err := o.machine.Authorize(order, orders.StatusAwaitingFulfillment, actor, o.nowFunc()); err != nil {
		return nil, err
	}

	now := o.nowFunc()
	successor := &orders.Order{
		OrderID:            uuid.NewString(),
		ServiceType:        order.ServiceType,
		Status:             orders.StatusDraft,
		CustomerID:         order.CustomerID,
		ExternalCustomerID: order.ExternalCustomerID,
		PaymentMethodToken: order.PaymentMethodToken,
		SubtotalMinor:      order.SubtotalMinor,
		TaxMinor:           order.TaxMinor,
		FeesMinor:          order.FeesMinor,
		TotalMinor:         order.TotalMinor,
		Policy:             order.Policy, // booking terms carry over
		ServiceWindowStart: newStart,
		ServiceWindowEnd:   newEnd,
		PredecessorOrderID: order.OrderID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.orderStore.Create(ctx, successor); err != nil {
		return nil, err
	}

	if _, err := o.transition(ctx, orderID, orders.StatusCanceled, sagaActor, fmt.Sprintf("rescheduled by %s", actor.ID), func(ord *orders.Order) error {
		ord.SuccessorOrderID = successor.OrderID
		return nil
	}); err != nil {
		if _, vErr := o.transition(ctx, successor.OrderID, orders.StatusFailedVoid, sagaActor, "reschedule aborted", nil); vErr != nil {
			log.Printf("[saga] void reschedule successor order=%s: %v", successor.OrderID, vErr)
		}
		return nil, err
	}

	return o.transition(ctx, successor.OrderID, orders.StatusAwaitingFulfillment, sagaActor, "rescheduled from "+orderID, nil)
}
