package saga

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
)

// ErrChargeInFlight means another request holds the charge claim for this
// order. Retryable: the winner either charges or releases by failing.
var ErrChargeInFlight = errors.New("charge attempt already in flight")

// ChargeOutcome reports what happened to a charge attempt. The caller always
// learns the outcome: charged, pending retry, or a terminal error — never
// silence.
type ChargeOutcome struct {
	Charged  bool   `json:"charged"`
	Pending  bool   `json:"pending"`
	ChargeID string `json:"charge_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// captureToken derives the processor idempotency token for an order's charge.
// One order has one logical charge, so retries and the worker all share the
// token: the processor collapses them into at most one real capture.
func captureToken(orderID string) string { return "capture:" + orderID }

// Charge attempts the real charge for an order. Permitted only when the state
// machine allows the actor to drive the order to paid from its current state.
// A failed charge lands in the retry ledger and leaves the status unchanged,
// so the order stays retryable instead of silently stuck.
func (o *Orchestrator) Charge(ctx context.Context, orderID string, amountMinor int64, actor orders.Actor) (*orders.Order, *ChargeOutcome, error) {
	now := o.nowFunc()
	order, err := o.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, fmt.Errorf("order %s not found", orderID)
	}
	if order.Charged() {
		return order, &ChargeOutcome{Charged: true, ChargeID: order.ChargeID, Message: "already charged"}, nil
	}

	if err := o.machine.Authorize(order, orders.StatusPaid, actor, now); err != nil {
		return nil, nil, err
	}

	if amountMinor <= 0 {
		amountMinor = order.TotalMinor
	}

	// Optimistic claim: bump the version before calling the processor so two
	// concurrent approve-and-charge requests cannot both pass the guard.
	order.LastChargeAttemptAt = now
	if err := o.orderStore.Save(ctx, order); err != nil {
		if errors.Is(err, orders.ErrVersionConflict) {
			current, getErr := o.orderStore.Get(ctx, orderID)
			if getErr == nil && current != nil && current.Charged() {
				return current, &ChargeOutcome{Charged: true, ChargeID: current.ChargeID, Message: "already charged"}, nil
			}
			return nil, nil, ErrChargeInFlight
		}
		return nil, nil, err
	}

	ch, err := o.processor.Capture(ctx, payments.CaptureInput{
		IdempotencyKey: captureToken(orderID),
		CustomerID:     order.ExternalCustomerID,
		MethodToken:    order.PaymentMethodToken,
		AmountMinor:    amountMinor,
		OrderRef:       orderID,
	})
	if err != nil {
		if payments.IsTransient(err) {
			if recErr := o.ledger.Record(ctx, orderID, amountMinor, err.Error()); recErr != nil {
				log.Printf("[saga] record charge retry order=%s: %v", orderID, recErr)
			}
			if pubErr := o.publisher.PublishIntent(ctx, awsx.IntentChargeRetryScheduled, orderID, nil); pubErr != nil {
				log.Printf("[saga] publish charge_retry_scheduled order=%s: %v", orderID, pubErr)
			}
			o.metrics.Count(ctx, "ChargePendingRetry", nil)
			return order, &ChargeOutcome{Pending: true, Message: "payment pending retry"}, nil
		}
		o.metrics.Count(ctx, "ChargeDeclined", nil)
		return nil, nil, err
	}

	order, err = o.settleCharge(ctx, orderID, ch.ID, amountMinor, actor)
	if err != nil {
		return nil, nil, err
	}
	return order, &ChargeOutcome{Charged: true, ChargeID: ch.ID}, nil
}

// settleCharge records a confirmed capture on the order and transitions it to
// paid. Reload-and-retry around the version check; the charge id itself is
// settled at the processor regardless.
func (o *Orchestrator) settleCharge(ctx context.Context, orderID, chargeID string, amountMinor int64, actor orders.Actor) (*orders.Order, error) {
	var settled *orders.Order
	for attempt := 0; attempt < 3; attempt++ {
		order, err := o.orderStore.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, fmt.Errorf("order %s not found", orderID)
		}
		if order.Charged() && order.Status == orders.StatusPaid {
			return order, nil
		}
		order.ChargeID = chargeID
		order.TotalMinor = amountMinor
		if order.Status != orders.StatusPaid {
			if err := o.machine.Transition(order, orders.StatusPaid, actor, "charge captured", o.nowFunc()); err != nil {
				return nil, err
			}
		}
		err = o.orderStore.Save(ctx, order)
		if err == nil {
			settled = order
			break
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return nil, err
		}
	}
	if settled == nil {
		return nil, orders.ErrVersionConflict
	}

	if err := o.publisher.PublishIntent(ctx, awsx.IntentChargeSucceeded, orderID, map[string]string{
		"charge_id": chargeID,
	}); err != nil {
		log.Printf("[saga] publish charge_succeeded order=%s: %v", orderID, err)
	}
	o.metrics.Count(ctx, "ChargeSucceeded", nil)
	return settled, nil
}

// RetryCharge is the worker path: re-attempt a capture recorded in the retry
// ledger. The shared capture token keeps this at most one real charge even
// across repeated deliveries.
func (o *Orchestrator) RetryCharge(ctx context.Context, msg ChargeRetryMessage) error {
	order, err := o.orderStore.Get(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", msg.OrderID)
	}
	if order.Charged() {
		return o.ledger.Resolve(ctx, msg.OrderID)
	}
	if order.Terminal() {
		// Canceled/voided while the retry was queued; drop it.
		log.Printf("[saga] dropping charge retry for terminal order=%s status=%s", order.OrderID, order.Status)
		return o.ledger.Resolve(ctx, msg.OrderID)
	}

	ch, err := o.processor.Capture(ctx, payments.CaptureInput{
		IdempotencyKey: captureToken(msg.OrderID),
		CustomerID:     order.ExternalCustomerID,
		MethodToken:    order.PaymentMethodToken,
		AmountMinor:    msg.AmountMinor,
		OrderRef:       msg.OrderID,
	})
	if err != nil {
		if payments.IsTransient(err) {
			// Surface the error: the queue redelivers and the ledger row
			// keeps the attempt history.
			if recErr := o.ledger.Record(ctx, msg.OrderID, msg.AmountMinor, err.Error()); recErr != nil {
				log.Printf("[saga] record charge retry order=%s: %v", msg.OrderID, recErr)
			}
			return err
		}
		// Terminal: redelivery cannot help. Leave the unresolved ledger row
		// for operational follow-up.
		log.Printf("[saga] charge retry terminal failure order=%s: %v", msg.OrderID, err)
		return nil
	}

	if _, err := o.settleCharge(ctx, msg.OrderID, ch.ID, msg.AmountMinor, sagaActor); err != nil {
		return err
	}
	return o.ledger.Resolve(ctx, msg.OrderID)
}
