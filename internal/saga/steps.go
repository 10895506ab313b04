package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
)

const (
	stepCreateDraftOrder      = "create_draft_order"
	stepRegisterPaymentMethod = "register_payment_method"
	stepValidatePaymentMethod = "validate_payment_method"
	stepFinalizeOrder         = "finalize_order"
)

var sagaActor = orders.Actor{ID: "saga", Role: orders.RoleSaga}

// mutateOrder reloads-and-retries around the optimistic version check so a
// step's write survives losing a race with an unrelated writer.
func (o *Orchestrator) mutateOrder(ctx context.Context, st *BookingState, apply func(*orders.Order) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		if st.Order == nil {
			loaded, err := o.orderStore.Get(ctx, st.OrderID)
			if err != nil {
				return err
			}
			if loaded == nil {
				return fmt.Errorf("order %s not found", st.OrderID)
			}
			st.Order = loaded
		}
		if err := apply(st.Order); err != nil {
			return err
		}
		err := o.orderStore.Save(ctx, st.Order)
		if err == nil {
			return nil
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return err
		}
		st.Order = nil // reload on next attempt
	}
	return orders.ErrVersionConflict
}

// --- step 1: create draft order ---

type createDraftOrderStep struct{ o *Orchestrator }

func (s *createDraftOrderStep) Name() string { return stepCreateDraftOrder }

func (s *createDraftOrderStep) Execute(ctx context.Context, st *BookingState) error {
	now := s.o.nowFunc()
	order := &orders.Order{
		OrderID:            st.OrderID,
		ServiceType:        st.Request.ServiceType,
		Status:             orders.StatusDraft,
		CustomerID:         st.Request.CustomerID,
		SubtotalMinor:      st.Request.SubtotalMinor,
		TaxMinor:           st.Request.TaxMinor,
		FeesMinor:          st.Request.FeesMinor,
		TotalMinor:         st.Request.TotalMinor,
		ServiceWindowStart: st.Request.ServiceWindowStart,
		ServiceWindowEnd:   st.Request.ServiceWindowEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.o.orderStore.Create(ctx, order)
	if errors.Is(err, orders.ErrOrderExists) {
		// Crash-retry: the draft was persisted before progress was recorded.
		existing, getErr := s.o.orderStore.Get(ctx, st.OrderID)
		if getErr != nil {
			return getErr
		}
		st.Order = existing
		return nil
	}
	if err != nil {
		return err
	}
	st.Order = order
	return nil
}

// Compensate marks the draft failed_void. Orders are never deleted: the void
// row stays for audit.
func (s *createDraftOrderStep) Compensate(ctx context.Context, st *BookingState) error {
	return s.o.mutateOrder(ctx, st, func(o *orders.Order) error {
		if o.Status == orders.StatusFailedVoid {
			return nil
		}
		return s.o.machine.Transition(o, orders.StatusFailedVoid, sagaActor, "booking compensated", s.o.nowFunc())
	})
}

func (s *createDraftOrderStep) Hydrate(st *BookingState, payload string) error {
	var p struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return err
	}
	if p.OrderID != "" {
		st.OrderID = p.OrderID
	}
	return nil
}

// --- step 2: register payment method ---

type registerPaymentMethodStep struct{ o *Orchestrator }

func (s *registerPaymentMethodStep) Name() string { return stepRegisterPaymentMethod }

func (s *registerPaymentMethodStep) Execute(ctx context.Context, st *BookingState) error {
	// Create the processor-side customer if this order doesn't have one yet.
	// The idempotency token makes a crash-retry return the same customer.
	if st.ExternalCustomerID == "" && st.Order != nil {
		st.ExternalCustomerID = st.Order.ExternalCustomerID
	}
	if st.ExternalCustomerID == "" {
		cus, err := s.o.processor.CreateCustomer(ctx, payments.CreateCustomerInput{
			IdempotencyKey: st.Key + ":customer",
			CustomerRef:    st.Request.CustomerID,
			Email:          st.Request.CustomerEmail,
		})
		if err != nil {
			return err
		}
		st.ExternalCustomerID = cus.ID
	}

	// Re-attaching the same method to the same customer is a no-op at the
	// processor, not an error.
	pm, err := s.o.processor.AttachPaymentMethod(ctx, payments.AttachPaymentMethodInput{
		IdempotencyKey: st.Key + ":attach",
		CustomerID:     st.ExternalCustomerID,
		MethodToken:    st.Request.PaymentMethodToken,
	})
	if err != nil {
		return err
	}

	return s.o.mutateOrder(ctx, st, func(o *orders.Order) error {
		o.ExternalCustomerID = st.ExternalCustomerID
		o.PaymentMethodToken = pm.Token
		return nil
	})
}

// Compensate is detach/ignore: no charge occurred yet, the stored linkage is
// harmless on a voided order.
func (s *registerPaymentMethodStep) Compensate(_ context.Context, _ *BookingState) error {
	return nil
}

func (s *registerPaymentMethodStep) Hydrate(st *BookingState, payload string) error {
	var p struct {
		ExternalCustomerID string `json:"external_customer_id"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return err
	}
	st.ExternalCustomerID = p.ExternalCustomerID
	return nil
}

// --- step 3: validate payment method ---

type validatePaymentMethodStep struct{ o *Orchestrator }

func (s *validatePaymentMethodStep) Name() string { return stepValidatePaymentMethod }

// Execute proves the instrument is chargeable without moving real funds: a
// near-zero authorization, immediately reversed.
func (s *validatePaymentMethodStep) Execute(ctx context.Context, st *BookingState) error {
	auth, err := s.o.processor.Authorize(ctx, payments.AuthorizeInput{
		IdempotencyKey: st.Key + ":validate-auth",
		CustomerID:     st.ExternalCustomerID,
		MethodToken:    st.Request.PaymentMethodToken,
		AmountMinor:    s.o.cfg.ValidationAmountMinor,
	})
	if err != nil {
		return err
	}
	st.AuthorizationID = auth.ID

	refund, err := s.o.processor.Refund(ctx, payments.RefundInput{
		IdempotencyKey: st.Key + ":validate-refund",
		ChargeID:       auth.ID,
		AmountMinor:    auth.AmountMinor,
	})
	if err != nil {
		return err
	}
	st.ValidationRefundID = refund.ID
	return nil
}

// Compensate has nothing to do: the authorization was already reversed.
func (s *validatePaymentMethodStep) Compensate(_ context.Context, _ *BookingState) error {
	return nil
}

func (s *validatePaymentMethodStep) Hydrate(st *BookingState, payload string) error {
	var p struct {
		AuthorizationID string `json:"authorization_id"`
		RefundID        string `json:"refund_id"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return err
	}
	st.AuthorizationID = p.AuthorizationID
	st.ValidationRefundID = p.RefundID
	return nil
}

// --- step 4: finalize order ---

type finalizeOrderStep struct{ o *Orchestrator }

func (s *finalizeOrderStep) Name() string { return stepFinalizeOrder }

// Execute locks the resolved policy onto the order and moves it out of draft.
func (s *finalizeOrderStep) Execute(ctx context.Context, st *BookingState) error {
	pol := s.o.engine.Resolve(ctx, st.Request.ServiceType)
	snap := pol.Snapshot()

	return s.o.mutateOrder(ctx, st, func(o *orders.Order) error {
		if o.Status == orders.StatusAwaitingFulfillment {
			return nil // crash-retry: already finalized
		}
		o.Policy = &snap
		return s.o.machine.Transition(o, orders.StatusAwaitingFulfillment, sagaActor, "booking finalized", s.o.nowFunc())
	})
}

// Compensate defers to the full rollback: step 1 voids the order.
func (s *finalizeOrderStep) Compensate(_ context.Context, _ *BookingState) error {
	return nil
}

func (s *finalizeOrderStep) Hydrate(_ *BookingState, _ string) error { return nil }
