package orders

import "time"

// ServiceType distinguishes the two booking products.
type ServiceType string

const (
	// ServicePickupDelivery is the quote-first service: the real price is
	// known only after physical intake.
	ServicePickupDelivery ServiceType = "PICKUP_DELIVERY"
	// ServiceOnSite is the pay-to-book service: price known at booking time.
	ServiceOnSite ServiceType = "ON_SITE"
)

// Status is the closed set of order lifecycle states.
type Status string

const (
	StatusDraft               Status = "DRAFT"
	StatusAwaitingFulfillment Status = "AWAITING_FULFILLMENT"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusQuoted              Status = "QUOTED"
	StatusPendingApproval     Status = "PENDING_APPROVAL"
	StatusPaid                Status = "PAID"
	StatusCompleted           Status = "COMPLETED"
	StatusCanceled            Status = "CANCELED"
	StatusFailedVoid          Status = "FAILED_VOID"
)

// AllStatuses lists every current status value. Used by exhaustiveness tests.
var AllStatuses = []Status{
	StatusDraft,
	StatusAwaitingFulfillment,
	StatusInProgress,
	StatusQuoted,
	StatusPendingApproval,
	StatusPaid,
	StatusCompleted,
	StatusCanceled,
	StatusFailedVoid,
}

// legacyStatuses maps values from the prior, coarser status scheme onto the
// current enum. Historical rows may still carry these.
var legacyStatuses = map[string]Status{
	"PENDING":           StatusAwaitingFulfillment,
	"SCHEDULED":         StatusAwaitingFulfillment,
	"PROCESSING":        StatusInProgress,
	"PICKED_UP":         StatusInProgress,
	"EN_ROUTE":          StatusInProgress,
	"ON_SITE":           StatusInProgress,
	"QUOTE_SENT":        StatusQuoted,
	"AWAITING_APPROVAL": StatusPendingApproval,
	"CHARGED":           StatusPaid,
	"DONE":              StatusCompleted,
	"CANCELLED":         StatusCanceled,
	"VOID":              StatusFailedVoid,
	"FAILED":            StatusFailedVoid,
}

// NormalizeStatus maps any stored status value (current or legacy) to exactly
// one value of the current enum. Unrecognized values normalize to
// AWAITING_FULFILLMENT so an unknown status can never produce an empty action
// set downstream; callers that care can detect the fallback via ok=false.
func NormalizeStatus(raw string) (Status, bool) {
	s := Status(raw)
	for _, known := range AllStatuses {
		if s == known {
			return s, true
		}
	}
	if mapped, ok := legacyStatuses[raw]; ok {
		return mapped, true
	}
	return StatusAwaitingFulfillment, false
}

// Role identifies who is performing a status-changing action. Capabilities
// are passed explicitly with each call, never inferred from ambient state.
type Role string

const (
	RoleSaga     Role = "SAGA"
	RoleCustomer Role = "CUSTOMER"
	RolePartner  Role = "PARTNER"
	RoleAdmin    Role = "ADMIN"
)

// Trusted reports whether the role may trigger an immediate charge without a
// second approval step. Field partners submit quotes for review instead.
func (r Role) Trusted() bool {
	return r == RoleAdmin || r == RoleSaga
}

// Actor is the identity attached to a transition.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// QuoteLine is a single priced line on an intake quote.
type QuoteLine struct {
	Description string `dynamodbav:"description" json:"description"`
	AmountMinor int64  `dynamodbav:"amount_minor" json:"amount_minor"`
}

// Quote is the post-intake price for a pickup/delivery order.
type Quote struct {
	Lines      []QuoteLine `dynamodbav:"lines" json:"lines"`
	TotalMinor int64       `dynamodbav:"total_minor" json:"total_minor"`
	ExpiresAt  time.Time   `dynamodbav:"expires_at" json:"expires_at"`
	QuotedBy   Actor       `dynamodbav:"quoted_by" json:"quoted_by"`
}

// PolicySnapshot is the cancellation/reschedule policy captured by value at
// booking time. Once set it never changes, even if the live policy is edited.
type PolicySnapshot struct {
	PolicyID                    string `dynamodbav:"policy_id" json:"policy_id"`
	Version                     int    `dynamodbav:"version" json:"version"`
	NoticeHours                 int    `dynamodbav:"notice_hours" json:"notice_hours"`
	CancellationFeeBps          int    `dynamodbav:"cancellation_fee_bps" json:"cancellation_fee_bps"`
	RescheduleFeeBps            int    `dynamodbav:"reschedule_fee_bps" json:"reschedule_fee_bps"`
	AllowCancellation           bool   `dynamodbav:"allow_cancellation" json:"allow_cancellation"`
	AllowReschedule             bool   `dynamodbav:"allow_reschedule" json:"allow_reschedule"`
	AllowRescheduleInsideNotice bool   `dynamodbav:"allow_reschedule_inside_notice" json:"allow_reschedule_inside_notice"`
}

// HistoryEvent is one immutable entry in an order's transition history.
type HistoryEvent struct {
	From    Status    `dynamodbav:"from" json:"from"`
	To      Status    `dynamodbav:"to" json:"to"`
	ActorID string    `dynamodbav:"actor_id" json:"actor_id"`
	Role    Role      `dynamodbav:"role" json:"role"`
	Reason  string    `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	At      time.Time `dynamodbav:"at" json:"at"`
}

// Order is the central aggregate. All money fields are integer minor
// currency units. Mutations go through the state machine plus the store's
// optimistic version check; fields are never written directly elsewhere.
type Order struct {
	OrderID     string      `dynamodbav:"order_id" json:"order_id"` // PK
	ServiceType ServiceType `dynamodbav:"service_type" json:"service_type"`
	Status      Status      `dynamodbav:"status" json:"status"`

	CustomerID         string `dynamodbav:"customer_id" json:"customer_id"`
	ExternalCustomerID string `dynamodbav:"external_customer_id,omitempty" json:"external_customer_id,omitempty"`
	PaymentMethodToken string `dynamodbav:"payment_method_token,omitempty" json:"payment_method_token,omitempty"`
	ChargeID           string `dynamodbav:"charge_id,omitempty" json:"charge_id,omitempty"`
	RefundID           string `dynamodbav:"refund_id,omitempty" json:"refund_id,omitempty"`
	ReceiptRef         string `dynamodbav:"receipt_ref,omitempty" json:"receipt_ref,omitempty"`

	SubtotalMinor int64  `dynamodbav:"subtotal_minor" json:"subtotal_minor"`
	TaxMinor      int64  `dynamodbav:"tax_minor" json:"tax_minor"`
	FeesMinor     int64  `dynamodbav:"fees_minor" json:"fees_minor"`
	TotalMinor    int64  `dynamodbav:"total_minor" json:"total_minor"`
	Quote         *Quote `dynamodbav:"quote,omitempty" json:"quote,omitempty"`

	Policy *PolicySnapshot `dynamodbav:"policy,omitempty" json:"policy,omitempty"`

	ServiceWindowStart time.Time `dynamodbav:"service_window_start" json:"service_window_start"`
	ServiceWindowEnd   time.Time `dynamodbav:"service_window_end" json:"service_window_end"`

	// Reschedule linkage: a pickup/delivery reschedule cancels the original
	// and creates a successor order; on-site reschedules move the window on
	// the same order.
	SuccessorOrderID   string `dynamodbav:"successor_order_id,omitempty" json:"successor_order_id,omitempty"`
	PredecessorOrderID string `dynamodbav:"predecessor_order_id,omitempty" json:"predecessor_order_id,omitempty"`

	History []HistoryEvent `dynamodbav:"history" json:"history"`

	LastActorID   string `dynamodbav:"last_actor_id,omitempty" json:"last_actor_id,omitempty"`
	LastActorRole Role   `dynamodbav:"last_actor_role,omitempty" json:"last_actor_role,omitempty"`

	// LastChargeAttemptAt is bumped by the optimistic claim that serializes
	// concurrent charge attempts on the same order.
	LastChargeAttemptAt time.Time `dynamodbav:"last_charge_attempt_at" json:"last_charge_attempt_at"`

	Version   int64     `dynamodbav:"version" json:"version"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Terminal reports whether the order is in a terminal state. Terminal orders
// are immutable except for refund bookkeeping.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCanceled, StatusFailedVoid:
		return true
	}
	return false
}

// Charged reports whether real funds have been captured for this order.
func (o *Order) Charged() bool {
	return o.ChargeID != ""
}
