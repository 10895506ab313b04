package validation

import "time"

// CreateBookingRequest is the payload for POST /bookings.
type CreateBookingRequest struct {
	CustomerID         string    `json:"customer_id" validate:"required"`
	CustomerEmail      string    `json:"customer_email" validate:"required,email"`
	ServiceType        string    `json:"service_type" validate:"required,oneof=PICKUP_DELIVERY ON_SITE"`
	PaymentMethodToken string    `json:"payment_method_token" validate:"required"`
	SubtotalMinor      int64     `json:"subtotal_minor" validate:"min=0"`
	TaxMinor           int64     `json:"tax_minor" validate:"min=0"`
	FeesMinor          int64     `json:"fees_minor" validate:"min=0"`
	TotalMinor         int64     `json:"total_minor" validate:"required,gt=0"`
	ServiceWindowStart time.Time `json:"service_window_start" validate:"required"`
	ServiceWindowEnd   time.Time `json:"service_window_end" validate:"required"`
}

// QuoteLineRequest is a single priced line of a submitted quote.
type QuoteLineRequest struct {
	Description string `json:"description" validate:"required"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
}

// SubmitQuoteRequest is the payload for POST /orders/:id/quote.
type SubmitQuoteRequest struct {
	Lines      []QuoteLineRequest `json:"lines" validate:"required,min=1,dive"`
	TotalMinor int64              `json:"total_minor" validate:"required,gt=0"`
	ExpiresAt  time.Time          `json:"expires_at" validate:"required"`
}

// RescheduleRequest is the payload for POST /orders/:id/reschedule.
type RescheduleRequest struct {
	NewWindowStart time.Time `json:"new_window_start" validate:"required"`
	NewWindowEnd   time.Time `json:"new_window_end" validate:"required"`
}

// PublishPolicyRequest is the payload for POST /policies.
type PublishPolicyRequest struct {
	ServiceType                 string `json:"service_type" validate:"required,oneof=PICKUP_DELIVERY ON_SITE"`
	NoticeHours                 int    `json:"notice_hours" validate:"min=0"`
	CancellationFeeBps          int    `json:"cancellation_fee_bps" validate:"min=0,max=10000"`
	RescheduleFeeBps            int    `json:"reschedule_fee_bps" validate:"min=0,max=10000"`
	AllowCancellation           bool   `json:"allow_cancellation"`
	AllowReschedule             bool   `json:"allow_reschedule"`
	AllowRescheduleInsideNotice bool   `json:"allow_reschedule_inside_notice"`
}
