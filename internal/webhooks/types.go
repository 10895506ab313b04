package webhooks

import "time"

// Event types delivered by the payment processor's signed callback.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeRefunded  = "charge.refunded"
)

// Payload is the decoded body of a processor event.
type Payload struct {
	Type        string `json:"type"`
	OrderID     string `json:"order_id"`
	ChargeID    string `json:"charge_id,omitempty"`
	RefundID    string `json:"refund_id,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	ReceiptRef  string `json:"receipt_ref,omitempty"`
}

// EventRecord is the dedupe ledger row. The same external event id is applied
// to the domain at most once, regardless of delivery retries.
type EventRecord struct {
	EventID     string    `dynamodbav:"event_id"` // PK
	OrderID     string    `dynamodbav:"order_id,omitempty"`
	Type        string    `dynamodbav:"type,omitempty"`
	Outcome     string    `dynamodbav:"outcome,omitempty"`
	ProcessedAt time.Time `dynamodbav:"processed_at"`
}
