package payments

import "context"

// ProcessorAPI is the adapter boundary to the external payment processor.
// Every mutating call carries an idempotency token; the processor treats a
// repeated token as the same logical operation, which is what makes saga step
// retries safe.
type ProcessorAPI interface {
	CreateCustomer(ctx context.Context, in CreateCustomerInput) (*Customer, error)
	AttachPaymentMethod(ctx context.Context, in AttachPaymentMethodInput) (*PaymentMethod, error)
	Authorize(ctx context.Context, in AuthorizeInput) (*Authorization, error)
	Capture(ctx context.Context, in CaptureInput) (*Charge, error)
	Refund(ctx context.Context, in RefundInput) (*Refund, error)
}

type CreateCustomerInput struct {
	IdempotencyKey string
	CustomerRef    string // our internal customer id
	Email          string
}

type Customer struct {
	ID string // processor-side customer id
}

type AttachPaymentMethodInput struct {
	IdempotencyKey string
	CustomerID     string // processor-side customer id
	MethodToken    string // tokenized instrument from the client SDK
}

type PaymentMethod struct {
	Token      string
	CustomerID string
}

type AuthorizeInput struct {
	IdempotencyKey string
	CustomerID     string
	MethodToken    string
	AmountMinor    int64
}

type Authorization struct {
	ID          string
	AmountMinor int64
}

type CaptureInput struct {
	IdempotencyKey string
	CustomerID     string
	MethodToken    string
	AmountMinor    int64
	OrderRef       string
}

type Charge struct {
	ID          string
	AmountMinor int64
}

type RefundInput struct {
	IdempotencyKey string
	ChargeID       string // charge or authorization to reverse
	AmountMinor    int64
}

type Refund struct {
	ID string
}
