package awsx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Intent names emitted by the core. Formatting and delivery (SMS/email
// templates) happen downstream; we only ship data.
const (
	IntentBookingConfirmed      = "booking_confirmed"
	IntentQuoteAwaitingApproval = "quote_awaiting_approval"
	IntentChargeSucceeded       = "charge_succeeded"
	IntentChargeRetryScheduled  = "charge_retry_scheduled"
	IntentOrderCanceled         = "order_canceled"
)

// NotificationIntent is the message shape sent to the notifications queue.
type NotificationIntent struct {
	Intent    string            `json:"intent"`
	OrderID   string            `json:"order_id"`
	Data      map[string]string `json:"data,omitempty"`
	EmittedAt time.Time         `json:"emitted_at"`
}

// Publisher wraps an SQS client and a queue URL. Like Metrics, it is safe
// on a nil receiver or a nil client: delivery is skipped.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
	nowFunc  func() time.Time
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
		nowFunc:  time.Now,
	}
}

// PublishIntent sends a notification intent to the queue. The intent name is
// duplicated as a message attribute so consumers can filter without parsing
// the body.
func (p *Publisher) PublishIntent(ctx context.Context, intent, orderID string, data map[string]string) error {
	if p == nil || p.SQS == nil {
		return nil
	}
	msg := NotificationIntent{
		Intent:    intent,
		OrderID:   orderID,
		Data:      data,
		EmittedAt: p.nowFunc().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	return p.send(ctx, string(body), map[string]string{
		"intent":   intent,
		"order_id": orderID,
	})
}

// SendMessage sends a raw JSON message body with string attributes. Used by
// the charge-retry path which has its own payload shape.
func (p *Publisher) SendMessage(ctx context.Context, messageBody string, attributes map[string]string) error {
	if p == nil || p.SQS == nil {
		return nil
	}
	return p.send(ctx, messageBody, attributes)
}

func (p *Publisher) send(ctx context.Context, messageBody string, attributes map[string]string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
