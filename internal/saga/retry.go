package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
)

// ChargeRetryMessage is the payload sent to the charge-retry queue and
// consumed by the worker.
type ChargeRetryMessage struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// RetryEntry is one row of the durable charge-retry ledger.
type RetryEntry struct {
	OrderID     string    `dynamodbav:"order_id"` // PK
	AmountMinor int64     `dynamodbav:"amount_minor"`
	Attempts    int       `dynamodbav:"attempts"`
	LastError   string    `dynamodbav:"last_error,omitempty"`
	Resolved    bool      `dynamodbav:"resolved"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
}

// RetryLedger records failed charge attempts durably and enqueues them for
// the worker. A failed charge never fails the surrounding fulfillment
// transition; it lands here and is reported as "payment pending retry".
type RetryLedger struct {
	client    awsx.DynamoDBAPI
	tableName string
	publisher *awsx.Publisher
	nowFunc   func() time.Time
}

// NewRetryLedger binds the ledger to its table and queue.
func NewRetryLedger(client awsx.DynamoDBAPI, tableName string, publisher *awsx.Publisher) *RetryLedger {
	return &RetryLedger{
		client:    client,
		tableName: tableName,
		publisher: publisher,
		nowFunc:   time.Now,
	}
}

// Record upserts the ledger row, increments its attempt counter, and sends
// the retry message to the queue.
func (l *RetryLedger) Record(ctx context.Context, orderID string, amountMinor int64, cause string) error {
	now := l.nowFunc()
	_, err := l.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET amount_minor = :a, last_error = :e, resolved = :r, updated_at = :ua, created_at = if_not_exists(created_at, :ua), attempts = if_not_exists(attempts, :zero) + :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a":    &types.AttributeValueMemberN{Value: strconv.FormatInt(amountMinor, 10)},
			":e":    &types.AttributeValueMemberS{Value: cause},
			":r":    &types.AttributeValueMemberBOOL{Value: false},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":inc":  &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return fmt.Errorf("record retry: %w", err)
	}

	msg := ChargeRetryMessage{OrderID: orderID, AmountMinor: amountMinor}
	body, _ := json.Marshal(msg)
	if err := l.publisher.SendMessage(ctx, string(body), map[string]string{"order_id": orderID}); err != nil {
		// Ledger row survives; an operational sweep can re-enqueue.
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

// Get fetches the ledger row for an order. Returns (nil, nil) if absent.
func (l *RetryLedger) Get(ctx context.Context, orderID string) (*RetryEntry, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get retry entry: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e RetryEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal retry entry: %w", err)
	}
	return &e, nil
}

// Resolve marks the ledger row settled after a successful charge.
func (l *RetryLedger) Resolve(ctx context.Context, orderID string) error {
	now := l.nowFunc()
	_, err := l.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &l.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET resolved = :r, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r":  &types.AttributeValueMemberBOOL{Value: true},
			":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("resolve retry: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
