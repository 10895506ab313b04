package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
)

// ErrVersionConflict indicates the optimistic version check failed: another
// writer transitioned the order first. Callers reload and re-authorize.
var ErrVersionConflict = errors.New("order version conflict")

// ErrOrderExists indicates a create hit an existing order id.
var ErrOrderExists = errors.New("order already exists")

// Store encapsulates operations on the orders table.
type Store struct {
	client    awsx.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client awsx.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a brand new order. Fails with ErrOrderExists if the id is
// already taken, which makes saga step retries safe.
func (s *Store) Create(ctx context.Context, o *Order) error {
	now := s.nowFunc()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrOrderExists
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found. Stored
// status values are normalized before any business logic sees them, so legacy
// rows from the prior status scheme cannot leak an undefined state.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	normalized, known := NormalizeStatus(string(o.Status))
	if !known {
		log.Printf("[orders] order=%s carries unknown status %q, normalized to %s", o.OrderID, o.Status, normalized)
	}
	o.Status = normalized
	return &o, nil
}

// Save persists a mutated order with an optimistic version check: the write
// succeeds only if the stored version still equals the version the order was
// loaded at. On success the stored version is incremented. Two concurrent
// transitions on the same order therefore cannot both pass their guard.
func (s *Store) Save(ctx context.Context, o *Order) error {
	loadedVersion := o.Version
	o.Version = loadedVersion + 1
	o.UpdatedAt = s.nowFunc()

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		o.Version = loadedVersion
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(loadedVersion, 10)},
		},
	})
	if err != nil {
		o.Version = loadedVersion
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrVersionConflict
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
