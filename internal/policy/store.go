package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/orders"
)

// ErrVersionRace indicates a concurrent publish won; callers re-read and retry.
var ErrVersionRace = errors.New("policy version race")

// Store reads and publishes versioned policies. Table layout: partition key
// service_type, sort key version (number).
type Store struct {
	client    awsx.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a policy Store.
func NewStore(client awsx.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Active returns the single active policy for the service type, or (nil, nil)
// when none has been published yet.
func (s *Store) Active(ctx context.Context, serviceType orders.ServiceType) (*Policy, error) {
	latest, err := s.latest(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	if latest == nil || !latest.Active {
		return nil, nil
	}
	return latest, nil
}

// latest returns the highest-version row for the service type, active or not.
func (s *Store) latest(ctx context.Context, serviceType orders.ServiceType) (*Policy, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: awsString("service_type = :st"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(serviceType)},
		},
		ScanIndexForward: awsBool(false),
		Limit:            awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var p Policy
	if err := attributevalue.UnmarshalMap(out.Items[0], &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &p, nil
}

// Publish writes a new active version and deactivates the prior one in a
// single transaction. The new row's version is prior+1; a conditional put on
// the (service_type, version) pair makes concurrent publishes lose cleanly.
func (s *Store) Publish(ctx context.Context, p Policy) (*Policy, error) {
	prior, err := s.latest(ctx, p.ServiceType)
	if err != nil {
		return nil, err
	}

	p.Version = 1
	if prior != nil {
		p.Version = prior.Version + 1
	}
	if p.PolicyID == "" {
		p.PolicyID = uuid.NewString()
	}
	p.Active = true
	p.CreatedAt = s.nowFunc()

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(service_type)"),
			},
		},
	}
	if prior != nil && prior.Active {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"service_type": &types.AttributeValueMemberS{Value: string(prior.ServiceType)},
					"version":      &types.AttributeValueMemberN{Value: strconv.Itoa(prior.Version)},
				},
				UpdateExpression: awsString("SET active = :f"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":f": &types.AttributeValueMemberBOOL{Value: false},
				},
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return nil, ErrVersionRace
		}
		return nil, fmt.Errorf("transact publish policy: %w", err)
	}
	return &p, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }
