package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/orders"
)

var sagaActor = orders.Actor{ID: "webhook", Role: orders.RoleSaga}

// Ingestor applies asynchronous processor confirmations to orders. It
// reconciles saga-initiated state with processor-confirmed state: if the
// synchronous charge path crashed after calling the processor but before
// persisting the result, the webhook heals the order.
type Ingestor struct {
	client      awsx.DynamoDBAPI
	ledgerTable string
	ordersTable string
	orderStore  *orders.Store
	machine     *orders.Machine
	metrics     *awsx.Metrics
	nowFunc     func() time.Time
}

// NewIngestor wires an Ingestor. The ledger put and the order update are
// issued in one DynamoDB transaction so a crash cannot record the event
// without its effect (or vice versa).
func NewIngestor(client awsx.DynamoDBAPI, ledgerTable, ordersTable string, orderStore *orders.Store, machine *orders.Machine, metrics *awsx.Metrics) *Ingestor {
	return &Ingestor{
		client:      client,
		ledgerTable: ledgerTable,
		ordersTable: ordersTable,
		orderStore:  orderStore,
		machine:     machine,
		metrics:     metrics,
		nowFunc:     time.Now,
	}
}

// Ingest applies one external event at most once. Redelivery of a recorded
// event id returns success immediately without reapplying effects.
func (i *Ingestor) Ingest(ctx context.Context, externalEventID string, payload []byte) error {
	if externalEventID == "" {
		return errors.New("external event id required")
	}

	existing, err := i.getRecord(ctx, externalEventID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Printf("[webhooks] replay of event=%s, skipping", externalEventID)
		return nil
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		order, outcome, err := i.applyEffect(ctx, p)
		if err != nil {
			return err
		}

		err = i.commit(ctx, externalEventID, p, order, outcome)
		if err == nil {
			i.metrics.Count(ctx, "WebhookApplied", map[string]string{"type": p.Type})
			return nil
		}
		if errors.Is(err, errEventRecorded) {
			// Lost the first-writer race to a concurrent delivery.
			return nil
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return err
		}
		// Order moved underneath us; re-read and re-apply.
	}
	return orders.ErrVersionConflict
}

// applyEffect computes the order mutation the event implies. Returns a nil
// order when the event needs no order change (ledger entry only).
func (i *Ingestor) applyEffect(ctx context.Context, p Payload) (*orders.Order, string, error) {
	if p.OrderID == "" {
		return nil, "no order reference", nil
	}
	order, err := i.orderStore.Get(ctx, p.OrderID)
	if err != nil {
		return nil, "", err
	}
	if order == nil {
		log.Printf("[webhooks] event for unknown order=%s", p.OrderID)
		return nil, "order not found", nil
	}

	switch p.Type {
	case EventChargeSucceeded:
		changed := false
		if order.ChargeID == "" {
			order.ChargeID = p.ChargeID
			changed = true
		}
		if p.AmountMinor > 0 && order.TotalMinor != p.AmountMinor {
			order.TotalMinor = p.AmountMinor
			changed = true
		}
		if p.ReceiptRef != "" && order.ReceiptRef == "" {
			order.ReceiptRef = p.ReceiptRef
			changed = true
		}
		// Self-healing: the processor confirmed a charge the synchronous
		// path never persisted. Drive the order to paid if the machine
		// allows it from the current state.
		if order.Status != orders.StatusPaid && !order.Terminal() {
			if err := i.machine.Transition(order, orders.StatusPaid, sagaActor, "processor confirmed charge", i.nowFunc()); err == nil {
				changed = true
			} else {
				log.Printf("[webhooks] cannot heal order=%s to paid from %s: %v", order.OrderID, order.Status, err)
			}
		}
		if !changed {
			return nil, "already consistent", nil
		}
		return order, "charge recorded", nil

	case EventChargeRefunded:
		changed := false
		if order.RefundID == "" {
			order.RefundID = p.RefundID
			changed = true
		}
		if p.ReceiptRef != "" && order.ReceiptRef == "" {
			order.ReceiptRef = p.ReceiptRef
			changed = true
		}
		if !changed {
			return nil, "already consistent", nil
		}
		return order, "refund recorded", nil

	default:
		log.Printf("[webhooks] unknown event type %q for order=%s", p.Type, p.OrderID)
		return nil, "unknown event type", nil
	}
}

var errEventRecorded = errors.New("event already recorded")

// commit writes the ledger entry and, when the event mutated the order, the
// updated order, in a single transaction. First-writer-wins on the event id;
// the order put carries the optimistic version check.
func (i *Ingestor) commit(ctx context.Context, eventID string, p Payload, order *orders.Order, outcome string) error {
	rec := EventRecord{
		EventID:     eventID,
		OrderID:     p.OrderID,
		Type:        p.Type,
		Outcome:     outcome,
		ProcessedAt: i.nowFunc(),
	}
	recItem, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &i.ledgerTable,
				Item:                recItem,
				ConditionExpression: awsString("attribute_not_exists(event_id)"),
			},
		},
	}

	if order != nil {
		loadedVersion := order.Version
		order.Version = loadedVersion + 1
		order.UpdatedAt = i.nowFunc()
		orderItem, err := attributevalue.MarshalMap(order)
		if err != nil {
			order.Version = loadedVersion
			return fmt.Errorf("marshal order: %w", err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           &i.ordersTable,
				Item:                orderItem,
				ConditionExpression: awsString("version = :expected"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(loadedVersion, 10)},
				},
			},
		})
	}

	_, err = i.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			// Disambiguate: replayed event vs. lost order version race.
			existing, getErr := i.getRecord(ctx, eventID)
			if getErr == nil && existing != nil {
				return errEventRecorded
			}
			return orders.ErrVersionConflict
		}
		return fmt.Errorf("transact webhook commit: %w", err)
	}
	return nil
}

func (i *Ingestor) getRecord(ctx context.Context, eventID string) (*EventRecord, error) {
	out, err := i.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &i.ledgerTable,
		Key: map[string]types.AttributeValue{
			"event_id": &types.AttributeValueMemberS{Value: eventID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get event record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec EventRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal event record: %w", err)
	}
	return &rec, nil
}

func awsString(s string) *string { return &s }
