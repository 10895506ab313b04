package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/idempotency"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
	"github.com/cleanlyhq/bookingflow/internal/saga"
)

// Processor handles SQS charge-retry messages and re-attempts captures.
type Processor struct {
	orchestrator *saga.Orchestrator
}

// NewProcessor wires the worker with AWS clients injected. The worker shares
// the saga's capture tokens, so redelivered messages never double-charge.
func NewProcessor(clients *awsx.Clients) *Processor {
	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	policyStore := policy.NewStore(clients.DynamoDB, os.Getenv("POLICIES_TABLE"))
	engine := policy.NewEngine(policyStore)
	machine := orders.NewMachine(engine)
	idempStore := idempotency.NewStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"), 48*time.Hour)
	publisher := awsx.NewPublisher(clients.SQS, os.Getenv("NOTIFICATIONS_QUEUE_URL"))
	metrics := awsx.NewMetrics(clients.CloudWatch, "BookingFlow")
	ledger := saga.NewRetryLedger(clients.DynamoDB, os.Getenv("CHARGE_RETRIES_TABLE"), awsx.NewPublisher(clients.SQS, os.Getenv("CHARGE_RETRY_QUEUE_URL")))

	breaker := payments.NewBreaker("processor", payments.BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}, nil)
	quota := payments.NewQuota(payments.QuotaConfig{
		CallsPerSecond: 10,
		Burst:          20,
		MaxWait:        2 * time.Second,
	})
	guarded := payments.NewGuarded(payments.NewStubProcessor(), breaker, quota, payments.GuardedConfig{
		CallTimeout: 5 * time.Second,
		MaxRetries:  2,
		Backoff:     200 * time.Millisecond,
	})

	return &Processor{
		orchestrator: saga.New(idempStore, orderStore, machine, engine, guarded, publisher, metrics, ledger, saga.DefaultConfig()),
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg saga.ChargeRetryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] charge retry order=%s amount=%d", msg.OrderID, msg.AmountMinor)
	return p.orchestrator.RetryCharge(ctx, msg)
}
