package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/dynamotest"
	"github.com/cleanlyhq/bookingflow/internal/idempotency"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
)

// fakeSQS records sent message bodies per queue URL.
type fakeSQS struct {
	mu     sync.Mutex
	bodies map[string][]string
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{bodies: map[string][]string{}}
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[*params.QueueUrl] = append(f.bodies[*params.QueueUrl], *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) sent(queueURL string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[queueURL]...)
}

const (
	testNotifQueue = "https://sqs.test/notifications"
	testRetryQueue = "https://sqs.test/charge-retries"
)

// harness wires a full orchestrator against in-memory fakes.
type harness struct {
	orch        *Orchestrator
	dynamo      *dynamotest.Fake
	stub        *payments.StubProcessor
	sqs         *fakeSQS
	orderStore  *orders.Store
	policyStore *policy.Store
	idempStore  *idempotency.Store
	ledger      *RetryLedger
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := dynamotest.New()
	q := newFakeSQS()
	stub := payments.NewStubProcessor()

	orderStore := orders.NewStore(fake, "orders")
	policyStore := policy.NewStore(fake, "policies")
	engine := policy.NewEngine(policyStore)
	machine := orders.NewMachine(engine)
	idempStore := idempotency.NewStore(fake, "executions", 48*time.Hour)
	ledger := NewRetryLedger(fake, "charge-retries", awsx.NewPublisher(q, testRetryQueue))

	cfg := Config{ValidationAmountMinor: 100, MaxStepRetries: 0, StepBackoff: time.Millisecond}
	orch := New(idempStore, orderStore, machine, engine, stub,
		awsx.NewPublisher(q, testNotifQueue), awsx.NewMetrics(nil, "Test"), ledger, cfg)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orch.nowFunc = func() time.Time { return now }
	orch.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{
		orch:        orch,
		dynamo:      fake,
		stub:        stub,
		sqs:         q,
		orderStore:  orderStore,
		policyStore: policyStore,
		idempStore:  idempStore,
		ledger:      ledger,
		now:         now,
	}
}

func (h *harness) bookingRequest(st orders.ServiceType) BookingRequest {
	return BookingRequest{
		CustomerID:         "c-1",
		CustomerEmail:      "c@example.com",
		ServiceType:        st,
		PaymentMethodToken: "pm_tok_1",
		SubtotalMinor:      9000,
		TaxMinor:           800,
		FeesMinor:          200,
		TotalMinor:         10000,
		ServiceWindowStart: h.now.Add(48 * time.Hour),
		ServiceWindowEnd:   h.now.Add(50 * time.Hour),
	}
}

// seedOrder creates an order directly in the store, bypassing the saga.
func (h *harness) seedOrder(t *testing.T, o *orders.Order) *orders.Order {
	t.Helper()
	if o.ServiceWindowStart.IsZero() {
		o.ServiceWindowStart = h.now.Add(48 * time.Hour)
		o.ServiceWindowEnd = h.now.Add(50 * time.Hour)
	}
	if o.Policy == nil {
		o.Policy = &orders.PolicySnapshot{
			PolicyID:           "pol-test",
			Version:            1,
			NoticeHours:        24,
			CancellationFeeBps: 1500,
			RescheduleFeeBps:   500,
			AllowCancellation:  true,
			AllowReschedule:    true,
		}
	}
	if err := h.orderStore.Create(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

var (
	adminActor    = orders.Actor{ID: "a-1", Role: orders.RoleAdmin}
	partnerActor  = orders.Actor{ID: "p-1", Role: orders.RolePartner}
	customerActor = orders.Actor{ID: "c-1", Role: orders.RoleCustomer}
)
