package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/cleanlyhq/bookingflow/internal/awsx"
	"github.com/cleanlyhq/bookingflow/internal/handlers"
	"github.com/cleanlyhq/bookingflow/internal/idempotency"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
	"github.com/cleanlyhq/bookingflow/internal/saga"
	"github.com/cleanlyhq/bookingflow/internal/webhooks"
)

func setupRouter(cfg handlers.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func buildConfig(clients *awsx.Clients) handlers.Config {
	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	policyStore := policy.NewStore(clients.DynamoDB, os.Getenv("POLICIES_TABLE"))
	engine := policy.NewEngine(policyStore)
	machine := orders.NewMachine(engine)
	idempStore := idempotency.NewStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"), 48*time.Hour)
	publisher := awsx.NewPublisher(clients.SQS, os.Getenv("NOTIFICATIONS_QUEUE_URL"))
	metrics := awsx.NewMetrics(clients.CloudWatch, "BookingFlow")
	ledger := saga.NewRetryLedger(clients.DynamoDB, os.Getenv("CHARGE_RETRIES_TABLE"), awsx.NewPublisher(clients.SQS, os.Getenv("CHARGE_RETRY_QUEUE_URL")))

	// Stub processor behind the full guard stack. The real PSP client slots in
	// here without touching the saga.
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

	orchestrator := saga.New(idempStore, orderStore, machine, engine, guarded, publisher, metrics, ledger, saga.DefaultConfig())
	ingestor := webhooks.NewIngestor(clients.DynamoDB, os.Getenv("WEBHOOK_EVENTS_TABLE"), os.Getenv("ORDERS_TABLE"), orderStore, machine, metrics)

	return handlers.Config{
		Orchestrator:  orchestrator,
		OrderStore:    orderStore,
		PolicyStore:   policyStore,
		Engine:        engine,
		Ingestor:      ingestor,
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}
}

func main() {
	clients, err := awsx.NewClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	r := setupRouter(buildConfig(clients))

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
