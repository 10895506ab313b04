package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/payments"
	"github.com/cleanlyhq/bookingflow/internal/policy"
	"github.com/cleanlyhq/bookingflow/internal/saga"
	"github.com/cleanlyhq/bookingflow/internal/validation"
	"github.com/cleanlyhq/bookingflow/internal/webhooks"
)

// Config groups dependencies for the HTTP surface.
type Config struct {
	Orchestrator  *saga.Orchestrator
	OrderStore    *orders.Store
	PolicyStore   *policy.Store
	Engine        *policy.Engine
	Ingestor      *webhooks.Ingestor
	WebhookSecret string
}

// RegisterRoutes registers the booking, fulfillment, policy, and webhook routes.
func RegisterRoutes(r *gin.Engine, cfg Config) {
	v := validation.New()

	r.POST("/bookings", createBooking(cfg, v))
	r.GET("/orders/:id", getOrder(cfg))
	r.POST("/orders/:id/pickup", markPickup(cfg))
	r.POST("/orders/:id/quote", submitQuote(cfg, v))
	r.POST("/orders/:id/approve", approveQuote(cfg))
	r.POST("/orders/:id/complete", completeOrder(cfg))
	r.POST("/orders/:id/cancel", cancelOrder(cfg))
	r.POST("/orders/:id/reschedule", rescheduleOrder(cfg, v))
	r.POST("/policies", publishPolicy(cfg, v))
	r.POST("/webhooks/payments", ingestWebhook(cfg))
}

// actorFromHeaders builds the acting identity from explicit request headers.
// The SAGA role is internal and can never arrive over HTTP.
func actorFromHeaders(c *gin.Context) (orders.Actor, bool) {
	role := orders.Role(c.GetHeader("X-Actor-Role"))
	switch role {
	case orders.RoleCustomer, orders.RolePartner, orders.RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_actor_role"})
		return orders.Actor{}, false
	}
	id := c.GetHeader("X-Actor-Id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_actor_id"})
		return orders.Actor{}, false
	}
	return orders.Actor{ID: id, Role: role}, true
}

// writeError maps domain errors onto HTTP statuses. Transient failures are
// reported retryable so the client can resubmit with the same key.
func writeError(c *gin.Context, err error) {
	var invalid *orders.InvalidTransitionError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "from": invalid.From, "to": invalid.To})
		return
	}
	var denied *orders.TransitionDeniedError
	if errors.As(err, &denied) {
		c.JSON(http.StatusForbidden, gin.H{"error": "transition_denied", "reason": denied.Reason})
		return
	}
	var retryable *saga.RetryableError
	if errors.As(err, &retryable) || errors.Is(err, saga.ErrChargeInFlight) || payments.IsTransient(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "retryable": true, "detail": err.Error()})
		return
	}
	var terminal *saga.TerminalError
	if errors.As(err, &terminal) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "booking_failed", "retryable": false, "detail": terminal.Error()})
		return
	}
	var pe *payments.ProcessorError
	if errors.As(err, &pe) && pe.Class == payments.ClassTerminal {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_failed", "code": pe.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "detail": err.Error()})
}

func createBooking(cfg Config, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CreateBookingRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		order, err := cfg.Orchestrator.Book(ctx, saga.BookingRequest{
			CustomerID:         req.CustomerID,
			CustomerEmail:      req.CustomerEmail,
			ServiceType:        orders.ServiceType(req.ServiceType),
			PaymentMethodToken: req.PaymentMethodToken,
			SubtotalMinor:      req.SubtotalMinor,
			TaxMinor:           req.TaxMinor,
			FeesMinor:          req.FeesMinor,
			TotalMinor:         req.TotalMinor,
			ServiceWindowStart: req.ServiceWindowStart,
			ServiceWindowEnd:   req.ServiceWindowEnd,
		}, idempKey)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header("Location", "/orders/"+order.OrderID)
		c.JSON(http.StatusCreated, gin.H{"order": order})
	}
}

func getOrder(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := cfg.OrderStore.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}

func markPickup(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		order, err := cfg.Orchestrator.MarkInProgress(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}

func submitQuote(cfg Config, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		var req validation.SubmitQuoteRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		lines := make([]orders.QuoteLine, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, orders.QuoteLine{Description: l.Description, AmountMinor: l.AmountMinor})
		}
		quote := orders.Quote{Lines: lines, TotalMinor: req.TotalMinor, ExpiresAt: req.ExpiresAt}

		order, outcome, err := cfg.Orchestrator.SubmitQuote(c.Request.Context(), c.Param("id"), quote, actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "charge": outcome})
	}
}

func approveQuote(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		order, outcome, err := cfg.Orchestrator.ApproveQuote(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "charge": outcome})
	}
}

func completeOrder(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		order, err := cfg.Orchestrator.Complete(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}

func cancelOrder(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		order, eval, err := cfg.Orchestrator.Cancel(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "evaluation": eval})
	}
}

func rescheduleOrder(cfg Config, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		var req validation.RescheduleRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		order, err := cfg.Orchestrator.Reschedule(c.Request.Context(), c.Param("id"), req.NewWindowStart, req.NewWindowEnd, actor)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}

func publishPolicy(cfg Config, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			return
		}
		if actor.Role != orders.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin_only"})
			return
		}
		var req validation.PublishPolicyRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		published, err := cfg.PolicyStore.Publish(c.Request.Context(), policy.Policy{
			ServiceType:                 orders.ServiceType(req.ServiceType),
			NoticeHours:                 req.NoticeHours,
			CancellationFeeBps:          req.CancellationFeeBps,
			RescheduleFeeBps:            req.RescheduleFeeBps,
			AllowCancellation:           req.AllowCancellation,
			AllowReschedule:             req.AllowReschedule,
			AllowRescheduleInsideNotice: req.AllowRescheduleInsideNotice,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"policy": published})
	}
}

func ingestWebhook(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		if !verifySignature(cfg.WebhookSecret, body, c.GetHeader("X-Processor-Signature")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}
		eventID := c.GetHeader("X-Processor-Event-Id")
		if eventID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_event_id"})
			return
		}
		if err := cfg.Ingestor.Ingest(c.Request.Context(), eventID, body); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// verifySignature checks the hex HMAC-SHA256 of the body against the header.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
