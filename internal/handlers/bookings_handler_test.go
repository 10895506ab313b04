package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cleanlyhq/bookingflow/internal/dynamotest"
	"github.com/cleanlyhq/bookingflow/internal/orders"
	"github.com/cleanlyhq/bookingflow/internal/policy"
	"github.com/cleanlyhq/bookingflow/internal/webhooks"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orders.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := dynamotest.New()
	orderStore := orders.NewStore(fake, "orders")
	policyStore := policy.NewStore(fake, "policies")
	engine := policy.NewEngine(policyStore)
	machine := orders.NewMachine(engine)
	ingestor := webhooks.NewIngestor(fake, "webhook-events", "orders", orderStore, machine, nil)

	r := gin.New()
	RegisterRoutes(r, Config{
		OrderStore:    orderStore,
		PolicyStore:   policyStore,
		Engine:        engine,
		Ingestor:      ingestor,
		WebhookSecret: "test-secret",
	})
	return r, orderStore
}

func validBookingBody(t *testing.T) []byte {
	t.Helper()
	start := time.Now().Add(48 * time.Hour)
	b, err := json.Marshal(map[string]any{
		"customer_id":          "c-1",
		"customer_email":       "c@example.com",
		"service_type":         "ON_SITE",
		"payment_method_token": "pm_tok_1",
		"subtotal_minor":       9000,
		"tax_minor":            800,
		"fees_minor":           200,
		"total_minor":          10000,
		"service_window_start": start.Format(time.RFC3339),
		"service_window_end":   start.Add(2 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return b
}

func TestCreateBookingRequiresIdempotencyKey(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(validBookingBody(t)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); !bytes.Contains([]byte(got), []byte("missing_idempotency_key")) {
		t.Fatalf("unexpected body: %s", got)
	}
}

func TestCreateBookingRejectsBrokenMoneyBreakdown(t *testing.T) {
	r, _ := newTestRouter(t)

	body := validBookingBody(t)
	var m map[string]any
	json.Unmarshal(body, &m)
	m["total_minor"] = 9999 // subtotal+tax+fees = 10000
	body, _ = json.Marshal(m)

	req := httptest.NewRequest(http.MethodPost, "/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestActorHeadersAreValidated(t *testing.T) {
	r, _ := newTestRouter(t)

	cases := []struct {
		name string
		role string
		id   string
	}{
		{"missing role", "", "u-1"},
		{"internal role rejected", "SAGA", "u-1"},
		{"unknown role", "ROOT", "u-1"},
		{"missing id", "ADMIN", ""},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodPost, "/orders/o-1/pickup", nil)
		if c.role != "" {
			req.Header.Set("X-Actor-Role", c.role)
		}
		if c.id != "" {
			req.Header.Set("X-Actor-Id", c.id)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", c.name, w.Code)
		}
	}
}

func TestPublishPolicyIsAdminOnly(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"service_type":         "ON_SITE",
		"notice_hours":         24,
		"cancellation_fee_bps": 1500,
		"allow_cancellation":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Role", "PARTNER")
	req.Header.Set("X-Actor-Id", "p-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPublishPolicyAsAdmin(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"service_type":         "ON_SITE",
		"notice_hours":         24,
		"cancellation_fee_bps": 1500,
		"allow_cancellation":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Role", "ADMIN")
	req.Header.Set("X-Actor-Id", "a-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetOrder(t *testing.T) {
	r, orderStore := newTestRouter(t)
	if err := orderStore.Create(context.Background(), &orders.Order{
		OrderID: "o-1", ServiceType: orders.ServiceOnSite, Status: orders.StatusAwaitingFulfillment,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/o-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignatureVerification(t *testing.T) {
	r, orderStore := newTestRouter(t)
	if err := orderStore.Create(context.Background(), &orders.Order{
		OrderID: "o-1", ServiceType: orders.ServiceOnSite, Status: orders.StatusInProgress, TotalMinor: 5000,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	body, _ := json.Marshal(webhooks.Payload{Type: webhooks.EventChargeSucceeded, OrderID: "o-1", ChargeID: "ch_1", AmountMinor: 5000})

	// Wrong signature: rejected before any processing.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Processor-Signature", "deadbeef")
	req.Header.Set("X-Processor-Event-Id", "evt-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Correct signature: event applies.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Processor-Signature", signBody("test-secret", body))
	req.Header.Set("X-Processor-Event-Id", "evt-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := orderStore.Get(context.Background(), "o-1")
	if got.Status != orders.StatusPaid {
		t.Fatalf("webhook did not settle the order: %s", got.Status)
	}
}

func TestWebhookRequiresEventID(t *testing.T) {
	r, _ := newTestRouter(t)
	body := []byte(`{"type":"charge.succeeded"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Processor-Signature", signBody("test-secret", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
