package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/settle/internal/app"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/documents"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/gateway/gatewaytest"
	"github.com/felixgeelhaar/settle/pkg/config"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler   http.Handler
	gateway   *gatewaytest.Gateway
	container *app.Container
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		AppEnv:            "test",
		DatabaseDriver:    "sqlite",
		SQLitePath:        filepath.Join(dir, "settle.db"),
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 3,
		OrderTTL:          30 * time.Minute,
		StaleAfter:        15 * time.Minute,
		PollInterval:      5 * time.Millisecond,
		PollTimeout:       time.Second,
		TaxRate:           decimal.RequireFromString("0.1"),
		Seller:            "Settle Test",
		InvoiceNode:       1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw := gatewaytest.New("test", "secret", domain.MethodCheckoutSession)
	c, err := app.NewContainer(context.Background(), cfg, logger,
		app.WithGatewayAdapters(gw),
		app.WithDocumentStore(documents.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	handler := NewBillingHandler(BillingHandlerConfig{
		Purchases:        c.Purchases,
		Ledger:           c.Ledger,
		Poller:           c.Poller,
		Notifications:    c.Notifications,
		Fulfillment:      c.Fulfillment,
		Invoicer:         c.Invoicer,
		Entitlements:     c.Entitlements,
		Catalog:          c.Catalog,
		MaxLongPoll:      time.Second,
		NotificationAcks: map[string]string{"plain": "success"},
		Logger:           logger,
	})
	server := NewServer(DefaultServerConfig(), handler, c.Health, c.Metrics, logger)
	return &testServer{handler: server.Handler(), gateway: gw, container: c}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createOrder(t *testing.T, userID uuid.UUID, planID string) CreateOrderResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		UserID:        userID.String(),
		PlanID:        planID,
		PaymentMethod: string(domain.MethodCheckoutSession),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateOrderResponse](t, rec)
}

func (s *testServer) pay(t *testing.T, order OrderResponse, eventID string) *httptest.ResponseRecorder {
	t.Helper()
	raw := s.gateway.Notification(gatewaytest.Event{
		EventID:   eventID,
		EventType: "payment.succeeded",
		Reference: order.GatewayReference,
		Status:    string(domain.ExternalPaid),
		Amount:    order.Amount,
		Currency:  order.Currency,
	})
	return s.do(t, http.MethodPost, "/api/v1/webhooks/test", raw.Body,
		gatewaytest.SignatureHeader, raw.Header(gatewaytest.SignatureHeader))
}

func TestListPlans(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string][]PlanResponse](t, rec)
	require.Len(t, resp["plans"], 3)
	monthly := resp["plans"][0]
	assert.Equal(t, "pro-monthly", monthly.ID)
	assert.Equal(t, "19.00", monthly.Price)
	require.Len(t, monthly.Prices, 3)
	assert.Equal(t, "USD", monthly.Prices[0].Currency)
	assert.Equal(t, "136.80", monthly.Prices[1].Amount)
	assert.Equal(t, "CNY", monthly.Prices[1].Currency)
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()

	created := s.createOrder(t, userID, "pro-monthly")
	assert.False(t, created.Reused)
	assert.Equal(t, "pending", created.Order.Status)
	assert.Equal(t, "19.00", created.Order.Amount)
	require.NotNil(t, created.Payment)
	assert.Equal(t, "real", created.Payment.Kind)
	assert.NotEmpty(t, created.Payment.RedirectURL)

	// The same purchase intent returns the open order.
	rec := s.do(t, http.MethodPost, "/api/v1/orders", CreateOrderRequest{
		UserID:        userID.String(),
		PlanID:        "pro-monthly",
		PaymentMethod: string(domain.MethodCheckoutSession),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	reused := decode[CreateOrderResponse](t, rec)
	assert.True(t, reused.Reused)
	assert.Equal(t, created.Order.ID, reused.Order.ID)
	assert.Equal(t, created.Payment.RedirectURL, reused.Payment.RedirectURL)
}

func TestCreateOrder_Errors(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New().String()

	tests := []struct {
		name    string
		body    any
		headers []string
		status  int
		code    string
	}{
		{
			name:   "malformed body",
			body:   []byte("{"),
			status: http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "unknown field",
			body:   []byte(`{"userId":"` + userID + `","planId":"pro-monthly","paymentMethod":"checkout_session","coupon":"x"}`),
			status: http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "bad user id",
			body:   CreateOrderRequest{UserID: "nope", PlanID: "pro-monthly", PaymentMethod: "checkout_session"},
			status: http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "unknown method",
			body:   CreateOrderRequest{UserID: userID, PlanID: "pro-monthly", PaymentMethod: "cash"},
			status: http.StatusBadRequest,
			code:   "VALIDATION",
		},
		{
			name:   "unknown plan",
			body:   CreateOrderRequest{UserID: userID, PlanID: "enterprise", PaymentMethod: "checkout_session"},
			status: http.StatusNotFound,
			code:   "PLAN_NOT_FOUND",
		},
		{
			name:   "method without gateway",
			body:   CreateOrderRequest{UserID: userID, PlanID: "pro-monthly", PaymentMethod: "qr_wechat"},
			status: http.StatusServiceUnavailable,
			code:   "CONFIG_ERROR",
		},
		{
			name:    "idempotency key mismatch",
			body:    CreateOrderRequest{UserID: userID, PlanID: "pro-monthly", PaymentMethod: "checkout_session", IdempotencyKey: "a"},
			headers: []string{"Idempotency-Key", "b"},
			status:  http.StatusBadRequest,
			code:    "VALIDATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/orders", tt.body, tt.headers...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[APIError](t, rec).Code)
		})
	}
}

func TestCreateOrder_IdempotencyKeyReusedForOtherPlan(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.NewString()

	first := CreateOrderRequest{UserID: userID, PlanID: "pro-monthly", PaymentMethod: "checkout_session"}
	rec := s.do(t, http.MethodPost, "/api/v1/orders", first, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	other := CreateOrderRequest{UserID: userID, PlanID: "pro-yearly", PaymentMethod: "checkout_session"}
	rec = s.do(t, http.MethodPost, "/api/v1/orders", other, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decode[APIError](t, rec).Code)
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, uuid.New(), "pro-monthly")

	rec := s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Order.ID, decode[OrderResponse](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decode[APIError](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAndStatus(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	created := s.createOrder(t, userID, "pro-monthly")

	rec := s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[OrderStatusResponse](t, rec).Status)

	rec = s.pay(t, created.Order, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decode[map[string]any](t, rec)
	assert.Equal(t, "processed", ack["outcome"])
	assert.Equal(t, created.Order.ID, ack["orderId"])
	assert.Equal(t, "paid", ack["status"])

	rec = s.pay(t, created.Order, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[map[string]any](t, rec)["outcome"])

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[OrderStatusResponse](t, rec)
	assert.Equal(t, "paid", status.Status)
	assert.NotNil(t, status.PaidAt)
	assert.Equal(t, "complete", status.Fulfillment)

	rec = s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/orders?status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode[map[string][]OrderResponse](t, rec)["orders"]
	require.Len(t, orders, 1)
	assert.Equal(t, created.Order.ID, orders[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/orders?limit=1000000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]OrderResponse](t, rec)["orders"], 1)
}

func TestMonthlyPurchase_DuplicateWebhookKeepsOneInvoiceAndPeriod(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	userID := uuid.New()
	created := s.createOrder(t, userID, "pro-monthly")
	require.Equal(t, "19.00", created.Order.Amount)
	orderID := uuid.MustParse(created.Order.ID)

	rec := s.pay(t, created.Order, "evt_monthly")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processed", decode[map[string]any](t, rec)["outcome"])

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	assert.Equal(t, "paid", decode[OrderResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[SubscriptionResponse](t, rec)
	require.True(t, first.Active)
	assert.Equal(t, "active", first.Status)
	require.NotNil(t, first.PeriodStart)
	require.NotNil(t, first.PeriodEnd)
	days := first.PeriodEnd.Sub(*first.PeriodStart).Hours() / 24
	assert.GreaterOrEqual(t, days, 28.0)
	assert.LessOrEqual(t, days, 31.0)

	inv, err := s.container.Repos.Invoices.FindByOrderID(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.True(t, inv.Total.Equal(decimal.RequireFromString("19.00").Mul(decimal.RequireFromString("1.1"))), inv.Total.String())

	rec = s.pay(t, created.Order, "evt_monthly")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "duplicate", decode[map[string]any](t, rec)["outcome"])

	rec = s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[SubscriptionResponse](t, rec)
	require.NotNil(t, second.PeriodEnd)
	assert.True(t, first.PeriodEnd.Equal(*second.PeriodEnd))

	count, err := s.container.Repos.Invoices.CountByOrderID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWebhook_Rejections(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, uuid.New(), "pro-monthly")

	rec := s.do(t, http.MethodPost, "/api/v1/webhooks/test", []byte(`{"eventId":"evt_x"}`),
		gatewaytest.SignatureHeader, "wrong")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode[APIError](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/webhooks/unknown", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tampered := created.Order
	tampered.Amount = "0.01"
	rec = s.pay(t, tampered, "evt_cheap")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AMOUNT_MISMATCH", decode[APIError](t, rec).Code)

	rec = s.pay(t, tampered, "evt_cheap")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "redelivery gets the same answer")
	assert.Equal(t, "AMOUNT_MISMATCH", decode[APIError](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	assert.Equal(t, "pending", decode[OrderResponse](t, rec).Status)
}

func TestWebhook_PlainTextAck(t *testing.T) {
	s := newTestServer(t)
	gw := gatewaytest.New("plain", "s3", domain.MethodQRWeChat)
	s.container.Gateways.Register(gw)

	raw := gw.Notification(gatewaytest.Event{EventID: "evt_p", Reference: "unknown-ref", Status: "paid"})
	rec := s.do(t, http.MethodPost, "/api/v1/webhooks/plain", raw.Body, gatewaytest.SignatureHeader, "s3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestOrderStatus_LongPoll(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, uuid.New(), "lifetime")
	s.gateway.SetStatus(created.Order.GatewayReference, domain.ExternalPaid)

	rec := s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID+"/status?wait=1s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[OrderStatusResponse](t, rec)
	assert.Equal(t, "paid", status.Status)
	assert.False(t, status.TimedOut)
	assert.GreaterOrEqual(t, status.Polls, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID+"/status?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderStatus_LongPollTimeoutKeepsOrderPending(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, uuid.New(), "pro-monthly")

	rec := s.do(t, http.MethodGet, "/api/v1/orders/"+created.Order.ID+"/status?wait=50ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[OrderStatusResponse](t, rec)
	assert.True(t, status.TimedOut)
	assert.Equal(t, "pending", status.Status)
}

func TestInvoiceEndpoints(t *testing.T) {
	s := newTestServer(t)
	created := s.createOrder(t, uuid.New(), "pro-monthly")
	require.Equal(t, http.StatusOK, s.pay(t, created.Order, "evt_inv").Code)

	orderID := uuid.MustParse(created.Order.ID)
	inv, err := s.container.Repos.Invoices.FindByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	rec := s.do(t, http.MethodGet, "/api/v1/invoices/"+inv.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[InvoiceResponse](t, rec)
	assert.Equal(t, "19.00", resp.Amount)
	assert.Equal(t, "1.90", resp.Tax)
	assert.Equal(t, "20.90", resp.Total)
	assert.Equal(t, created.Order.ID, resp.OrderID)
	assert.True(t, strings.HasSuffix(resp.DocumentURL, "/document"))

	rec = s.do(t, http.MethodGet, resp.DocumentURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "invoice-")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = s.do(t, http.MethodGet, "/api/v1/invoices/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "INVOICE_NOT_FOUND", decode[APIError](t, rec).Code)
}

func TestSubscriptionAndDownloads(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()

	rec := s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[SubscriptionResponse](t, rec).Active)

	rec = s.do(t, http.MethodPost, "/api/v1/users/"+userID.String()+"/downloads", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NO_ACTIVE_SUBSCRIPTION", decode[APIError](t, rec).Code)

	created := s.createOrder(t, userID, "pro-monthly")
	require.Equal(t, http.StatusOK, s.pay(t, created.Order, "evt_sub").Code)

	rec = s.do(t, http.MethodPost, "/api/v1/users/"+userID.String()+"/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after := decode[SubscriptionResponse](t, rec)
	assert.Equal(t, 1, after.DownloadsUsed)
	assert.Equal(t, 99, after.DownloadsRemaining)

	rec = s.do(t, http.MethodGet, "/api/v1/users/"+userID.String()+"/subscription?history=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sub := decode[SubscriptionResponse](t, rec)
	assert.True(t, sub.Active)
	assert.Equal(t, "pro-monthly", sub.PlanID)
	assert.False(t, sub.Lifetime)
	require.NotNil(t, sub.PeriodEnd)
	require.Len(t, sub.History, 1)
	assert.Equal(t, created.Order.ID, sub.History[0].OrderID)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[observability.OverallHealth](t, rec)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)

	s.do(t, http.MethodGet, "/api/v1/plans", nil)
	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), observability.MetricHTTPRequests)
	assert.Contains(t, rec.Body.String(), `route="GET /api/v1/plans"`)
}

func TestRequestIDHeaders(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/plans", nil,
		observability.CorrelationIDHeader, "corr-1",
		observability.RequestIDHeader, "req-1")
	assert.Equal(t, "corr-1", rec.Header().Get(observability.CorrelationIDHeader))
	assert.Equal(t, "req-1", rec.Header().Get(observability.RequestIDHeader))

	rec = s.do(t, http.MethodGet, "/api/v1/plans", nil)
	assert.NotEmpty(t, rec.Header().Get(observability.CorrelationIDHeader))
	assert.NotEmpty(t, rec.Header().Get(observability.RequestIDHeader))
}
