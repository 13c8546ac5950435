package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
)

const (
	maxRequestBody      = 64 << 10
	maxNotificationBody = 1 << 20
	defaultMaxLongPoll  = 30 * time.Second
	idempotencyHeader   = "Idempotency-Key"
)

// BillingHandler handles billing API requests.
type BillingHandler struct {
	purchases     *application.PurchaseService
	ledger        *application.Ledger
	poller        *application.Poller
	notifications *application.NotificationService
	fulfillment   *application.FulfillmentService
	invoicer      *application.Invoicer
	entitlements  *application.Service
	catalog       application.PlanCatalog
	maxLongPoll   time.Duration
	acks          map[string]string
	logger        *slog.Logger
}

// BillingHandlerConfig holds dependencies for the billing handler.
type BillingHandlerConfig struct {
	Purchases     *application.PurchaseService
	Ledger        *application.Ledger
	Poller        *application.Poller
	Notifications *application.NotificationService
	Fulfillment   *application.FulfillmentService
	Invoicer      *application.Invoicer
	Entitlements  *application.Service
	Catalog       application.PlanCatalog
	// MaxLongPoll bounds the wait parameter of the status endpoint.
	MaxLongPoll time.Duration
	// NotificationAcks maps a provider to the plain-text body it expects
	// after a notification was accepted. Other providers get JSON.
	NotificationAcks map[string]string
	Logger           *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(cfg BillingHandlerConfig) *BillingHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxLongPoll <= 0 {
		cfg.MaxLongPoll = defaultMaxLongPoll
	}
	return &BillingHandler{
		purchases:     cfg.Purchases,
		ledger:        cfg.Ledger,
		poller:        cfg.Poller,
		notifications: cfg.Notifications,
		fulfillment:   cfg.Fulfillment,
		invoicer:      cfg.Invoicer,
		entitlements:  cfg.Entitlements,
		catalog:       cfg.Catalog,
		maxLongPoll:   cfg.MaxLongPoll,
		acks:          cfg.NotificationAcks,
		logger:        cfg.Logger,
	}
}

// ListPlans handles GET /api/v1/plans
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.catalog.List()
	resp := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, toPlanResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": resp})
}

// CreateOrderRequest is the body of POST /api/v1/orders.
type CreateOrderRequest struct {
	UserID         string `json:"userId"`
	PlanID         string `json:"planId"`
	PaymentMethod  string `json:"paymentMethod"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// CreateOrder handles POST /api/v1/orders
func (h *BillingHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, badRequest("Request body must be a JSON order"))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, badRequest("userId must be a UUID"))
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		writeError(w, badRequest("planId is required"))
		return
	}
	method := domain.PaymentMethod(req.PaymentMethod)
	if !method.IsValid() {
		writeError(w, badRequest("paymentMethod is not supported"))
		return
	}

	key := req.IdempotencyKey
	if header := r.Header.Get(idempotencyHeader); header != "" {
		if key != "" && key != header {
			writeError(w, badRequest("Idempotency-Key header and body disagree"))
			return
		}
		key = header
	}

	result, err := h.purchases.Purchase(r.Context(), application.CreateOrderCommand{
		UserID:         userID,
		PlanID:         req.PlanID,
		Method:         method,
		IdempotencyKey: key,
	})
	if err != nil && result.Order == nil {
		h.fail(w, r, "failed to create order", err)
		return
	}
	if err != nil {
		// The order exists but has no payment handle yet; retrying reuses it.
		h.fail(w, r, "failed to obtain payment handle", err, "order_id", result.Order.ID())
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, CreateOrderResponse{
		Order:   toOrderResponse(result.Order),
		Payment: toPaymentResponse(result.Handle),
		Reused:  result.Reused,
	})
}

// GetOrder handles GET /api/v1/orders/{id}
func (h *BillingHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.ledger.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get order", err, "order_id", id)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetOrderStatus handles GET /api/v1/orders/{id}/status
//
// Without a wait parameter the committed status is returned as is. With
// ?wait=30s the request polls the gateway until the order settles or the wait
// ends; the order itself stays pending when the wait runs out.
func (h *BillingHandler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"), h.maxLongPoll)
	if err != nil {
		writeError(w, badRequest("wait must be a duration such as 30s"))
		return
	}

	var (
		order *domain.Order
		resp  OrderStatusResponse
	)
	if wait > 0 && h.poller != nil {
		result, err := h.poller.Wait(r.Context(), id, wait)
		if err != nil && result.Order == nil {
			h.fail(w, r, "failed to poll order status", err, "order_id", id)
			return
		}
		order = result.Order
		resp.TimedOut = result.TimedOut
		resp.Polls = result.Polls
	} else {
		order, err = h.ledger.GetOrder(r.Context(), id)
		if err != nil {
			h.fail(w, r, "failed to get order status", err, "order_id", id)
			return
		}
	}

	resp.OrderID = order.ID().String()
	resp.Status = string(order.Status())
	resp.PaidAt = order.PaidAt()
	if order.Status() == domain.OrderPaid {
		resp.Fulfillment = h.fulfillmentState(r, order.ID())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BillingHandler) fulfillmentState(r *http.Request, orderID uuid.UUID) string {
	if h.fulfillment == nil {
		return ""
	}
	f, err := h.fulfillment.Progress(r.Context(), orderID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to load fulfillment progress", "order_id", orderID, "error", err)
		return "processing"
	}
	if f != nil && !f.IsComplete() {
		return "processing"
	}
	return "complete"
}

// ListOrders handles GET /api/v1/users/{userID}/orders
//
// limit defaults to 20; the ledger caps it at application.MaxListLimit.
func (h *BillingHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var statuses []domain.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.OrderStatus(strings.TrimSpace(s)))
		}
	}

	orders, err := h.ledger.ListOrders(r.Context(), userID, statuses, parseIntParam(r, "limit", 20))
	if err != nil {
		h.fail(w, r, "failed to list orders", err, "user_id", userID)
		return
	}
	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

// HandleWebhook handles POST /api/v1/webhooks/{provider}
//
// Notifications that were accepted, including duplicates and ones for
// unknown orders, are acknowledged with 200 so the gateway stops retrying.
// Unverifiable notifications get 400 and store failures 500.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBody))
	if err != nil {
		writeError(w, badRequest("Notification body too large"))
		return
	}

	raw := domain.RawNotification{Headers: make(map[string]string, len(r.Header)), Body: body}
	for name, values := range r.Header {
		if len(values) > 0 {
			raw.Headers[name] = values[0]
		}
	}

	result, err := h.notifications.Handle(r.Context(), provider, raw)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeConfig {
			writeError(w, ErrNotFound)
			return
		}
		h.fail(w, r, "failed to handle notification", err, "provider", provider, "outcome", result.Outcome)
		return
	}

	if ack, ok := h.acks[provider]; ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, ack)
		return
	}

	resp := map[string]any{"received": true, "outcome": result.Outcome}
	if result.OrderID != nil {
		resp["orderId"] = result.OrderID.String()
		resp["status"] = result.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetInvoice handles GET /api/v1/invoices/{id}
func (h *BillingHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.invoicer.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get invoice", err, "invoice_id", id)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

// GetInvoiceDocument handles GET /api/v1/invoices/{id}/document
func (h *BillingHandler) GetInvoiceDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	doc, contentType, err := h.invoicer.Document(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to open invoice document", err, "invoice_id", id)
		return
	}
	defer doc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `inline; filename="invoice-`+id.String()+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, doc); err != nil {
		h.logger.WarnContext(r.Context(), "failed to stream invoice document", "invoice_id", id, "error", err)
	}
}

// GetSubscription handles GET /api/v1/users/{userID}/subscription
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	ctx := r.Context()

	sub, err := h.entitlements.GetSubscription(ctx, userID)
	if err != nil {
		h.fail(w, r, "failed to get subscription", err, "user_id", userID)
		return
	}
	ent, err := h.entitlements.GetEntitlement(ctx, userID)
	if err != nil {
		h.fail(w, r, "failed to get entitlement", err, "user_id", userID)
		return
	}
	resp := toSubscriptionResponse(ent, sub)

	if parseBoolParam(r, "history", false) {
		history, err := h.entitlements.History(ctx, userID)
		if err != nil {
			h.fail(w, r, "failed to get subscription history", err, "user_id", userID)
			return
		}
		resp.History = toHistoryResponse(history)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordDownload handles POST /api/v1/users/{userID}/downloads
func (h *BillingHandler) RecordDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	ent, err := h.entitlements.RecordDownload(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "download not recorded", err, "user_id", userID)
		return
	}
	sub, err := h.entitlements.GetSubscription(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "failed to get subscription", err, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(ent, sub))
}

// fail logs err and writes the mapped client error. Internal failures are
// logged at error level, client errors at debug.
func (h *BillingHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error, attrs ...any) {
	apiErr := toAPIError(err)
	attrs = append(attrs, "code", apiErr.Code, "error", err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), msg, attrs...)
	} else {
		h.logger.DebugContext(r.Context(), msg, attrs...)
	}
	writeError(w, apiErr)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, badRequest(name+" must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// parseWait parses the long-poll duration and clamps it to limit.
func parseWait(raw string, limit time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, errors.New("wait must not be negative")
	}
	if d > limit {
		d = limit
	}
	return d, nil
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func parseBoolParam(r *http.Request, name string, defaultVal bool) bool {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
