package domain

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// HandleKind distinguishes a payable handle from a demonstration placeholder.
type HandleKind string

const (
	HandleReal HandleKind = "real"
	// HandleDemo is shown when payment collection is not configured. It can
	// never be attached to an order and therefore never settles one.
	HandleDemo HandleKind = "demo"
)

// PaymentHandle is what the client needs to pay: a redirect or a scannable code.
type PaymentHandle struct {
	Kind         HandleKind
	Reference    string
	RedirectURL  string
	CodePayload  string
	CodeImagePNG []byte
}

// IsDemo reports whether the handle is a non-payable placeholder.
func (h PaymentHandle) IsDemo() bool {
	return h.Kind != HandleReal
}

// Payload returns the value a client needs to resume paying.
func (h PaymentHandle) Payload() string {
	if h.RedirectURL != "" {
		return h.RedirectURL
	}
	return h.CodePayload
}

// ExternalStatus is a gateway's view of a payment.
type ExternalStatus string

const (
	ExternalPending  ExternalStatus = "pending"
	ExternalPaid     ExternalStatus = "paid"
	ExternalCanceled ExternalStatus = "canceled"
	ExternalFailed   ExternalStatus = "failed"
	ExternalUnknown  ExternalStatus = "unknown"
)

// OrderStatus maps the external status to the order status it implies.
func (s ExternalStatus) OrderStatus() (OrderStatus, bool) {
	switch s {
	case ExternalPaid:
		return OrderPaid, true
	case ExternalCanceled:
		return OrderCanceled, true
	case ExternalFailed:
		return OrderFailed, true
	default:
		return "", false
	}
}

// NotificationKind classifies a verified notification.
type NotificationKind string

const (
	NotificationPayment              NotificationKind = "payment"
	NotificationSubscriptionCanceled NotificationKind = "subscription_canceled"
	NotificationIgnored              NotificationKind = "ignored"
)

// RawNotification is an unverified inbound gateway message.
type RawNotification struct {
	Headers map[string]string
	Body    []byte
}

// Header returns a header value using a case-insensitive name match.
func (r RawNotification) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Notification is the verified, gateway-neutral content of a notification.
type Notification struct {
	Provider         string
	EventID          string
	EventType        string
	Kind             NotificationKind
	GatewayReference string
	// OrderID is the order id echoed back by the gateway, when it supports it.
	OrderID     string
	Status      ExternalStatus
	Amount      *decimal.Decimal
	Currency    string
	ExternalRef string
	Payload     json.RawMessage
}

// GatewayAdapter is implemented once per payment gateway.
type GatewayAdapter interface {
	Provider() string
	Methods() []PaymentMethod
	BuildPaymentIntent(ctx context.Context, order *Order, plan Plan) (PaymentHandle, error)
	// ResumePaymentIntent rebuilds the handle of an order that already has a
	// gateway reference, without creating a second external intent.
	ResumePaymentIntent(order *Order) (PaymentHandle, bool)
	VerifyAndExtract(ctx context.Context, raw RawNotification) (Notification, error)
}

// StatusReport is a gateway's answer to a status query. Amount is nil when
// the gateway did not report one.
type StatusReport struct {
	Status   ExternalStatus
	Amount   *decimal.Decimal
	Currency string
}

// StatusQuerier is implemented by gateways that can be polled.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (StatusReport, error)
}
