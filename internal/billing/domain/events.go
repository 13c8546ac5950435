package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	OrderAggregateType        = "PaymentOrder"
	SubscriptionAggregateType = "UserSubscription"
	InvoiceAggregateType      = "Invoice"

	RoutingKeyOrderCreated          = "billing.order.created"
	RoutingKeyOrderPaid             = "billing.order.paid"
	RoutingKeyOrderCanceled         = "billing.order.canceled"
	RoutingKeyOrderFailed           = "billing.order.failed"
	RoutingKeyOrderLatePayment      = "billing.order.late_payment"
	RoutingKeySubscriptionActivated = "billing.subscription.activated"
	RoutingKeySubscriptionCanceling = "billing.subscription.cancel_scheduled"
	RoutingKeyInvoiceIssued         = "billing.invoice.issued"
)

// OrderCreated is emitted when a purchase intent is recorded.
type OrderCreated struct {
	sharedDomain.EventHeader
	UserID        uuid.UUID     `json:"user_id"`
	PlanID        string        `json:"plan_id"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// NewOrderCreated creates an OrderCreated event.
func NewOrderCreated(o *Order) OrderCreated {
	return OrderCreated{
		EventHeader:   sharedDomain.NewEventHeader(o.ID(), OrderAggregateType, RoutingKeyOrderCreated),
		UserID:        o.userID,
		PlanID:        o.planID,
		Amount:        o.amount.StringFixed(MinorUnits(o.currency)),
		Currency:      o.currency,
		PaymentMethod: o.method,
	}
}

// OrderPaidEvent is emitted once per order when the gateway confirms payment.
type OrderPaidEvent struct {
	sharedDomain.EventHeader
	UserID           uuid.UUID `json:"user_id"`
	PlanID           string    `json:"plan_id"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	GatewayReference string    `json:"gateway_reference"`
	PaidAt           time.Time `json:"paid_at"`
}

// NewOrderPaidEvent creates an OrderPaidEvent.
func NewOrderPaidEvent(o *Order) OrderPaidEvent {
	return OrderPaidEvent{
		EventHeader:      sharedDomain.NewEventHeader(o.ID(), OrderAggregateType, RoutingKeyOrderPaid),
		UserID:           o.userID,
		PlanID:           o.planID,
		Amount:           o.amount.StringFixed(MinorUnits(o.currency)),
		Currency:         o.currency,
		GatewayReference: o.gatewayReference,
		PaidAt:           *o.paidAt,
	}
}

// OrderClosed is emitted when an order ends without payment.
type OrderClosed struct {
	sharedDomain.EventHeader
	UserID uuid.UUID   `json:"user_id"`
	Status OrderStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// NewOrderClosed creates an OrderClosed event for the canceled or failed routing key.
func NewOrderClosed(o *Order, routingKey string) OrderClosed {
	return OrderClosed{
		EventHeader: sharedDomain.NewEventHeader(o.ID(), OrderAggregateType, routingKey),
		UserID:      o.userID,
		Status:      o.status,
		Reason:      o.failedReason,
	}
}

// LatePaymentDetected is emitted when a gateway reports payment for an order
// that was already closed. It needs a manual refund or re-open.
type LatePaymentDetected struct {
	sharedDomain.EventHeader
	UserID           uuid.UUID   `json:"user_id"`
	OrderStatus      OrderStatus `json:"order_status"`
	GatewayReference string      `json:"gateway_reference"`
	Provider         string      `json:"provider"`
	GatewayEventID   string      `json:"event_id"`
}

// NewLatePaymentDetected creates a LatePaymentDetected event.
func NewLatePaymentDetected(o *Order, provider, eventID string) LatePaymentDetected {
	return LatePaymentDetected{
		EventHeader:      sharedDomain.NewEventHeader(o.ID(), OrderAggregateType, RoutingKeyOrderLatePayment),
		UserID:           o.userID,
		OrderStatus:      o.status,
		GatewayReference: o.gatewayReference,
		Provider:         provider,
		GatewayEventID:   eventID,
	}
}

// SubscriptionActivated is emitted when a paid order grants or extends access.
type SubscriptionActivated struct {
	sharedDomain.EventHeader
	UserID    uuid.UUID `json:"user_id"`
	PlanID    string    `json:"plan_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Change    string    `json:"change"`
	PeriodEnd time.Time `json:"period_end"`
}

// NewSubscriptionActivated creates a SubscriptionActivated event.
func NewSubscriptionActivated(s *Subscription, change HistoryChange) SubscriptionActivated {
	return SubscriptionActivated{
		EventHeader: sharedDomain.NewEventHeader(s.ID, SubscriptionAggregateType, RoutingKeySubscriptionActivated),
		UserID:      s.UserID,
		PlanID:      s.PlanID,
		OrderID:     s.LastOrderID,
		Change:      string(change),
		PeriodEnd:   s.CurrentPeriodEnd,
	}
}

// SubscriptionCancelScheduled is emitted when the gateway reports the
// recurring agreement ended; access runs until the period end.
type SubscriptionCancelScheduled struct {
	sharedDomain.EventHeader
	UserID    uuid.UUID `json:"user_id"`
	PeriodEnd time.Time `json:"period_end"`
}

// NewSubscriptionCancelScheduled creates a SubscriptionCancelScheduled event.
func NewSubscriptionCancelScheduled(s *Subscription) SubscriptionCancelScheduled {
	return SubscriptionCancelScheduled{
		EventHeader: sharedDomain.NewEventHeader(s.ID, SubscriptionAggregateType, RoutingKeySubscriptionCanceling),
		UserID:      s.UserID,
		PeriodEnd:   s.CurrentPeriodEnd,
	}
}

// InvoiceIssued is emitted when an invoice record is first created.
type InvoiceIssued struct {
	sharedDomain.EventHeader
	OrderID  uuid.UUID `json:"order_id"`
	UserID   uuid.UUID `json:"user_id"`
	Number   string    `json:"number"`
	Total    string    `json:"total"`
	Currency string    `json:"currency"`
}

// NewInvoiceIssued creates an InvoiceIssued event.
func NewInvoiceIssued(inv *Invoice) InvoiceIssued {
	return InvoiceIssued{
		EventHeader: sharedDomain.NewEventHeader(inv.ID, InvoiceAggregateType, RoutingKeyInvoiceIssued),
		OrderID:     inv.OrderID,
		UserID:      inv.UserID,
		Number:      inv.Number,
		Total:       inv.Total.StringFixed(MinorUnits(inv.Currency)),
		Currency:    inv.Currency,
	}
}
