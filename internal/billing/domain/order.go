package domain

import (
	"encoding/json"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod identifies the gateway flow an order is paid through.
type PaymentMethod string

const (
	MethodCheckoutSession PaymentMethod = "checkout_session"
	MethodQRAlipay        PaymentMethod = "qr_alipay"
	MethodQRWeChat        PaymentMethod = "qr_wechat"
)

// PaymentMethods returns every supported method.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{MethodCheckoutSession, MethodQRAlipay, MethodQRWeChat}
}

// IsValid reports whether the method is known.
func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCheckoutSession, MethodQRAlipay, MethodQRWeChat:
		return true
	default:
		return false
	}
}

// IsQR reports whether the method uses the direct-transfer gateway.
func (m PaymentMethod) IsQR() bool {
	return m == MethodQRAlipay || m == MethodQRWeChat
}

// OrderStatus is the lifecycle state of a payment order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderCanceled OrderStatus = "canceled"
	OrderFailed   OrderStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderPaid || s == OrderCanceled || s == OrderFailed
}

// IsValid reports whether the status is known.
func (s OrderStatus) IsValid() bool {
	return s == OrderPending || s.IsTerminal()
}

// Order records one purchase intent and its outcome. Orders are never deleted.
type Order struct {
	sharedDomain.Aggregate
	userID           uuid.UUID
	planID           string
	amount           decimal.Decimal
	currency         string
	method           PaymentMethod
	status           OrderStatus
	gatewayReference string
	handlePayload    string
	paidAt           *time.Time
	failedReason     string
	metadata         json.RawMessage
	idempotencyKey   string
	expiresAt        time.Time
}

// NewOrder opens a pending order for the plan. The settlement amount is fixed here.
func NewOrder(userID uuid.UUID, plan Plan, method PaymentMethod, idempotencyKey string, expiresAt time.Time) (*Order, error) {
	if !method.IsValid() {
		return nil, ErrInvalidPaymentMethod
	}
	amount, currency := plan.SettlementAmount(method)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	o := &Order{
		Aggregate:      sharedDomain.NewAggregate(),
		userID:         userID,
		planID:         plan.ID,
		amount:         amount,
		currency:       currency,
		method:         method,
		status:         OrderPending,
		idempotencyKey: idempotencyKey,
		expiresAt:      expiresAt.UTC(),
	}
	o.Record(NewOrderCreated(o))
	return o, nil
}

// OrderState is the persisted form of an order.
type OrderState struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	PlanID           string
	Amount           decimal.Decimal
	Currency         string
	Method           PaymentMethod
	Status           OrderStatus
	GatewayReference string
	HandlePayload    string
	PaidAt           *time.Time
	FailedReason     string
	Metadata         json.RawMessage
	IdempotencyKey   string
	ExpiresAt        time.Time
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RehydrateOrder recreates an order from persisted state.
func RehydrateOrder(s OrderState) *Order {
	return &Order{
		Aggregate:        sharedDomain.RestoreAggregate(s.ID, s.CreatedAt, s.UpdatedAt, s.Version),
		userID:           s.UserID,
		planID:           s.PlanID,
		amount:           s.Amount,
		currency:         s.Currency,
		method:           s.Method,
		status:           s.Status,
		gatewayReference: s.GatewayReference,
		handlePayload:    s.HandlePayload,
		paidAt:           s.PaidAt,
		failedReason:     s.FailedReason,
		metadata:         s.Metadata,
		idempotencyKey:   s.IdempotencyKey,
		expiresAt:        s.ExpiresAt,
	}
}

// State returns the persisted form of the order.
func (o *Order) State() OrderState {
	return OrderState{
		ID:               o.ID(),
		UserID:           o.userID,
		PlanID:           o.planID,
		Amount:           o.amount,
		Currency:         o.currency,
		Method:           o.method,
		Status:           o.status,
		GatewayReference: o.gatewayReference,
		HandlePayload:    o.handlePayload,
		PaidAt:           o.paidAt,
		FailedReason:     o.failedReason,
		Metadata:         o.metadata,
		IdempotencyKey:   o.idempotencyKey,
		ExpiresAt:        o.expiresAt,
		Version:          o.Version(),
		CreatedAt:        o.CreatedAt(),
		UpdatedAt:        o.UpdatedAt(),
	}
}

func (o *Order) UserID() uuid.UUID         { return o.userID }
func (o *Order) PlanID() string            { return o.planID }
func (o *Order) Amount() decimal.Decimal   { return o.amount }
func (o *Order) Currency() string          { return o.currency }
func (o *Order) Method() PaymentMethod     { return o.method }
func (o *Order) Status() OrderStatus       { return o.status }
func (o *Order) GatewayReference() string  { return o.gatewayReference }
func (o *Order) HandlePayload() string     { return o.handlePayload }
func (o *Order) PaidAt() *time.Time        { return o.paidAt }
func (o *Order) FailedReason() string      { return o.failedReason }
func (o *Order) Metadata() json.RawMessage { return o.metadata }
func (o *Order) IdempotencyKey() string    { return o.idempotencyKey }
func (o *Order) ExpiresAt() time.Time      { return o.expiresAt }
func (o *Order) IsPending() bool           { return o.status == OrderPending }

// MatchesAmount compares a gateway-reported amount with the settlement amount
// persisted on the order. An unreported amount matches.
func (o *Order) MatchesAmount(amount *decimal.Decimal, currency string) bool {
	if amount == nil {
		return true
	}
	if currency != "" && !strings.EqualFold(currency, o.currency) {
		return false
	}
	return amount.Equal(o.amount)
}

// IsExpired reports whether the order has been pending past its expiry.
func (o *Order) IsExpired(now time.Time) bool {
	return o.IsPending() && !o.expiresAt.IsZero() && now.After(o.expiresAt)
}

// AttachGatewayReference records the external id of the payment intent.
// Re-attaching the same reference is a no-op.
func (o *Order) AttachGatewayReference(reference, handlePayload string) (bool, error) {
	if reference == "" {
		return false, ErrReferenceConflict
	}
	if o.gatewayReference == reference {
		return false, nil
	}
	if o.gatewayReference != "" {
		return false, ErrReferenceConflict
	}
	if !o.IsPending() {
		return false, ErrInvalidTransition
	}
	o.gatewayReference = reference
	o.handlePayload = handlePayload
	o.Touch()
	return true, nil
}

// Transition moves a pending order to a terminal status. It returns false when
// the order already has the target status. Paid orders never change again.
func (o *Order) Transition(target OrderStatus, payload json.RawMessage, reason string, at time.Time) (bool, error) {
	if target == o.status {
		return false, nil
	}
	if o.status != OrderPending || !target.IsTerminal() {
		return false, ErrInvalidTransition
	}

	at = at.UTC()
	o.status = target
	if len(payload) > 0 {
		o.metadata = payload
	}
	switch target {
	case OrderPaid:
		o.paidAt = &at
		o.Record(NewOrderPaidEvent(o))
	case OrderCanceled:
		o.failedReason = reason
		o.Record(NewOrderClosed(o, RoutingKeyOrderCanceled))
	case OrderFailed:
		o.failedReason = reason
		o.Record(NewOrderClosed(o, RoutingKeyOrderFailed))
	}
	o.Touch()
	return true, nil
}
