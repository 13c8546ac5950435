package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrOpenOrderExists is returned by OrderRepository.Create when the user
	// already has a pending order for the same plan and method.
	ErrOpenOrderExists = errors.New("an open order already exists")
	// ErrActiveSubscriptionExists is returned when a second active row would be created.
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")
	// ErrInvoiceExists is returned when an order already has an invoice.
	ErrInvoiceExists = errors.New("order already has an invoice")
)

// OrderRepository persists payment orders. Only the ledger writes through it.
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*Order, error)
	FindByGatewayReference(ctx context.Context, reference string) (*Order, error)
	// FindOpen returns the pending order for user, plan and method, or nil.
	FindOpen(ctx context.Context, userID uuid.UUID, planID string, method PaymentMethod) (*Order, error)
	// FindByIdempotencyKey returns the user's order created with key, or nil.
	FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Order, error)
	// CompareAndSwap writes the order only if the stored row is still pending
	// at the order's version. On success the order's version is incremented.
	CompareAndSwap(ctx context.Context, order *Order) (bool, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
	// ListByUser returns the user's newest orders, restricted to statuses when given.
	ListByUser(ctx context.Context, userID uuid.UUID, statuses []OrderStatus, limit int) ([]*Order, error)
}

// SubscriptionRepository persists subscriptions and their history.
type SubscriptionRepository interface {
	FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	FindByExternalReference(ctx context.Context, reference string) (*Subscription, error)
	Create(ctx context.Context, subscription *Subscription) error
	Update(ctx context.Context, subscription *Subscription) error
	// IncrementDownloads adds one download if the count is below limit
	// (limit <= 0 means unlimited). It reports whether the row changed.
	IncrementDownloads(ctx context.Context, id uuid.UUID, limit int) (bool, error)
	AppendHistory(ctx context.Context, entry SubscriptionHistory) error
	// HasOrderHistory reports whether any history row references the order,
	// i.e. whether its activation was already applied.
	HasOrderHistory(ctx context.Context, orderID uuid.UUID) (bool, error)
	ListHistory(ctx context.Context, userID uuid.UUID) ([]SubscriptionHistory, error)
}

// InvoiceRepository persists invoices. order_id is unique.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*Invoice, error)
	CountByOrderID(ctx context.Context, orderID uuid.UUID) (int, error)
	SetDocumentRef(ctx context.Context, id uuid.UUID, ref string) error
}

// FulfillmentRepository persists post-payment progress.
type FulfillmentRepository interface {
	// Create inserts the record unless one exists for the order.
	Create(ctx context.Context, fulfillment *Fulfillment) error
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*Fulfillment, error)
	Save(ctx context.Context, fulfillment *Fulfillment) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Fulfillment, error)
}

// WebhookEventRepository logs inbound notifications.
type WebhookEventRepository interface {
	// Record inserts the event unless (provider, event id) exists, in which
	// case the stored event is returned with created set to false.
	Record(ctx context.Context, event *WebhookEvent) (stored *WebhookEvent, created bool, err error)
	MarkProcessed(ctx context.Context, id uuid.UUID, outcome NotificationOutcome, processingError string, at time.Time) error
}
