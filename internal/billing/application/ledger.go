package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/settle/internal/shared/application"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

const (
	defaultOrderTTL      = 30 * time.Minute
	maxTransitionRetries = 5
	defaultListLimit     = 20
	// MaxListLimit caps how many orders one listing returns.
	MaxListLimit = 100
)

// TransitionResult describes what a transition call did.
type TransitionResult string

const (
	// TransitionApplied means this call moved the order.
	TransitionApplied TransitionResult = "applied"
	// TransitionDuplicate means the order already had the target status. It is
	// a success with no side effects.
	TransitionDuplicate TransitionResult = "duplicate"
)

// Fulfiller runs the post-payment steps for a paid order.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID uuid.UUID) error
}

// CreateOrderCommand contains the data needed to open an order.
type CreateOrderCommand struct {
	UserID         uuid.UUID
	PlanID         string
	Method         domain.PaymentMethod
	IdempotencyKey string
}

// Ledger owns every write to payment orders.
type Ledger struct {
	orders       domain.OrderRepository
	fulfillments domain.FulfillmentRepository
	outboxRepo   outbox.Repository
	uow          sharedApplication.UnitOfWork
	catalog      PlanCatalog
	fulfiller    Fulfiller
	orderTTL     time.Duration
	clock        Clock
	logger       *slog.Logger
	metrics      observability.Metrics
}

// NewLedger creates a new Ledger.
func NewLedger(
	orders domain.OrderRepository,
	fulfillments domain.FulfillmentRepository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	catalog PlanCatalog,
	logger *slog.Logger,
) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		orders:       orders,
		fulfillments: fulfillments,
		outboxRepo:   outboxRepo,
		uow:          uow,
		catalog:      catalog,
		orderTTL:     defaultOrderTTL,
		logger:       logger,
		metrics:      observability.NoopMetrics{},
	}
}

// WithFulfiller sets the component invoked after a paid transition commits.
func (l *Ledger) WithFulfiller(f Fulfiller) *Ledger {
	l.fulfiller = f
	return l
}

// WithOrderTTL sets how long a pending order is considered payable.
func (l *Ledger) WithOrderTTL(ttl time.Duration) *Ledger {
	if ttl > 0 {
		l.orderTTL = ttl
	}
	return l
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(clock Clock) *Ledger {
	l.clock = clock
	return l
}

// WithMetrics sets the metrics sink.
func (l *Ledger) WithMetrics(m observability.Metrics) *Ledger {
	if m != nil {
		l.metrics = m
	}
	return l
}

// CreateOrder opens a pending order, or returns the user's existing open order
// for the same purchase intent. The bool result reports reuse. An idempotency
// key already bound to another plan or method fails with IDEMPOTENCY_CONFLICT.
func (l *Ledger) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, bool, error) {
	plan, err := l.catalog.Find(cmd.PlanID)
	if err != nil {
		return nil, false, err
	}
	if !cmd.Method.IsValid() {
		return nil, false, domain.ErrInvalidPaymentMethod
	}

	if existing, err := l.findExisting(ctx, cmd); err != nil || existing != nil {
		return existing, existing != nil, err
	}

	order, err := domain.NewOrder(cmd.UserID, plan, cmd.Method, cmd.IdempotencyKey, l.clock.now().Add(l.orderTTL))
	if err != nil {
		return nil, false, err
	}

	err = sharedApplication.WithUnitOfWork(ctx, l.uow, func(txCtx context.Context) error {
		if err := l.orders.Create(txCtx, order); err != nil {
			return err
		}
		return saveEvents(txCtx, l.outboxRepo, order.Events(), order.UserID())
	})
	if errors.Is(err, domain.ErrOpenOrderExists) {
		// A concurrent request won the partial unique index.
		existing, findErr := l.findExisting(ctx, cmd)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing != nil {
			return existing, true, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}
	order.ClearEvents()

	l.metrics.Counter(observability.MetricOrdersCreated, 1, observability.T("method", string(cmd.Method)))
	l.logger.InfoContext(ctx, "order created",
		"order_id", order.ID(),
		"user_id", order.UserID(),
		"plan_id", order.PlanID(),
		"method", order.Method(),
		"amount", order.Amount().String(),
		"currency", order.Currency(),
	)
	return order, false, nil
}

func (l *Ledger) findExisting(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if cmd.IdempotencyKey != "" {
		order, err := l.orders.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		if order != nil {
			if order.PlanID() != cmd.PlanID || order.Method() != cmd.Method {
				l.logger.WarnContext(ctx, "idempotency key reused for a different purchase",
					"order_id", order.ID(),
					"user_id", cmd.UserID,
					"plan_id", cmd.PlanID,
					"method", cmd.Method,
					"code", domain.CodeIdempotencyConflict,
				)
				return nil, domain.NewError(domain.CodeIdempotencyConflict, "create order", domain.ErrIdempotencyConflict)
			}
			return order, nil
		}
	}
	order, err := l.orders.FindOpen(ctx, cmd.UserID, cmd.PlanID, cmd.Method)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open order: %w", err)
	}
	return order, nil
}

// GetOrder returns the committed state of an order.
func (l *Ledger) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return l.orders.FindByID(ctx, id)
}

// ListOrders returns the user's most recent orders, optionally filtered by
// status. limit is clamped to MaxListLimit.
func (l *Ledger) ListOrders(ctx context.Context, userID uuid.UUID, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	for _, s := range statuses {
		if !s.IsValid() {
			return nil, domain.NewError(domain.CodeValidation, "list orders", fmt.Errorf("unknown order status %q", s))
		}
	}
	return l.orders.ListByUser(ctx, userID, statuses, limit)
}

// FindByGatewayReference resolves an order from the id a gateway assigned.
func (l *Ledger) FindByGatewayReference(ctx context.Context, reference string) (*domain.Order, error) {
	if reference == "" {
		return nil, domain.ErrOrderNotFound
	}
	return l.orders.FindByGatewayReference(ctx, reference)
}

// AttachGatewayReference stores the external reference of a real payment handle.
func (l *Ledger) AttachGatewayReference(ctx context.Context, orderID uuid.UUID, handle domain.PaymentHandle) (*domain.Order, error) {
	if handle.IsDemo() {
		return nil, domain.ErrDemoHandle
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		order, err := l.orders.FindByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		changed, err := order.AttachGatewayReference(handle.Reference, handle.Payload())
		if err != nil || !changed {
			return order, err
		}
		swapped, err := l.orders.CompareAndSwap(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("failed to attach gateway reference: %w", err)
		}
		if swapped {
			return order, nil
		}
	}
	return nil, fmt.Errorf("failed to attach gateway reference: order %s changed concurrently", orderID)
}

// Transition moves an order to target. Repeating a transition that already
// happened returns TransitionDuplicate and triggers nothing. Moving a paid
// order, or closing a closed one differently, returns ErrInvalidTransition.
//
// A paid transition commits together with its fulfillment record; activation
// and invoicing then run synchronously, and their failures are left to the
// repair worker without affecting the result.
func (l *Ledger) Transition(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus, payload json.RawMessage, reason string) (*domain.Order, TransitionResult, error) {
	if !target.IsTerminal() {
		return nil, "", domain.NewError(domain.CodeInvalidTransition, "transition", domain.ErrInvalidTransition)
	}

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		order, err := l.orders.FindByID(ctx, orderID)
		if err != nil {
			return nil, "", err
		}

		now := l.clock.now()
		changed, err := order.Transition(target, payload, reason, now)
		if err != nil {
			l.metrics.Counter(observability.MetricTransitions, 1,
				observability.T("target", string(target)), observability.T("result", "rejected"))
			return order, "", domain.NewError(domain.CodeInvalidTransition,
				fmt.Sprintf("transition %s from %s to %s", orderID, order.Status(), target), err)
		}
		if !changed {
			l.recordDuplicate(ctx, order, target)
			return order, TransitionDuplicate, nil
		}

		var swapped bool
		err = sharedApplication.WithUnitOfWork(ctx, l.uow, func(txCtx context.Context) error {
			var err error
			swapped, err = l.orders.CompareAndSwap(txCtx, order)
			if err != nil || !swapped {
				return err
			}
			if target == domain.OrderPaid && l.fulfillments != nil {
				if err := l.fulfillments.Create(txCtx, domain.NewFulfillment(order.ID(), now)); err != nil {
					return err
				}
			}
			return saveEvents(txCtx, l.outboxRepo, order.Events(), order.UserID())
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to transition order: %w", err)
		}
		if !swapped {
			// Another writer got there first; reload and re-evaluate.
			continue
		}
		order.ClearEvents()

		l.metrics.Counter(observability.MetricTransitions, 1,
			observability.T("target", string(target)), observability.T("result", "applied"))
		l.logger.InfoContext(ctx, "order transitioned",
			"order_id", order.ID(),
			"status", order.Status(),
			"gateway_reference", order.GatewayReference(),
		)

		if target == domain.OrderPaid {
			l.fulfill(ctx, order)
		}
		return order, TransitionApplied, nil
	}

	return nil, "", fmt.Errorf("failed to transition order %s: too many concurrent modifications", orderID)
}

func (l *Ledger) recordDuplicate(ctx context.Context, order *domain.Order, target domain.OrderStatus) {
	l.metrics.Counter(observability.MetricTransitions, 1,
		observability.T("target", string(target)), observability.T("result", "duplicate"))
	l.logger.DebugContext(ctx, "duplicate transition ignored",
		"order_id", order.ID(),
		"status", order.Status(),
		"code", domain.CodeDuplicateTransition,
	)
}

func (l *Ledger) fulfill(ctx context.Context, order *domain.Order) {
	if l.fulfiller == nil {
		return
	}
	if err := l.fulfiller.Fulfill(ctx, order.ID()); err != nil {
		l.logger.WarnContext(ctx, "fulfillment deferred to repair worker",
			"order_id", order.ID(),
			"code", domain.CodeOf(err),
			"error", err,
		)
	}
}
