package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
)

// PurchaseResult is what a client needs to pay for an order.
type PurchaseResult struct {
	Order  *domain.Order
	Handle domain.PaymentHandle
	// Reused is set when an existing open order was returned.
	Reused bool
}

// PurchaseService opens orders and obtains payment handles from gateways.
type PurchaseService struct {
	ledger     *Ledger
	gateways   *Gateways
	catalog    PlanCatalog
	reconciler *Reconciler
	clock      Clock
	logger     *slog.Logger
}

// NewPurchaseService creates a new PurchaseService.
func NewPurchaseService(ledger *Ledger, gateways *Gateways, catalog PlanCatalog, reconciler *Reconciler, logger *slog.Logger) *PurchaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseService{
		ledger:     ledger,
		gateways:   gateways,
		catalog:    catalog,
		reconciler: reconciler,
		logger:     logger,
	}
}

// WithClock overrides the time source.
func (s *PurchaseService) WithClock(clock Clock) *PurchaseService {
	s.clock = clock
	return s
}

// Purchase creates or reuses the order for the purchase intent and returns a
// payment handle for it. A demo handle is returned to the caller but never
// attached, so the order it belongs to stays unpayable.
func (s *PurchaseService) Purchase(ctx context.Context, cmd CreateOrderCommand) (PurchaseResult, error) {
	plan, err := s.catalog.Find(cmd.PlanID)
	if err != nil {
		return PurchaseResult{}, err
	}
	adapter, err := s.gateways.ForMethod(cmd.Method)
	if err != nil {
		return PurchaseResult{}, err
	}

	order, reused, err := s.ledger.CreateOrder(ctx, cmd)
	if err != nil {
		return PurchaseResult{}, err
	}

	if reused && order.IsExpired(s.clock.now()) {
		order, reused, err = s.refreshExpired(ctx, cmd, order)
		if err != nil {
			return PurchaseResult{}, err
		}
	}

	result := PurchaseResult{Order: order, Reused: reused}
	if order.Status().IsTerminal() {
		// Idempotent replay of a finished purchase.
		return result, nil
	}

	if handle, ok := adapter.ResumePaymentIntent(order); ok {
		result.Handle = handle
		return result, nil
	}

	handle, err := adapter.BuildPaymentIntent(ctx, order, plan)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeInternal {
			err = domain.NewError(domain.CodeGatewayAPI, "build payment intent", errors.Join(domain.ErrGatewayAPI, err))
		}
		s.logger.WarnContext(ctx, "payment intent not created",
			"order_id", order.ID(),
			"provider", adapter.Provider(),
			"code", domain.CodeOf(err),
			"error", err,
		)
		return result, err
	}

	if handle.IsDemo() {
		s.logger.WarnContext(ctx, "gateway not configured, returning demo payment handle",
			"order_id", order.ID(),
			"provider", adapter.Provider(),
			"method", order.Method(),
		)
		result.Handle = handle
		return result, nil
	}

	attached, err := s.ledger.AttachGatewayReference(ctx, order.ID(), handle)
	if errors.Is(err, domain.ErrReferenceConflict) && attached != nil {
		// A concurrent request attached its own intent first; hand out that one.
		if resumed, ok := adapter.ResumePaymentIntent(attached); ok {
			result.Order = attached
			result.Handle = resumed
			return result, nil
		}
	}
	if err != nil {
		return result, err
	}

	result.Order = attached
	result.Handle = handle
	return result, nil
}

// refreshExpired asks the gateway about a reused order that passed its expiry.
// When the gateway reports it closed, a fresh order is opened in its place.
func (s *PurchaseService) refreshExpired(ctx context.Context, cmd CreateOrderCommand, order *domain.Order) (*domain.Order, bool, error) {
	if s.reconciler == nil {
		return order, true, nil
	}
	current, err := s.reconciler.ReconcileOrder(ctx, order)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to reconcile expired order", "order_id", order.ID(), "error", err)
		return order, true, nil
	}
	if current.IsPending() {
		return current, true, nil
	}
	if cmd.IdempotencyKey != "" && current.IdempotencyKey() == cmd.IdempotencyKey {
		return current, true, nil
	}
	return s.ledger.CreateOrder(ctx, cmd)
}
