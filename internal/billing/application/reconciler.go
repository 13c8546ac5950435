package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/pkg/observability"
)

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Checked   int
	Settled   int
	Unchanged int
	Errors    int
}

// Reconciler asks gateways about orders that stayed pending past their expiry.
// It applies only terminal states the gateway confirms; an order is never
// closed locally because of its age.
type Reconciler struct {
	ledger     *Ledger
	orders     domain.OrderRepository
	gateways   *Gateways
	staleAfter time.Duration
	batchSize  int
	clock      Clock
	logger     *slog.Logger
	metrics    observability.Metrics
}

// NewReconciler creates a new Reconciler.
func NewReconciler(ledger *Ledger, orders domain.OrderRepository, gateways *Gateways, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = defaultOrderTTL
	}
	return &Reconciler{
		ledger:     ledger,
		orders:     orders,
		gateways:   gateways,
		staleAfter: staleAfter,
		batchSize:  100,
		logger:     logger,
		metrics:    observability.NoopMetrics{},
	}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(clock Clock) *Reconciler {
	r.clock = clock
	return r
}

// WithMetrics sets the metrics sink.
func (r *Reconciler) WithMetrics(m observability.Metrics) *Reconciler {
	if m != nil {
		r.metrics = m
	}
	return r
}

// ReconcileStale checks every order pending for longer than the stale window.
func (r *Reconciler) ReconcileStale(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	cutoff := r.clock.now().Add(-r.staleAfter)
	pending, err := r.orders.ListPendingCreatedBefore(ctx, cutoff, r.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list stale orders: %w", err)
	}

	for _, order := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		updated, err := r.ReconcileOrder(ctx, order)
		switch {
		case err != nil:
			stats.Errors++
			r.logger.WarnContext(ctx, "failed to reconcile order",
				"order_id", order.ID(),
				"error", err,
			)
		case updated.Status().IsTerminal():
			stats.Settled++
		default:
			stats.Unchanged++
		}
	}

	r.metrics.Gauge(observability.MetricStalePendingOrders, float64(stats.Unchanged))
	if stats.Checked > 0 {
		r.logger.InfoContext(ctx, "stale order reconciliation finished",
			"checked", stats.Checked,
			"settled", stats.Settled,
			"unchanged", stats.Unchanged,
			"errors", stats.Errors,
		)
	}
	return stats, nil
}

// ReconcileOrder returns the order after applying the gateway's view of it.
// Orders without a gateway reference, or whose gateway cannot be queried, are
// returned unchanged.
func (r *Reconciler) ReconcileOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if !order.IsPending() || order.GatewayReference() == "" {
		return order, nil
	}
	querier, ok := r.gateways.QuerierFor(order.Method())
	if !ok {
		return order, nil
	}

	return applyStatusQuery(ctx, r.ledger, querier, order, "reconcile", r.logger)
}

// applyStatusQuery moves a pending order to the terminal state its gateway
// reports. A paid report carrying an amount other than the order's is refused
// with AMOUNT_MISMATCH and leaves the order pending.
func applyStatusQuery(ctx context.Context, ledger *Ledger, querier domain.StatusQuerier, order *domain.Order, source string, logger *slog.Logger) (*domain.Order, error) {
	report, err := querier.QueryStatus(ctx, order.GatewayReference())
	if err != nil {
		return nil, err
	}
	target, ok := report.Status.OrderStatus()
	if !ok {
		return order, nil
	}
	if target == domain.OrderPaid && !order.MatchesAmount(report.Amount, report.Currency) {
		logger.WarnContext(ctx, "status query amount does not match order",
			"order_id", order.ID(),
			"source", source,
			"expected", order.Amount().String(),
			"expected_currency", order.Currency(),
			"reported", report.Amount.String(),
			"reported_currency", report.Currency,
			"security", true,
		)
		return nil, domain.NewError(domain.CodeAmountMismatch, "verify queried amount", domain.ErrAmountMismatch)
	}

	payload, err := json.Marshal(GatewayPayload{Provider: "status_query", Source: source})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status query payload: %w", err)
	}
	updated, _, err := ledger.Transition(ctx, order.ID(), target, payload, source+": "+string(report.Status))
	if errors.Is(err, domain.ErrInvalidTransition) {
		return ledger.GetOrder(ctx, order.ID())
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}
