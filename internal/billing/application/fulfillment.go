package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

const repairLockKey = "settle:fulfillment:repair"

// SubscriptionActivator applies a paid order to a subscription.
type SubscriptionActivator interface {
	Activate(ctx context.Context, order *domain.Order, plan domain.Plan) (*domain.Subscription, error)
}

// InvoiceIssuer issues the invoice of a paid order.
type InvoiceIssuer interface {
	Issue(ctx context.Context, order *domain.Order, plan domain.Plan) (*domain.Invoice, error)
}

// RepairConfig tunes the background repair of failed fulfillments.
type RepairConfig struct {
	BatchSize   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	LockTTL     time.Duration
}

// DefaultRepairConfig returns the defaults used by the worker.
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		BatchSize:   50,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		LockTTL:     time.Minute,
	}
}

// RepairStats summarizes one repair pass.
type RepairStats struct {
	Attempted int
	Completed int
	Failed    int
	Skipped   bool
}

// FulfillmentService activates and invoices paid orders, recording progress so
// that failed steps are retried without repeating completed ones.
type FulfillmentService struct {
	orders       domain.OrderRepository
	fulfillments domain.FulfillmentRepository
	catalog      PlanCatalog
	activator    SubscriptionActivator
	invoicer     InvoiceIssuer
	locker       Locker
	config       RepairConfig
	clock        Clock
	logger       *slog.Logger
	metrics      observability.Metrics
}

// NewFulfillmentService creates a new FulfillmentService.
func NewFulfillmentService(
	orders domain.OrderRepository,
	fulfillments domain.FulfillmentRepository,
	catalog PlanCatalog,
	activator SubscriptionActivator,
	invoicer InvoiceIssuer,
	locker Locker,
	config RepairConfig,
	logger *slog.Logger,
) *FulfillmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FulfillmentService{
		orders:       orders,
		fulfillments: fulfillments,
		catalog:      catalog,
		activator:    activator,
		invoicer:     invoicer,
		locker:       locker,
		config:       config,
		logger:       logger,
		metrics:      observability.NoopMetrics{},
	}
}

// WithClock overrides the time source.
func (s *FulfillmentService) WithClock(clock Clock) *FulfillmentService {
	s.clock = clock
	return s
}

// WithMetrics sets the metrics sink.
func (s *FulfillmentService) WithMetrics(m observability.Metrics) *FulfillmentService {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Fulfill runs the outstanding post-payment steps for the order.
func (s *FulfillmentService) Fulfill(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status() != domain.OrderPaid {
		return fmt.Errorf("%w: order %s is %s", domain.ErrActivationFailure, orderID, order.Status())
	}

	f, err := s.fulfillments.FindByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load fulfillment: %w", err)
	}
	if f == nil {
		f = domain.NewFulfillment(orderID, s.clock.now())
		if err := s.fulfillments.Create(ctx, f); err != nil {
			return fmt.Errorf("failed to create fulfillment: %w", err)
		}
	}
	if f.IsComplete() {
		return nil
	}

	plan, err := s.catalog.Find(order.PlanID())
	if err != nil {
		return s.fail(ctx, f, domain.CodeActivationFailure, err)
	}

	if f.ActivatedAt == nil {
		if _, err := s.activator.Activate(ctx, order, plan); err != nil {
			return s.fail(ctx, f, domain.CodeActivationFailure, err)
		}
		f.MarkActivated(s.clock.now())
		if err := s.fulfillments.Save(ctx, f); err != nil {
			return s.fail(ctx, f, domain.CodeActivationFailure, fmt.Errorf("failed to save fulfillment: %w", err))
		}
	}

	if f.InvoicedAt == nil {
		if _, err := s.invoicer.Issue(ctx, order, plan); err != nil {
			return s.fail(ctx, f, domain.CodeInvoiceFailure, err)
		}
		f.MarkInvoiced(s.clock.now())
		if err := s.fulfillments.Save(ctx, f); err != nil {
			return s.fail(ctx, f, domain.CodeInvoiceFailure, fmt.Errorf("failed to save fulfillment: %w", err))
		}
	}

	s.metrics.Counter(observability.MetricFulfillmentsCompleted, 1)
	return nil
}

func (s *FulfillmentService) fail(ctx context.Context, f *domain.Fulfillment, code domain.Code, cause error) error {
	f.RecordFailure(code, cause, s.clock.now(), s.backoff(f.Attempts+1))
	if err := s.fulfillments.Save(ctx, f); err != nil {
		s.logger.ErrorContext(ctx, "failed to record fulfillment failure",
			"order_id", f.OrderID,
			"error", err,
		)
	}
	s.metrics.Counter(observability.MetricFulfillmentFailures, 1, observability.T("code", string(code)))
	s.logger.WarnContext(ctx, "fulfillment step failed",
		"order_id", f.OrderID,
		"code", code,
		"attempts", f.Attempts,
		"next_attempt_at", f.NextAttemptAt,
		"error", cause,
	)
	return domain.NewError(code, "fulfill "+f.OrderID.String(), cause)
}

func (s *FulfillmentService) backoff(attempt int) time.Duration {
	base := s.config.BackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	max := s.config.BackoffMax
	if max <= 0 {
		max = time.Hour
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt && backoff < max; i++ {
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}

// RepairDue retries fulfillments whose next attempt is due. Only one worker
// runs a pass at a time when a Locker is configured.
func (s *FulfillmentService) RepairDue(ctx context.Context) (RepairStats, error) {
	var stats RepairStats

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, repairLockKey, s.config.LockTTL)
		if err != nil {
			return stats, fmt.Errorf("failed to acquire repair lock: %w", err)
		}
		if !ok {
			stats.Skipped = true
			return stats, nil
		}
		defer unlock()
	}

	limit := s.config.BatchSize
	if limit <= 0 {
		limit = 50
	}
	due, err := s.fulfillments.ListDue(ctx, s.clock.now(), limit)
	if err != nil {
		return stats, fmt.Errorf("failed to list due fulfillments: %w", err)
	}

	for _, f := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Attempted++
		if err := s.Fulfill(ctx, f.OrderID); err != nil {
			stats.Failed++
			continue
		}
		stats.Completed++
	}

	if stats.Attempted > 0 {
		s.logger.InfoContext(ctx, "fulfillment repair pass finished",
			"attempted", stats.Attempted,
			"completed", stats.Completed,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

// Progress returns the fulfillment record of a paid order, or nil when the
// order was never paid.
func (s *FulfillmentService) Progress(ctx context.Context, orderID uuid.UUID) (*domain.Fulfillment, error) {
	return s.fulfillments.FindByOrderID(ctx, orderID)
}
