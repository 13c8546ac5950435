package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/settle/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
)

// GatewayPayload is the audit envelope stored on an order when a gateway
// reports a state change.
type GatewayPayload struct {
	Provider    string          `json:"provider"`
	EventID     string          `json:"event_id,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Source      string          `json:"source"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func externalRefOf(order *domain.Order) string {
	var p GatewayPayload
	if len(order.Metadata()) > 0 && json.Unmarshal(order.Metadata(), &p) == nil && p.ExternalRef != "" {
		return p.ExternalRef
	}
	return order.GatewayReference()
}

// Activator grants or extends a user's subscription for a paid order.
type Activator struct {
	subscriptions domain.SubscriptionRepository
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
	clock         Clock
	logger        *slog.Logger
}

// NewActivator creates a new Activator.
func NewActivator(subscriptions domain.SubscriptionRepository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		uow:           uow,
		logger:        logger,
	}
}

// WithClock overrides the time source.
func (a *Activator) WithClock(clock Clock) *Activator {
	a.clock = clock
	return a
}

// Activate applies a paid order to the user's subscription. Running it again
// for an order that was already applied changes nothing and returns the
// current active subscription, which is nil when the user has none left.
func (a *Activator) Activate(ctx context.Context, order *domain.Order, plan domain.Plan) (*domain.Subscription, error) {
	if order.Status() != domain.OrderPaid {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrActivationFailure, order.ID(), order.Status())
	}

	sub, err := a.activate(ctx, order, plan)
	if errors.Is(err, domain.ErrActiveSubscriptionExists) {
		// Lost a race creating the active row; the retry sees and extends it.
		sub, err = a.activate(ctx, order, plan)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeActivationFailure, "activate "+order.ID().String(), err)
	}
	return sub, nil
}

func (a *Activator) activate(ctx context.Context, order *domain.Order, plan domain.Plan) (*domain.Subscription, error) {
	var (
		result  *domain.Subscription
		applied bool
	)
	err := sharedApplication.WithUnitOfWork(ctx, a.uow, func(txCtx context.Context) error {
		current, err := a.subscriptions.FindActiveByUserID(txCtx, order.UserID())
		if err != nil {
			return fmt.Errorf("failed to load active subscription: %w", err)
		}
		if current != nil && current.LastOrderID == order.ID() {
			result, applied = current, true
			return nil
		}
		// A newer order may have moved the subscription on since this one was
		// applied; recomputing from this order's payment time would shorten it.
		seen, err := a.subscriptions.HasOrderHistory(txCtx, order.ID())
		if err != nil {
			return err
		}
		if seen {
			result, applied = current, true
			return nil
		}

		now := a.clock.now()
		start := now
		if order.PaidAt() != nil {
			start = order.PaidAt().UTC()
		}
		orderID := order.ID()
		var (
			events  []sharedDomain.DomainEvent
			history []domain.SubscriptionHistory
			change  domain.HistoryChange
		)

		switch {
		case current != nil && plan.Duration != domain.DurationLifetime && current.IsLifetime():
			// Lifetime access is never shortened by a later periodic purchase.
			current.LastOrderID = orderID
			current.UpdatedAt = now
			if err := a.subscriptions.Update(txCtx, current); err != nil {
				return err
			}
			result = current
			change = domain.HistoryExtended

		case current != nil && plan.Duration != domain.DurationLifetime:
			current.PlanID = plan.ID
			current.PaymentMethod = order.Method()
			current.CurrentPeriodStart = start
			current.CurrentPeriodEnd = domain.PeriodEnd(start, plan.Duration)
			current.DownloadCount = 0
			current.CancelAtPeriodEnd = false
			current.ExternalReference = externalRefOf(order)
			current.LastOrderID = orderID
			current.UpdatedAt = now
			if err := a.subscriptions.Update(txCtx, current); err != nil {
				return err
			}
			result = current
			change = domain.HistoryExtended

		default:
			if current != nil {
				current.Status = domain.SubscriptionCanceled
				current.UpdatedAt = now
				if err := a.subscriptions.Update(txCtx, current); err != nil {
					return err
				}
				history = append(history, domain.NewHistory(current, domain.HistoryReplaced, &orderID, now))
			}
			result = &domain.Subscription{
				ID:                 uuid.New(),
				UserID:             order.UserID(),
				PlanID:             plan.ID,
				Status:             domain.SubscriptionActive,
				PaymentMethod:      order.Method(),
				CurrentPeriodStart: start,
				CurrentPeriodEnd:   domain.PeriodEnd(start, plan.Duration),
				ExternalReference:  externalRefOf(order),
				LastOrderID:        orderID,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := a.subscriptions.Create(txCtx, result); err != nil {
				return err
			}
			change = domain.HistoryCreated
		}

		history = append(history, domain.NewHistory(result, change, &orderID, now))
		for _, entry := range history {
			if err := a.subscriptions.AppendHistory(txCtx, entry); err != nil {
				return fmt.Errorf("failed to append subscription history: %w", err)
			}
		}

		events = append(events, domain.NewSubscriptionActivated(result, change))
		return saveEvents(txCtx, a.outboxRepo, events, order.UserID())
	})
	if err != nil {
		return nil, err
	}
	if applied {
		a.logger.DebugContext(ctx, "order already applied to subscription", "order_id", order.ID())
		return result, nil
	}

	a.logger.InfoContext(ctx, "subscription activated",
		"order_id", order.ID(),
		"user_id", order.UserID(),
		"subscription_id", result.ID,
		"plan_id", result.PlanID,
		"period_end", result.CurrentPeriodEnd,
	)
	return result, nil
}
