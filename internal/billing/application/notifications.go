package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

const maxStoredPayload = 64 << 10

// NotificationResult is the outcome of handling one gateway notification.
type NotificationResult struct {
	Outcome domain.NotificationOutcome
	OrderID *uuid.UUID
	Status  domain.OrderStatus
}

// NotificationService verifies gateway notifications and applies them to the ledger.
type NotificationService struct {
	gateways      *Gateways
	ledger        *Ledger
	events        domain.WebhookEventRepository
	subscriptions domain.SubscriptionRepository
	outboxRepo    outbox.Repository
	clock         Clock
	logger        *slog.Logger
	metrics       observability.Metrics
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(
	gateways *Gateways,
	ledger *Ledger,
	events domain.WebhookEventRepository,
	subscriptions domain.SubscriptionRepository,
	outboxRepo outbox.Repository,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationService{
		gateways:      gateways,
		ledger:        ledger,
		events:        events,
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		logger:        logger,
		metrics:       observability.NoopMetrics{},
	}
}

// WithClock overrides the time source.
func (s *NotificationService) WithClock(clock Clock) *NotificationService {
	s.clock = clock
	return s
}

// WithMetrics sets the metrics sink.
func (s *NotificationService) WithMetrics(m observability.Metrics) *NotificationService {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Handle processes a raw notification from provider. Nothing in an
// unverified notification reaches the ledger.
func (s *NotificationService) Handle(ctx context.Context, provider string, raw domain.RawNotification) (NotificationResult, error) {
	adapter, err := s.gateways.ForProvider(provider)
	if err != nil {
		return NotificationResult{}, err
	}

	n, err := adapter.VerifyAndExtract(ctx, raw)
	if err != nil {
		s.reject(ctx, provider, raw, err)
		return NotificationResult{Outcome: domain.OutcomeRejected}, domain.NewError(domain.CodeInvalidSignature, "verify "+provider, err)
	}

	stored, created, err := s.events.Record(ctx, &domain.WebhookEvent{
		ID:               uuid.New(),
		Provider:         provider,
		EventID:          n.EventID,
		EventType:        n.EventType,
		GatewayReference: n.GatewayReference,
		SignatureValid:   true,
		Payload:          truncate(raw.Body),
		ReceivedAt:       s.clock.now(),
	})
	if err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed}, fmt.Errorf("failed to record notification: %w", err)
	}
	if !created && stored.IsSettled() {
		s.count(provider, domain.OutcomeDuplicate)
		s.logger.InfoContext(ctx, "duplicate notification ignored",
			"provider", provider,
			"event_id", n.EventID,
			"outcome", stored.Outcome,
			"code", domain.CodeDuplicateTransition,
		)
		// A redelivered mismatch is refused again so the gateway sees the same answer.
		if stored.Outcome == domain.OutcomeAmountMismatch {
			return NotificationResult{Outcome: domain.OutcomeAmountMismatch},
				domain.NewError(domain.CodeAmountMismatch, "verify amount", domain.ErrAmountMismatch)
		}
		return NotificationResult{Outcome: domain.OutcomeDuplicate}, nil
	}

	result, procErr := s.process(ctx, provider, n)
	errText := ""
	if procErr != nil {
		errText = procErr.Error()
	}
	if err := s.events.MarkProcessed(ctx, stored.ID, result.Outcome, errText, s.clock.now()); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark notification processed",
			"provider", provider,
			"event_id", n.EventID,
			"error", err,
		)
	}
	s.count(provider, result.Outcome)
	return result, procErr
}

func (s *NotificationService) process(ctx context.Context, provider string, n domain.Notification) (NotificationResult, error) {
	switch n.Kind {
	case domain.NotificationSubscriptionCanceled:
		return s.scheduleCancellation(ctx, n)
	case domain.NotificationPayment:
	default:
		return NotificationResult{Outcome: domain.OutcomeIgnored}, nil
	}

	order, err := s.resolveOrder(ctx, n)
	if errors.Is(err, domain.ErrOrderNotFound) {
		s.logger.WarnContext(ctx, "notification references unknown order",
			"provider", provider,
			"event_id", n.EventID,
			"gateway_reference", n.GatewayReference,
			"code", domain.CodeOrderNotFound,
		)
		return NotificationResult{Outcome: domain.OutcomeOrderNotFound}, nil
	}
	if err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed}, err
	}
	orderID := order.ID()
	result := NotificationResult{OrderID: &orderID, Status: order.Status()}

	target, ok := n.Status.OrderStatus()
	if !ok {
		result.Outcome = domain.OutcomeIgnored
		return result, nil
	}

	if target == domain.OrderPaid && !order.MatchesAmount(n.Amount, n.Currency) {
		s.logger.WarnContext(ctx, "notification amount does not match order",
			"provider", provider,
			"event_id", n.EventID,
			"order_id", order.ID(),
			"expected", order.Amount().String(),
			"expected_currency", order.Currency(),
			"reported", n.Amount.String(),
			"reported_currency", n.Currency,
			"security", true,
		)
		result.Outcome = domain.OutcomeAmountMismatch
		return result, domain.NewError(domain.CodeAmountMismatch, "verify amount", domain.ErrAmountMismatch)
	}

	payload, err := json.Marshal(GatewayPayload{
		Provider:    provider,
		EventID:     n.EventID,
		EventType:   n.EventType,
		ExternalRef: n.ExternalRef,
		Source:      "notification",
		Data:        compactJSON(n.Payload),
	})
	if err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed}, err
	}

	updated, res, err := s.ledger.Transition(ctx, order.ID(), target, payload, n.EventType)
	if errors.Is(err, domain.ErrInvalidTransition) {
		if target == domain.OrderPaid && updated != nil {
			return s.latePayment(ctx, provider, updated, n)
		}
		result.Outcome = domain.OutcomeIgnored
		return result, nil
	}
	if err != nil {
		result.Outcome = domain.OutcomeFailed
		return result, err
	}

	result.Status = updated.Status()
	result.Outcome = domain.OutcomeProcessed
	if res == TransitionDuplicate {
		result.Outcome = domain.OutcomeDuplicate
	}
	return result, nil
}

func (s *NotificationService) resolveOrder(ctx context.Context, n domain.Notification) (*domain.Order, error) {
	order, err := s.ledger.FindByGatewayReference(ctx, n.GatewayReference)
	if err == nil || !errors.Is(err, domain.ErrOrderNotFound) {
		return order, err
	}
	// The gateway may echo our order id when the reference was never attached.
	id, parseErr := uuid.Parse(n.OrderID)
	if parseErr != nil {
		return nil, err
	}
	order, err = s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.GatewayReference() != "" && order.GatewayReference() != n.GatewayReference {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *NotificationService) latePayment(ctx context.Context, provider string, order *domain.Order, n domain.Notification) (NotificationResult, error) {
	orderID := order.ID()
	s.logger.ErrorContext(ctx, "payment reported for closed order, manual refund required",
		"provider", provider,
		"event_id", n.EventID,
		"order_id", orderID,
		"status", order.Status(),
		"gateway_reference", n.GatewayReference,
	)
	event := domain.NewLatePaymentDetected(order, provider, n.EventID)
	if err := saveEvents(ctx, s.outboxRepo, []sharedDomain.DomainEvent{event}, order.UserID()); err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed, OrderID: &orderID}, fmt.Errorf("failed to record late payment: %w", err)
	}
	return NotificationResult{Outcome: domain.OutcomeLatePayment, OrderID: &orderID, Status: order.Status()}, nil
}

func (s *NotificationService) scheduleCancellation(ctx context.Context, n domain.Notification) (NotificationResult, error) {
	result := NotificationResult{Outcome: domain.OutcomeSubscriptionNote}
	if n.ExternalRef == "" {
		return result, nil
	}
	sub, err := s.subscriptions.FindByExternalReference(ctx, n.ExternalRef)
	if err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed}, err
	}
	if sub == nil || sub.Status != domain.SubscriptionActive || sub.CancelAtPeriodEnd {
		return result, nil
	}

	now := s.clock.now()
	sub.CancelAtPeriodEnd = true
	sub.UpdatedAt = now
	if err := s.subscriptions.Update(ctx, sub); err != nil {
		return NotificationResult{Outcome: domain.OutcomeFailed}, err
	}
	if err := s.subscriptions.AppendHistory(ctx, domain.NewHistory(sub, domain.HistoryCancelScheduled, nil, now)); err != nil {
		s.logger.WarnContext(ctx, "failed to append subscription history", "subscription_id", sub.ID, "error", err)
	}
	if err := saveEvents(ctx, s.outboxRepo, []sharedDomain.DomainEvent{domain.NewSubscriptionCancelScheduled(sub)}, sub.UserID); err != nil {
		s.logger.WarnContext(ctx, "failed to publish cancellation event", "subscription_id", sub.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "subscription set to cancel at period end",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"period_end", sub.CurrentPeriodEnd,
	)
	return result, nil
}

func (s *NotificationService) reject(ctx context.Context, provider string, raw domain.RawNotification, cause error) {
	s.logger.WarnContext(ctx, "notification rejected",
		"provider", provider,
		"code", domain.CodeInvalidSignature,
		"security", true,
		"error", cause,
	)
	s.count(provider, domain.OutcomeRejected)

	now := s.clock.now()
	_, _, err := s.events.Record(ctx, &domain.WebhookEvent{
		ID:              uuid.New(),
		Provider:        provider,
		EventID:         "unverified-" + uuid.NewString(),
		SignatureValid:  false,
		Outcome:         domain.OutcomeRejected,
		ProcessingError: cause.Error(),
		Payload:         truncate(raw.Body),
		ReceivedAt:      now,
		ProcessedAt:     &now,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record rejected notification", "provider", provider, "error", err)
	}
}

func (s *NotificationService) count(provider string, outcome domain.NotificationOutcome) {
	s.metrics.Counter(observability.MetricNotifications, 1,
		observability.T("provider", provider),
		observability.T("outcome", string(outcome)),
	)
}

func truncate(b []byte) []byte {
	if len(b) > maxStoredPayload {
		return b[:maxStoredPayload]
	}
	return b
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
