// Package subscribers reacts to billing events published through the outbox.
package subscribers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

// LatePaymentPayload is the body of billing.order.late_payment events.
type LatePaymentPayload struct {
	UserID           uuid.UUID `json:"user_id"`
	OrderStatus      string    `json:"order_status"`
	GatewayReference string    `json:"gateway_reference"`
	Provider         string    `json:"provider"`
	EventID          string    `json:"event_id"`
}

// LatePaymentAlert raises an operator alert when money arrived for an order
// that was already closed. Such payments need a manual refund.
type LatePaymentAlert struct {
	logger  *slog.Logger
	metrics observability.Metrics
}

var _ eventbus.Handler = (*LatePaymentAlert)(nil)

// NewLatePaymentAlert creates a new late payment subscriber.
func NewLatePaymentAlert(logger *slog.Logger, metrics observability.Metrics) *LatePaymentAlert {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &LatePaymentAlert{logger: logger, metrics: metrics}
}

// RoutingKeys returns the routing keys this subscriber handles.
func (s *LatePaymentAlert) RoutingKeys() []string {
	return []string{domain.RoutingKeyOrderLatePayment}
}

// Handle logs the alert. Malformed payloads are logged and dropped.
func (s *LatePaymentAlert) Handle(ctx context.Context, env *eventbus.Envelope) error {
	var payload LatePaymentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to unmarshal late payment payload",
			"event_id", env.EventID,
			"error", err,
		)
		return nil
	}

	s.metrics.Counter(observability.MetricLatePayments, 1, observability.T("provider", payload.Provider))
	s.logger.ErrorContext(ctx, "refund required for payment on closed order",
		"order_id", env.AggregateID,
		"user_id", payload.UserID,
		"order_status", payload.OrderStatus,
		"provider", payload.Provider,
		"gateway_reference", payload.GatewayReference,
		"gateway_event_id", payload.EventID,
		"alert", true,
	)
	return nil
}
