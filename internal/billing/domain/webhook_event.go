package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationOutcome records what processing a gateway notification did.
type NotificationOutcome string

const (
	OutcomeProcessed        NotificationOutcome = "processed"
	OutcomeDuplicate        NotificationOutcome = "duplicate"
	OutcomeIgnored          NotificationOutcome = "ignored"
	OutcomeRejected         NotificationOutcome = "rejected"
	OutcomeOrderNotFound    NotificationOutcome = "order_not_found"
	OutcomeAmountMismatch   NotificationOutcome = "amount_mismatch"
	OutcomeLatePayment      NotificationOutcome = "late_payment"
	OutcomeSubscriptionNote NotificationOutcome = "subscription_recorded"
	OutcomeFailed           NotificationOutcome = "failed"
)

// WebhookEvent is the log entry of an inbound notification, unique per
// provider and provider event id.
type WebhookEvent struct {
	ID               uuid.UUID
	Provider         string
	EventID          string
	EventType        string
	GatewayReference string
	SignatureValid   bool
	Outcome          NotificationOutcome
	ProcessingError  string
	Payload          []byte
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
}

// IsSettled reports whether the event reached a final outcome that must not be
// reprocessed on redelivery.
func (e *WebhookEvent) IsSettled() bool {
	if e.ProcessedAt == nil {
		return false
	}
	return e.Outcome != OutcomeFailed && e.Outcome != OutcomeRejected
}
