package domain

import (
	"context"

	"github.com/google/uuid"
)

// EntitlementService answers download-quota questions for content consumers.
// It is implemented by the application layer on top of subscriptions.
type EntitlementService interface {
	// GetSubscription returns the user's active subscription, if any.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetEntitlement returns the current allowance for the user.
	GetEntitlement(ctx context.Context, userID uuid.UUID) (Entitlement, error)

	// RecordDownload consumes one download from the current period.
	RecordDownload(ctx context.Context, userID uuid.UUID) (Entitlement, error)
}
