package application

import (
	"context"

	"github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

// EventMetadataFromContext captures the request tracing ids of ctx for events
// recorded on behalf of userID.
func EventMetadataFromContext(ctx context.Context, userID uuid.UUID) domain.EventMetadata {
	return domain.EventMetadata{
		CorrelationID: observability.CorrelationIDFromContext(ctx),
		RequestID:     observability.RequestIDFromContext(ctx),
		UserID:        userID,
	}
}
