package observability

import (
	"context"

	"github.com/google/uuid"
)

// Log attribute names and the HTTP headers that carry the same IDs.
const (
	CorrelationIDKey    = "correlation_id"
	RequestIDKey        = "request_id"
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDHeader     = "X-Request-ID"
)

type (
	correlationKey struct{}
	requestKey     struct{}
)

// WithCorrelationID tags ctx with the ID that follows an order across
// requests, gateway callbacks and outbox deliveries. An empty id mints one.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, orNew(id))
}

// WithRequestID tags ctx with the ID of a single inbound request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, orNew(id))
}

// CorrelationIDFromContext returns the correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

// NewRequestContext starts a request: a fresh request ID, and the caller's
// correlation ID when it sent one.
func NewRequestContext(ctx context.Context, correlationID string) context.Context {
	return WithCorrelationID(WithRequestID(ctx, ""), correlationID)
}

func orNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
