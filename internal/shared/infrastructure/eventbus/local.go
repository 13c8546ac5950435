package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LocalBus delivers envelopes synchronously through a router. It stands in for
// RabbitMQ when no broker is configured.
type LocalBus struct {
	router *Router
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Publisher = (*LocalBus)(nil)

// NewLocalBus creates a bus dispatching to router.
func NewLocalBus(router *Router, logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{router: router, logger: logger}
}

// Publish dispatches env to the matching handlers one envelope at a time.
// Handler failures are logged and not returned, so the outbox never
// redelivers to handlers that already succeeded.
func (b *LocalBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	if err := b.router.Dispatch(ctx, env); err != nil {
		b.logger.ErrorContext(ctx, "local event dispatch failed",
			"routing_key", env.RoutingKey,
			"event_id", env.EventID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil
	}

	b.logger.DebugContext(ctx, "event dispatched",
		"routing_key", env.RoutingKey,
		"event_id", env.EventID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close is a no-op.
func (b *LocalBus) Close() error {
	return nil
}
