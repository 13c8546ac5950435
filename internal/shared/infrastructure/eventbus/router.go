package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Router matches envelopes to handlers by routing key.
type Router struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Register adds a handler for the patterns it declares.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	r.logger.Debug("registered event handler", "routing_keys", h.RoutingKeys())
}

// Patterns returns the distinct patterns of all handlers, sorted. The RabbitMQ
// consumer binds its queue to each of them.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, h := range r.handlers {
		for _, p := range h.RoutingKeys() {
			seen[p] = struct{}{}
		}
	}
	patterns := make([]string, 0, len(seen))
	for p := range seen {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Match returns the handlers interested in routingKey. A handler appears once
// even when several of its patterns match.
func (r *Router) Match(routingKey string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Handler
	for _, h := range r.handlers {
		for _, p := range h.RoutingKeys() {
			if MatchTopic(p, routingKey) {
				matched = append(matched, h)
				break
			}
		}
	}
	return matched
}

// Dispatch runs every matching handler, even after one fails, and returns
// the joined failures.
func (r *Router) Dispatch(ctx context.Context, env *Envelope) error {
	handlers := r.Match(env.RoutingKey)
	if len(handlers) == 0 {
		r.logger.DebugContext(ctx, "no handlers for event", "routing_key", env.RoutingKey)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, env); err != nil {
			r.logger.ErrorContext(ctx, "event handler failed",
				"routing_key", env.RoutingKey,
				"event_id", env.EventID,
				"handler", fmt.Sprintf("%T", h),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MatchTopic reports whether routingKey matches pattern under topic exchange rules.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
