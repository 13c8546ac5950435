// Package eventbus carries billing events from the outbox to their handlers,
// either through a RabbitMQ topic exchange or synchronously in process.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/google/uuid"
)

// Envelope is the wire form of an event on the bus.
type Envelope struct {
	EventID       uuid.UUID            `json:"event_id"`
	AggregateID   uuid.UUID            `json:"aggregate_id"`
	AggregateType string               `json:"aggregate_type"`
	RoutingKey    string               `json:"routing_key"`
	OccurredAt    time.Time            `json:"occurred_at"`
	Payload       json.RawMessage      `json:"payload"`
	Metadata      domain.EventMetadata `json:"metadata"`
}

// NewEnvelope wraps a domain event for publishing.
func NewEnvelope(event domain.DomainEvent, metadata domain.EventMetadata) (*Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event.RoutingKey(), err)
	}
	return &Envelope{
		EventID:       event.EventID(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		RoutingKey:    event.RoutingKey(),
		OccurredAt:    event.OccurredAt(),
		Payload:       payload,
		Metadata:      metadata,
	}, nil
}

// DecodeEnvelope parses a message body. routingKey fills in envelopes that omit it.
func DecodeEnvelope(body []byte, routingKey string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.RoutingKey == "" {
		env.RoutingKey = routingKey
	}
	if env.RoutingKey == "" {
		return nil, fmt.Errorf("envelope %s has no routing key", env.EventID)
	}
	return &env, nil
}

// Handler reacts to events whose routing key matches one of its patterns.
// Patterns use topic exchange syntax: "*" is one word, "#" is zero or more.
type Handler interface {
	RoutingKeys() []string
	Handle(ctx context.Context, env *Envelope) error
}

// Publisher delivers envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
	Close() error
}
