package domain

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a fact recorded by an aggregate and relayed through the outbox.
type DomainEvent interface {
	EventID() uuid.UUID
	AggregateID() uuid.UUID
	AggregateType() string
	RoutingKey() string
	OccurredAt() time.Time
}

// EventMetadata is stored beside an event payload and travels as message headers.
type EventMetadata struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	UserID        uuid.UUID `json:"user_id"`
}

// EventHeader is embedded by concrete events. Its fields stay out of the JSON payload.
type EventHeader struct {
	eventID       uuid.UUID
	aggregateID   uuid.UUID
	aggregateType string
	routingKey    string
	occurredAt    time.Time
}

// NewEventHeader stamps a new event for the aggregate.
func NewEventHeader(aggregateID uuid.UUID, aggregateType, routingKey string) EventHeader {
	return EventHeader{
		eventID:       uuid.New(),
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		routingKey:    routingKey,
		occurredAt:    time.Now().UTC(),
	}
}

func (h EventHeader) EventID() uuid.UUID     { return h.eventID }
func (h EventHeader) AggregateID() uuid.UUID { return h.aggregateID }
func (h EventHeader) AggregateType() string  { return h.aggregateType }
func (h EventHeader) RoutingKey() string     { return h.routingKey }
func (h EventHeader) OccurredAt() time.Time  { return h.occurredAt }
