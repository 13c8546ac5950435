// Package outbox stores domain events in the same transaction as the state
// change that produced them and relays them to the event bus afterwards.
package outbox

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/eventbus"
	"github.com/google/uuid"
)

// Message is one stored event awaiting delivery.
type Message struct {
	ID            int64
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	RoutingKey    string
	Payload       json.RawMessage
	Metadata      domain.EventMetadata
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
	DeadAt        *time.Time
	DeadReason    string
}

// NewMessage serializes event for storage.
func NewMessage(event domain.DomainEvent, metadata domain.EventMetadata) (*Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", event.RoutingKey(), err)
	}
	return &Message{
		EventID:       event.EventID(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		RoutingKey:    event.RoutingKey(),
		Payload:       payload,
		Metadata:      metadata,
		CreatedAt:     event.OccurredAt().UTC(),
	}, nil
}

// Envelope converts the message to its bus form.
func (m *Message) Envelope() *eventbus.Envelope {
	return &eventbus.Envelope{
		EventID:       m.EventID,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		RoutingKey:    m.RoutingKey,
		OccurredAt:    m.CreatedAt,
		Payload:       m.Payload,
		Metadata:      m.Metadata,
	}
}

// IsPublished reports whether the bus accepted the message.
func (m *Message) IsPublished() bool { return m.PublishedAt != nil }

// IsDead reports whether delivery was abandoned.
func (m *Message) IsDead() bool { return m.DeadAt != nil }

// Backlog summarizes undelivered messages.
type Backlog struct {
	Pending         int64
	Dead            int64
	OldestPendingAt *time.Time
}

// Repository persists outbox messages. SaveBatch joins the transaction in ctx.
type Repository interface {
	SaveBatch(ctx context.Context, msgs []*Message) error

	// Claim returns up to limit messages that are due, oldest first, and
	// hides them from other claimers for lease.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*Message, error)

	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id int64, reason string) error

	Backlog(ctx context.Context) (Backlog, error)

	// DeleteOld removes messages published more than olderThanDays ago.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}

func encodeMetadata(md domain.EventMetadata) ([]byte, error) {
	return json.Marshal(md)
}

func decodeMetadata(raw []byte) domain.EventMetadata {
	var md domain.EventMetadata
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &md)
	}
	return md
}

func sortOldestFirst(msgs []*Message) {
	slices.SortFunc(msgs, func(a, b *Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
