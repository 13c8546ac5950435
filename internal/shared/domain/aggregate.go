package domain

import (
	"time"

	"github.com/google/uuid"
)

// Aggregate carries the identity, timestamps and optimistic-lock version of a
// persisted aggregate together with the events it recorded since loading.
type Aggregate struct {
	id        uuid.UUID
	createdAt time.Time
	updatedAt time.Time
	version   int
	events    []DomainEvent
}

// NewAggregate starts a fresh aggregate. IDs are UUIDv7 so they sort by creation.
func NewAggregate() Aggregate {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	return Aggregate{id: id, createdAt: now, updatedAt: now}
}

// RestoreAggregate rebuilds the aggregate header from storage. No events are pending.
func RestoreAggregate(id uuid.UUID, createdAt, updatedAt time.Time, version int) Aggregate {
	return Aggregate{id: id, createdAt: createdAt, updatedAt: updatedAt, version: version}
}

func (a *Aggregate) ID() uuid.UUID        { return a.id }
func (a *Aggregate) CreatedAt() time.Time { return a.createdAt }
func (a *Aggregate) UpdatedAt() time.Time { return a.updatedAt }
func (a *Aggregate) Version() int         { return a.version }

// IncrementVersion is called by repositories after a successful conditional update.
func (a *Aggregate) IncrementVersion() {
	a.version++
}

// Touch moves updatedAt forward.
func (a *Aggregate) Touch() {
	a.updatedAt = time.Now().UTC()
}

// Record queues an event for the outbox.
func (a *Aggregate) Record(event DomainEvent) {
	a.events = append(a.events, event)
}

// Events returns the events recorded since the aggregate was created or loaded.
func (a *Aggregate) Events() []DomainEvent {
	return a.events
}

// ClearEvents drops recorded events once they are stored in the outbox.
func (a *Aggregate) ClearEvents() {
	a.events = nil
}
