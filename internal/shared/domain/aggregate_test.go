package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ticket struct {
	domain.Aggregate
	Seat string
}

type ticketIssued struct {
	domain.EventHeader
	Seat string `json:"seat"`
}

func issue(seat string) *ticket {
	t := &ticket{Aggregate: domain.NewAggregate(), Seat: seat}
	t.Record(ticketIssued{EventHeader: domain.NewEventHeader(t.ID(), "Ticket", "ticket.issued"), Seat: seat})
	return t
}

func TestNewAggregate(t *testing.T) {
	tk := issue("A1")

	assert.NotEqual(t, uuid.Nil, tk.ID())
	assert.Equal(t, uuid.Version(7), tk.ID().Version())
	assert.Equal(t, 0, tk.Version())
	assert.Equal(t, tk.CreatedAt(), tk.UpdatedAt())
	require.Len(t, tk.Events(), 1)
	assert.Equal(t, tk.ID(), tk.Events()[0].AggregateID())

	tk.ClearEvents()
	assert.Empty(t, tk.Events())
}

func TestAggregate_IDsSortByCreation(t *testing.T) {
	first := domain.NewAggregate()
	time.Sleep(2 * time.Millisecond)
	second := domain.NewAggregate()

	assert.Less(t, first.ID().String(), second.ID().String())
}

func TestRestoreAggregate(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updated := created.Add(time.Hour)

	agg := domain.RestoreAggregate(id, created, updated, 4)
	assert.Equal(t, id, agg.ID())
	assert.Equal(t, created, agg.CreatedAt())
	assert.Equal(t, updated, agg.UpdatedAt())
	assert.Equal(t, 4, agg.Version())
	assert.Empty(t, agg.Events())

	agg.IncrementVersion()
	assert.Equal(t, 5, agg.Version())

	agg.Touch()
	assert.True(t, agg.UpdatedAt().After(updated))
	assert.Equal(t, created, agg.CreatedAt())
}

func TestEventHeader(t *testing.T) {
	aggregateID := uuid.New()
	before := time.Now().UTC()
	evt := ticketIssued{EventHeader: domain.NewEventHeader(aggregateID, "Ticket", "ticket.issued"), Seat: "B2"}

	assert.NotEqual(t, uuid.Nil, evt.EventID())
	assert.Equal(t, aggregateID, evt.AggregateID())
	assert.Equal(t, "Ticket", evt.AggregateType())
	assert.Equal(t, "ticket.issued", evt.RoutingKey())
	assert.False(t, evt.OccurredAt().Before(before))

	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seat":"B2"}`, string(payload))
}
