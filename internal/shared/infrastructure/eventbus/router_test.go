package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	keys []string
	err  error
	seen []string
}

func (h *recordingHandler) RoutingKeys() []string { return h.keys }

func (h *recordingHandler) Handle(_ context.Context, env *Envelope) error {
	h.seen = append(h.seen, env.RoutingKey)
	return h.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func envelope(routingKey string) *Envelope {
	return &Envelope{EventID: uuid.New(), AggregateID: uuid.New(), RoutingKey: routingKey, Payload: json.RawMessage(`{}`)}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"billing.order.paid", "billing.order.paid", true},
		{"billing.order.paid", "billing.order.failed", false},
		{"billing.order.*", "billing.order.paid", true},
		{"billing.order.*", "billing.order", false},
		{"billing.order.*", "billing.order.paid.late", false},
		{"billing.#", "billing.order.paid", true},
		{"billing.#", "billing", true},
		{"#", "billing.invoice.issued", true},
		{"billing.#.issued", "billing.invoice.issued", true},
		{"billing.#.issued", "billing.issued", true},
		{"billing.#.issued", "billing.invoice.voided", false},
		{"*.order.*", "billing.order.canceled", true},
		{"*.order.*", "billing.subscription.activated", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(quietLogger())
	orders := &recordingHandler{keys: []string{"billing.order.*", "billing.order.paid"}}
	everything := &recordingHandler{keys: []string{"billing.#"}}
	invoices := &recordingHandler{keys: []string{"billing.invoice.issued"}}
	r.Register(orders)
	r.Register(everything)
	r.Register(invoices)

	require.NoError(t, r.Dispatch(context.Background(), envelope("billing.order.paid")))
	require.NoError(t, r.Dispatch(context.Background(), envelope("billing.invoice.issued")))
	require.NoError(t, r.Dispatch(context.Background(), envelope("audit.unrelated")))

	assert.Equal(t, []string{"billing.order.paid"}, orders.seen, "overlapping patterns deliver once")
	assert.Equal(t, []string{"billing.order.paid", "billing.invoice.issued"}, everything.seen)
	assert.Equal(t, []string{"billing.invoice.issued"}, invoices.seen)

	assert.Equal(t, 3, r.HandlerCount())
	assert.Equal(t, []string{"billing.#", "billing.invoice.issued", "billing.order.*", "billing.order.paid"}, r.Patterns())
}

func TestRouter_DispatchJoinsFailures(t *testing.T) {
	r := NewRouter(quietLogger())
	errA := errors.New("smtp down")
	errB := errors.New("webhook relay down")
	first := &recordingHandler{keys: []string{"billing.order.paid"}, err: errA}
	second := &recordingHandler{keys: []string{"billing.order.paid"}}
	third := &recordingHandler{keys: []string{"billing.order.paid"}, err: errB}
	r.Register(first)
	r.Register(second)
	r.Register(third)

	err := r.Dispatch(context.Background(), envelope("billing.order.paid"))
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, second.seen, 1, "later handlers still run")
}

func TestLocalBus_Publish(t *testing.T) {
	r := NewRouter(quietLogger())
	failing := &recordingHandler{keys: []string{"billing.order.late_payment"}, err: errors.New("pager unavailable")}
	r.Register(failing)
	bus := NewLocalBus(r, quietLogger())

	require.NoError(t, bus.Publish(context.Background(), envelope("billing.order.late_payment")))
	assert.Len(t, failing.seen, 1)
	assert.NoError(t, bus.Close())
}

type issued struct {
	domain.EventHeader
	Number string `json:"number"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	aggregateID := uuid.New()
	evt := issued{EventHeader: domain.NewEventHeader(aggregateID, "Invoice", "billing.invoice.issued"), Number: "INV-1"}
	md := domain.EventMetadata{CorrelationID: "corr-9", UserID: uuid.New()}

	env, err := NewEnvelope(evt, md)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID(), env.EventID)
	assert.Equal(t, "Invoice", env.AggregateType)
	assert.JSONEq(t, `{"number":"INV-1"}`, string(env.Payload))

	body, err := json.Marshal(env)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(body, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "billing.invoice.issued", decoded.RoutingKey)
	assert.Equal(t, aggregateID, decoded.AggregateID)
	assert.Equal(t, md, decoded.Metadata)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{`), "billing.order.paid")
	assert.ErrorContains(t, err, "failed to decode envelope")

	env, err := DecodeEnvelope([]byte(`{"payload":{}}`), "billing.order.paid")
	require.NoError(t, err)
	assert.Equal(t, "billing.order.paid", env.RoutingKey)

	_, err = DecodeEnvelope([]byte(`{"payload":{}}`), "")
	assert.ErrorContains(t, err, "no routing key")
}
