package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monthlyPlan() Plan {
	return Plan{
		ID:       "pro-monthly",
		Name:     "Pro Monthly",
		Price:    decimal.RequireFromString("19.00"),
		Currency: "USD",
		Duration: DurationMonthly,
		Settlements: map[PaymentMethod]Settlement{
			MethodQRAlipay: {Currency: "CNY", Rate: decimal.RequireFromString("7.1234")},
		},
	}
}

func newPendingOrder(t *testing.T, method PaymentMethod) *Order {
	t.Helper()
	o, err := NewOrder(uuid.New(), monthlyPlan(), method, "", time.Now().Add(15*time.Minute))
	require.NoError(t, err)
	return o
}

func TestNewOrder_FixesSettlementAmount(t *testing.T) {
	card := newPendingOrder(t, MethodCheckoutSession)
	assert.Equal(t, "19.00", card.Amount().StringFixed(2))
	assert.Equal(t, "USD", card.Currency())
	assert.Equal(t, OrderPending, card.Status())

	qr := newPendingOrder(t, MethodQRAlipay)
	assert.Equal(t, "135.34", qr.Amount().StringFixed(2))
	assert.Equal(t, "CNY", qr.Currency())

	require.Len(t, qr.Events(), 1)
	assert.Equal(t, RoutingKeyOrderCreated, qr.Events()[0].RoutingKey())
}

func TestNewOrder_RejectsUnknownMethod(t *testing.T) {
	_, err := NewOrder(uuid.New(), monthlyPlan(), PaymentMethod("cash"), "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)
}

func TestOrderTransition_ToPaid(t *testing.T) {
	o := newPendingOrder(t, MethodCheckoutSession)
	o.ClearEvents()
	payload := json.RawMessage(`{"id":"evt_1"}`)
	at := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

	changed, err := o.Transition(OrderPaid, payload, "", at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, OrderPaid, o.Status())
	require.NotNil(t, o.PaidAt())
	assert.Equal(t, at, *o.PaidAt())
	assert.JSONEq(t, `{"id":"evt_1"}`, string(o.Metadata()))
	require.Len(t, o.Events(), 1)
	assert.Equal(t, RoutingKeyOrderPaid, o.Events()[0].RoutingKey())
}

func TestOrderTransition_SameTargetIsNoop(t *testing.T) {
	o := newPendingOrder(t, MethodCheckoutSession)
	_, err := o.Transition(OrderPaid, nil, "", time.Now())
	require.NoError(t, err)
	o.ClearEvents()

	changed, err := o.Transition(OrderPaid, json.RawMessage(`{"again":true}`), "", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, o.Events())
	assert.Nil(t, o.Metadata())
}

func TestOrderTransition_IsMonotone(t *testing.T) {
	targets := []OrderStatus{OrderPending, OrderCanceled, OrderFailed}

	for _, target := range targets {
		t.Run(string(target), func(t *testing.T) {
			o := newPendingOrder(t, MethodQRWeChat)
			_, err := o.Transition(OrderPaid, nil, "", time.Now())
			require.NoError(t, err)

			_, err = o.Transition(target, nil, "late", time.Now())
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, OrderPaid, o.Status())
		})
	}
}

func TestOrderTransition_ClosedOrdersCannotBePaid(t *testing.T) {
	o := newPendingOrder(t, MethodQRAlipay)
	changed, err := o.Transition(OrderCanceled, nil, "expired", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "expired", o.FailedReason())

	_, err = o.Transition(OrderPaid, nil, "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOrderAttachGatewayReference(t *testing.T) {
	o := newPendingOrder(t, MethodCheckoutSession)

	changed, err := o.AttachGatewayReference("cs_test_1", "https://pay.example/cs_test_1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = o.AttachGatewayReference("cs_test_1", "ignored")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "https://pay.example/cs_test_1", o.HandlePayload())

	_, err = o.AttachGatewayReference("cs_test_2", "")
	assert.ErrorIs(t, err, ErrReferenceConflict)
}

func TestOrderIsExpired(t *testing.T) {
	now := time.Now()
	o, err := NewOrder(uuid.New(), monthlyPlan(), MethodQRAlipay, "", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, o.IsExpired(now))

	_, err = o.Transition(OrderPaid, nil, "", now)
	require.NoError(t, err)
	assert.False(t, o.IsExpired(now))
}

func TestRehydrateOrder_RoundTripsState(t *testing.T) {
	o := newPendingOrder(t, MethodQRAlipay)
	_, err := o.AttachGatewayReference("T2025", "weixin://pay")
	require.NoError(t, err)

	state := o.State()
	state.Version = 3
	restored := RehydrateOrder(state)

	assert.Equal(t, o.ID(), restored.ID())
	assert.Equal(t, 3, restored.Version())
	assert.Equal(t, "T2025", restored.GatewayReference())
	assert.True(t, restored.Amount().Equal(o.Amount()))
	assert.Empty(t, restored.Events())
}

func TestOrder_MatchesAmount(t *testing.T) {
	o := newPendingOrder(t, MethodCheckoutSession)
	amount := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}

	assert.True(t, o.MatchesAmount(nil, ""), "unreported amount")
	assert.True(t, o.MatchesAmount(amount("19"), "usd"))
	assert.True(t, o.MatchesAmount(amount("19.00"), ""))
	assert.False(t, o.MatchesAmount(amount("0"), "USD"), "zero total on a priced order")
	assert.False(t, o.MatchesAmount(amount("19.00"), "EUR"))
	assert.False(t, o.MatchesAmount(amount("18.99"), "USD"))
}
