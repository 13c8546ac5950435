package domain

import (
	"encoding/json"
	"testing"
	"time"

	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ sharedDomain.DomainEvent = OrderCreated{}
	_ sharedDomain.DomainEvent = OrderPaidEvent{}
	_ sharedDomain.DomainEvent = OrderClosed{}
	_ sharedDomain.DomainEvent = LatePaymentDetected{}
	_ sharedDomain.DomainEvent = SubscriptionActivated{}
	_ sharedDomain.DomainEvent = SubscriptionCancelScheduled{}
)

func TestOrderTransition_RecordsOrderPaidEvent(t *testing.T) {
	o := newPendingOrder(t, MethodCheckoutSession)
	o.ClearEvents()
	at := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	_, err := o.Transition(OrderPaid, nil, "", at)
	require.NoError(t, err)

	require.Len(t, o.Events(), 1)
	paid, ok := o.Events()[0].(OrderPaidEvent)
	require.True(t, ok)
	assert.Equal(t, o.ID(), paid.AggregateID())
	assert.Equal(t, "19.00", paid.Amount)
	assert.Equal(t, at, paid.PaidAt)
}

func TestLatePaymentDetected_KeepsGatewayEventID(t *testing.T) {
	o := newPendingOrder(t, MethodQRAlipay)
	_, err := o.Transition(OrderCanceled, nil, "expired", time.Now())
	require.NoError(t, err)

	evt := NewLatePaymentDetected(o, "qr", "evt_late_1")
	assert.Equal(t, "evt_late_1", evt.GatewayEventID)
	assert.NotEqual(t, "evt_late_1", evt.EventID().String())
	assert.Equal(t, RoutingKeyOrderLatePayment, evt.RoutingKey())

	body, err := json.Marshal(evt)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "evt_late_1", decoded["event_id"])
	assert.Equal(t, string(OrderCanceled), decoded["order_status"])
}
