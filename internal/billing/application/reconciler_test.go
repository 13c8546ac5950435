package application

import (
	"context"
	"testing"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_AppliesOnlyGatewayConfirmedStates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	paid, paidHandle := h.openOrder(ctx, uuid.New(), "pro-monthly", domain.MethodQRAlipay)
	waiting, _ := h.openOrder(ctx, uuid.New(), "pro-monthly", domain.MethodQRAlipay)
	unattached, _, err := h.ledger.CreateOrder(ctx, CreateOrderCommand{UserID: uuid.New(), PlanID: "pro-monthly", Method: domain.MethodCheckoutSession})
	require.NoError(t, err)
	fresh, _ := h.openOrder(ctx, uuid.New(), "pro-yearly", domain.MethodQRAlipay)

	created := h.clock.Now().Add(-time.Hour)
	for _, id := range []uuid.UUID{paid.ID(), waiting.ID(), unattached.ID()} {
		h.orders.setCreatedAt(id, created)
	}
	h.qr.setStatus(paidHandle.Reference, domain.ExternalPaid)
	h.qr.setStatus(fresh.GatewayReference(), domain.ExternalPaid)

	stats, err := h.reconciler.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: 3, Settled: 1, Unchanged: 2}, stats)

	for id, want := range map[uuid.UUID]domain.OrderStatus{
		paid.ID():       domain.OrderPaid,
		waiting.ID():    domain.OrderPending,
		unattached.ID(): domain.OrderPending,
		fresh.ID():      domain.OrderPending,
	} {
		o, err := h.ledger.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status(), "order %s", id)
	}
}

func TestReconciler_GatewayPendingLeavesOrderOpen(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order, _ := h.openOrder(ctx, uuid.New(), "pro-monthly", domain.MethodCheckoutSession)

	got, err := h.reconciler.ReconcileOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status())
}

func TestReconciler_ChecksQueriedAmount(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	short, shortHandle := h.openOrder(ctx, uuid.New(), "pro-monthly", domain.MethodQRAlipay)
	exact, exactHandle := h.openOrder(ctx, uuid.New(), "pro-monthly", domain.MethodQRAlipay)
	h.qr.setReport(shortHandle.Reference, domain.ExternalPaid, "1.00", short.Currency())
	h.qr.setReport(exactHandle.Reference, domain.ExternalPaid, exact.Amount().String(), exact.Currency())

	_, err := h.reconciler.ReconcileOrder(ctx, short)
	require.Error(t, err)
	assert.Equal(t, domain.CodeAmountMismatch, domain.CodeOf(err))
	stored, err := h.ledger.GetOrder(ctx, short.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status())

	got, err := h.reconciler.ReconcileOrder(ctx, exact)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, got.Status())

	h.orders.setCreatedAt(short.ID(), h.clock.Now().Add(-time.Hour))
	stats, err := h.reconciler.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: 1, Errors: 1}, stats)
}
