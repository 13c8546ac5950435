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

func paidOrder(t *testing.T, h *harness, userID uuid.UUID, planID string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order, _, err := h.ledger.CreateOrder(ctx, CreateOrderCommand{UserID: userID, PlanID: planID, Method: domain.MethodCheckoutSession})
	require.NoError(t, err)
	return h.pay(ctx, order.ID())
}

func TestActivator_MonthlyPeriodIsCalendarAware(t *testing.T) {
	h := newHarness()
	userID := uuid.New()

	paidOrder(t, h, userID, "pro-monthly")

	sub, err := h.subscriptions.FindActiveByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC), sub.CurrentPeriodStart)
	assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, 0, sub.DownloadCount)
}

func TestActivator_RenewalExtendsInPlace(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	userID := uuid.New()

	paidOrder(t, h, userID, "pro-monthly")
	first, err := h.subscriptions.FindActiveByUserID(ctx, userID)
	require.NoError(t, err)
	_, err = h.service.RecordDownload(ctx, userID)
	require.NoError(t, err)

	h.clock.Advance(20 * 24 * time.Hour)
	second := paidOrder(t, h, userID, "pro-monthly")

	active := h.subscriptions.active(userID)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.PaidAt().UTC(), active[0].CurrentPeriodStart)
	assert.Equal(t, domain.PeriodEnd(*second.PaidAt(), domain.DurationMonthly), active[0].CurrentPeriodEnd)
	assert.Equal(t, 0, active[0].DownloadCount)
	assert.Equal(t, second.ID(), active[0].LastOrderID)
}

func TestActivator_LifetimeUsesSentinel(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	userID := uuid.New()

	paidOrder(t, h, userID, "pro-monthly")
	paidOrder(t, h, userID, "lifetime")

	active := h.subscriptions.active(userID)
	require.Len(t, active, 1)
	assert.Equal(t, "lifetime", active[0].PlanID)
	assert.True(t, active[0].IsLifetime())
	assert.Equal(t, domain.LifetimeSentinel, active[0].CurrentPeriodEnd)

	history, err := h.subscriptions.ListHistory(ctx, userID)
	require.NoError(t, err)
	changes := make([]domain.HistoryChange, 0, len(history))
	for _, entry := range history {
		changes = append(changes, entry.Change)
	}
	assert.Equal(t, []domain.HistoryChange{domain.HistoryCreated, domain.HistoryReplaced, domain.HistoryCreated}, changes)
}

func TestActivator_PeriodicPurchaseNeverShortensLifetime(t *testing.T) {
	h := newHarness()
	userID := uuid.New()

	paidOrder(t, h, userID, "lifetime")
	paidOrder(t, h, userID, "pro-yearly")

	active := h.subscriptions.active(userID)
	require.Len(t, active, 1)
	assert.Equal(t, "lifetime", active[0].PlanID)
	assert.True(t, active[0].IsLifetime())
}

func TestActivator_SameOrderIsNoOp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	userID := uuid.New()
	order := paidOrder(t, h, userID, "pro-yearly")
	plan, err := h.catalog.Find("pro-yearly")
	require.NoError(t, err)

	before, err := h.subscriptions.FindActiveByUserID(ctx, userID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	again, err := h.activator.Activate(ctx, order, plan)
	require.NoError(t, err)

	assert.Equal(t, before.ID, again.ID)
	assert.Equal(t, before.CurrentPeriodEnd, again.CurrentPeriodEnd)
	assert.Equal(t, time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC), again.CurrentPeriodEnd)
	assert.Equal(t, 1, h.outbox.count(domain.RoutingKeySubscriptionActivated))
}

func TestActivator_ReplayOfOlderOrderKeepsNewerPeriod(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	userID := uuid.New()
	plan, err := h.catalog.Find("pro-yearly")
	require.NoError(t, err)

	older := paidOrder(t, h, userID, "pro-yearly")
	h.clock.Advance(24 * time.Hour)
	paidOrder(t, h, userID, "pro-yearly")

	before, err := h.subscriptions.FindActiveByUserID(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC), before.CurrentPeriodEnd)
	history, err := h.subscriptions.ListHistory(ctx, userID)
	require.NoError(t, err)

	again, err := h.activator.Activate(ctx, older, plan)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, before.CurrentPeriodEnd, again.CurrentPeriodEnd)

	after, err := h.subscriptions.FindActiveByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC), after.CurrentPeriodEnd)
	assert.Equal(t, before.LastOrderID, after.LastOrderID)

	replayed, err := h.subscriptions.ListHistory(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, replayed, len(history))
	assert.Equal(t, 2, h.outbox.count(domain.RoutingKeySubscriptionActivated))
}

func TestActivator_RequiresPaidOrder(t *testing.T) {
	h := newHarness()
	order, _, err := h.ledger.CreateOrder(context.Background(), CreateOrderCommand{UserID: uuid.New(), PlanID: "pro-monthly", Method: domain.MethodCheckoutSession})
	require.NoError(t, err)
	plan, err := h.catalog.Find("pro-monthly")
	require.NoError(t, err)

	_, err = h.activator.Activate(context.Background(), order, plan)
	require.ErrorIs(t, err, domain.ErrActivationFailure)
}
