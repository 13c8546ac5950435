package application

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoicer_IssueComputesTax(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := paidOrder(t, h, uuid.New(), "pro-monthly")

	inv, err := h.invoices.FindByOrderID(ctx, order.ID())
	require.NoError(t, err)
	require.NotNil(t, inv)

	assert.Equal(t, "19", inv.Amount.String())
	assert.Equal(t, "1.9", inv.Tax.String())
	assert.Equal(t, "20.9", inv.Total.String())
	assert.Equal(t, "USD", inv.Currency)
	assert.True(t, strings.HasPrefix(inv.Number, "INV-20240131-"))
	assert.Equal(t, domain.InvoicePaid, inv.Status)
	assert.True(t, inv.HasDocument())
	assert.Equal(t, "invoices/2024/"+inv.Number+".pdf", inv.DocumentRef)
}

func TestInvoicer_IssueIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := paidOrder(t, h, uuid.New(), "pro-monthly")
	plan, err := h.catalog.Find("pro-monthly")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := h.invoicer.Issue(ctx, order, plan)
			if err != nil {
				t.Errorf("issue failed: %v", err)
				return
			}
			mu.Lock()
			ids[inv.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	count, err := h.invoices.CountByOrderID(ctx, order.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, h.outbox.count(domain.RoutingKeyInvoiceIssued))
}

func TestInvoicer_RejectsUnpaidOrder(t *testing.T) {
	h := newHarness()
	order, _, err := h.ledger.CreateOrder(context.Background(), CreateOrderCommand{UserID: uuid.New(), PlanID: "pro-monthly", Method: domain.MethodCheckoutSession})
	require.NoError(t, err)
	plan, err := h.catalog.Find("pro-monthly")
	require.NoError(t, err)

	_, err = h.invoicer.Issue(context.Background(), order, plan)
	require.ErrorIs(t, err, domain.ErrInvoiceFailure)
}

func TestInvoicer_DocumentRegeneratesMissingArtifact(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := paidOrder(t, h, uuid.New(), "pro-monthly")
	inv, err := h.invoices.FindByOrderID(ctx, order.ID())
	require.NoError(t, err)

	h.store.remove(inv.DocumentRef)

	rc, contentType, err := h.invoicer.Document(ctx, inv.ID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", contentType)
	assert.Contains(t, string(body), inv.Number)

	_, err = h.store.Open(ctx, inv.DocumentRef)
	assert.NoError(t, err, "regenerated document should be stored again")
}

func TestInvoicer_RenderFailureDoesNotFailIssue(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.renderer.fail = true

	order := paidOrder(t, h, uuid.New(), "pro-monthly")
	inv, err := h.invoices.FindByOrderID(ctx, order.ID())
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.False(t, inv.HasDocument())

	f, err := h.fulfillments.FindByOrderID(ctx, order.ID())
	require.NoError(t, err)
	assert.True(t, f.IsComplete())

	h.renderer.fail = false
	rc, _, err := h.invoicer.Document(ctx, inv.ID)
	require.NoError(t, err)
	_ = rc.Close()

	stored, err := h.invoicer.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasDocument())
}

func TestInvoicer_DocumentServedWhenStoreFails(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.store.failPut = true

	order := paidOrder(t, h, uuid.New(), "pro-monthly")
	inv, err := h.invoices.FindByOrderID(ctx, order.ID())
	require.NoError(t, err)

	rc, _, err := h.invoicer.Document(ctx, inv.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), inv.Number)
}

func TestInvoicer_UnknownInvoice(t *testing.T) {
	h := newHarness()

	_, _, err := h.invoicer.Document(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}
