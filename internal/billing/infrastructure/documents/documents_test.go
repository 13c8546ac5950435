package documents

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument(t *testing.T) application.InvoiceDocument {
	t.Helper()
	plan := domain.Plan{
		ID:       "pro-monthly",
		Name:     "Pro Monthly",
		Price:    decimal.RequireFromString("19.00"),
		Currency: "USD",
		Duration: domain.DurationMonthly,
	}
	order, err := domain.NewOrder(uuid.New(), plan, domain.MethodCheckoutSession, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = order.Transition(domain.OrderPaid, nil, "", paidAt)
	require.NoError(t, err)

	inv := domain.NewInvoice(order, "INV-20240301-1", decimal.RequireFromString("0.1"), paidAt)
	return application.InvoiceDocument{Invoice: inv, Order: order, Plan: plan, Seller: "Settle Ltd"}
}

func TestPDFRenderer_Render(t *testing.T) {
	r := NewPDFRenderer()
	doc := testDocument(t)

	var first, second bytes.Buffer
	require.NoError(t, r.Render(&first, doc))
	require.NoError(t, r.Render(&second, doc))

	assert.True(t, bytes.HasPrefix(first.Bytes(), []byte("%PDF-")))
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Equal(t, "application/pdf", r.ContentType())
	assert.Equal(t, ".pdf", r.Extension())
}

func TestPDFRenderer_RequiresInvoice(t *testing.T) {
	err := NewPDFRenderer().Render(io.Discard, application.InvoiceDocument{})
	require.Error(t, err)
}

func TestStore_PutOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ref, err := s.Put(ctx, "invoices/2024/INV-1.pdf", []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, "/invoices/2024/INV-1.pdf", ref)

	rc, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf"), data)
}

func TestStore_OverwriteReplacesContent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Put(ctx, "a.pdf", []byte("one"))
	require.NoError(t, err)
	ref, err := s.Put(ctx, "a.pdf", []byte("two"))
	require.NoError(t, err)

	rc, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "two", string(data))
}

func TestStore_MissingDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Open(ctx, "invoices/missing.pdf")
	require.ErrorIs(t, err, application.ErrDocumentMissing)

	ref, err := s.Put(ctx, "invoices/x.pdf", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ref))
	require.NoError(t, s.Delete(ctx, ref))

	_, err = s.Open(ctx, ref)
	require.ErrorIs(t, err, application.ErrDocumentMissing)
}

func TestStore_RootedDirectory(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	s := NewStore(mem, "/var/settle")

	_, err := s.Put(ctx, "invoices/a.pdf", []byte("a"))
	require.NoError(t, err)

	ok, err := afero.Exists(mem, "/var/settle/invoices/a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	s := NewMemoryStore()
	for _, key := range []string{"", "  ", "/", "../etc/passwd", "a/../../b"} {
		_, err := s.Put(context.Background(), key, []byte("x"))
		assert.Error(t, err, key)
	}
}
