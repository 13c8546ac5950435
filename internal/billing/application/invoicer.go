package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/settle/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceSettings configures invoice issuing.
type InvoiceSettings struct {
	TaxRate decimal.Decimal
	Seller  string
}

// Invoicer issues exactly one invoice per paid order and keeps its rendered
// document available.
type Invoicer struct {
	invoices   domain.InvoiceRepository
	orders     domain.OrderRepository
	catalog    PlanCatalog
	renderer   DocumentRenderer
	store      DocumentStore
	numberer   InvoiceNumberer
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	settings   InvoiceSettings
	clock      Clock
	logger     *slog.Logger
}

// NewInvoicer creates a new Invoicer.
func NewInvoicer(
	invoices domain.InvoiceRepository,
	orders domain.OrderRepository,
	catalog PlanCatalog,
	renderer DocumentRenderer,
	store DocumentStore,
	numberer InvoiceNumberer,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	settings InvoiceSettings,
	logger *slog.Logger,
) *Invoicer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoicer{
		invoices:   invoices,
		orders:     orders,
		catalog:    catalog,
		renderer:   renderer,
		store:      store,
		numberer:   numberer,
		outboxRepo: outboxRepo,
		uow:        uow,
		settings:   settings,
		logger:     logger,
	}
}

// WithClock overrides the time source.
func (i *Invoicer) WithClock(clock Clock) *Invoicer {
	i.clock = clock
	return i
}

// Issue returns the order's invoice, creating it on first call. A rendering
// failure does not fail the call; the document is regenerated on access.
func (i *Invoicer) Issue(ctx context.Context, order *domain.Order, plan domain.Plan) (*domain.Invoice, error) {
	if order.Status() != domain.OrderPaid {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvoiceFailure, order.ID(), order.Status())
	}

	existing, err := i.invoices.FindByOrderID(ctx, order.ID())
	if err != nil {
		return nil, domain.NewError(domain.CodeInvoiceFailure, "find invoice", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := i.clock.now()
	inv := domain.NewInvoice(order, i.numberer.Next(now), i.settings.TaxRate, now)

	err = sharedApplication.WithUnitOfWork(ctx, i.uow, func(txCtx context.Context) error {
		if err := i.invoices.Create(txCtx, inv); err != nil {
			return err
		}
		return saveEvents(txCtx, i.outboxRepo, []sharedDomain.DomainEvent{domain.NewInvoiceIssued(inv)}, order.UserID())
	})
	if errors.Is(err, domain.ErrInvoiceExists) {
		winner, findErr := i.invoices.FindByOrderID(ctx, order.ID())
		if findErr == nil && winner != nil {
			return winner, nil
		}
		err = errors.Join(err, findErr)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeInvoiceFailure, "create invoice", err)
	}

	i.logger.InfoContext(ctx, "invoice issued",
		"invoice_id", inv.ID,
		"order_id", order.ID(),
		"number", inv.Number,
		"total", inv.Total.StringFixed(domain.MinorUnits(inv.Currency)),
		"currency", inv.Currency,
	)

	if _, err := i.renderAndStore(ctx, InvoiceDocument{Invoice: inv, Order: order, Plan: plan, Seller: i.settings.Seller}); err != nil {
		i.logger.WarnContext(ctx, "invoice document not rendered, will regenerate on access",
			"invoice_id", inv.ID,
			"error", err,
		)
	}
	return inv, nil
}

// GetInvoice returns invoice metadata.
func (i *Invoicer) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return i.invoices.FindByID(ctx, id)
}

// Document opens the rendered invoice, regenerating it when the artifact is missing.
func (i *Invoicer) Document(ctx context.Context, id uuid.UUID) (io.ReadCloser, string, error) {
	inv, err := i.invoices.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if inv.HasDocument() {
		rc, err := i.store.Open(ctx, inv.DocumentRef)
		if err == nil {
			return rc, i.renderer.ContentType(), nil
		}
		if !errors.Is(err, ErrDocumentMissing) {
			return nil, "", fmt.Errorf("failed to open invoice document: %w", err)
		}
		i.logger.WarnContext(ctx, "invoice document missing, regenerating", "invoice_id", inv.ID, "ref", inv.DocumentRef)
	}

	order, err := i.orders.FindByID(ctx, inv.OrderID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load invoice order: %w", err)
	}
	plan, err := i.catalog.Find(inv.PlanID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load invoice plan: %w", err)
	}

	data, err := i.renderAndStore(ctx, InvoiceDocument{Invoice: inv, Order: order, Plan: plan, Seller: i.settings.Seller})
	if data == nil {
		return nil, "", domain.NewError(domain.CodeInvoiceFailure, "render invoice", err)
	}
	if err != nil {
		// Serve the fresh render anyway; the next access retries storing it.
		i.logger.WarnContext(ctx, "regenerated invoice document not stored", "invoice_id", inv.ID, "error", err)
	}
	return io.NopCloser(bytes.NewReader(data)), i.renderer.ContentType(), nil
}

func (i *Invoicer) renderAndStore(ctx context.Context, doc InvoiceDocument) ([]byte, error) {
	var buf bytes.Buffer
	if err := i.renderer.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render invoice: %w", err)
	}

	key := path.Join("invoices", doc.Invoice.IssuedAt.Format("2006"), doc.Invoice.Number+i.renderer.Extension())
	ref, err := i.store.Put(ctx, key, buf.Bytes())
	if err != nil {
		return buf.Bytes(), fmt.Errorf("failed to store invoice document: %w", err)
	}
	if err := i.invoices.SetDocumentRef(ctx, doc.Invoice.ID, ref); err != nil {
		return buf.Bytes(), fmt.Errorf("failed to record invoice document: %w", err)
	}
	doc.Invoice.DocumentRef = ref
	return buf.Bytes(), nil
}
