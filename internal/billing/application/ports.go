package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/settle/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/settle/internal/shared/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
)

// ErrDocumentMissing is returned by a DocumentStore when no artifact exists.
var ErrDocumentMissing = errors.New("document not found")

// PlanCatalog resolves purchasable plans.
type PlanCatalog interface {
	Find(id string) (domain.Plan, error)
	List() []domain.Plan
}

// InvoiceDocument is everything needed to render an invoice.
type InvoiceDocument struct {
	Invoice *domain.Invoice
	Order   *domain.Order
	Plan    domain.Plan
	Seller  string
}

// DocumentRenderer renders an invoice artifact.
type DocumentRenderer interface {
	ContentType() string
	Extension() string
	Render(w io.Writer, doc InvoiceDocument) error
}

// DocumentStore persists rendered artifacts by key.
type DocumentStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// InvoiceNumberer produces human-readable invoice numbers.
type InvoiceNumberer interface {
	Next(issuedAt time.Time) string
}

// Locker provides a best-effort mutual exclusion across worker processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Clock returns the current time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// Gateways selects the adapter for a payment method or provider.
type Gateways struct {
	mu         sync.RWMutex
	byMethod   map[domain.PaymentMethod]domain.GatewayAdapter
	byProvider map[string]domain.GatewayAdapter
}

// NewGateways creates a registry with the given adapters.
func NewGateways(adapters ...domain.GatewayAdapter) *Gateways {
	g := &Gateways{
		byMethod:   make(map[domain.PaymentMethod]domain.GatewayAdapter),
		byProvider: make(map[string]domain.GatewayAdapter),
	}
	for _, a := range adapters {
		g.Register(a)
	}
	return g
}

// Register adds an adapter for every method it serves.
func (g *Gateways) Register(adapter domain.GatewayAdapter) {
	if adapter == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range adapter.Methods() {
		g.byMethod[m] = adapter
	}
	g.byProvider[adapter.Provider()] = adapter
}

// ForMethod returns the adapter serving the payment method.
func (g *Gateways) ForMethod(method domain.PaymentMethod) (domain.GatewayAdapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.byMethod[method]
	if ok {
		return a, nil
	}
	if method.IsValid() {
		return nil, domain.NewError(domain.CodeConfig, "select gateway",
			fmt.Errorf("%w: no gateway configured for %s", domain.ErrConfig, method))
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPaymentMethod, method)
}

// ForProvider returns the adapter registered under the provider name.
func (g *Gateways) ForProvider(provider string) (domain.GatewayAdapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", domain.ErrConfig, provider)
	}
	return a, nil
}

// Providers lists registered provider names in sorted order.
func (g *Gateways) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.byProvider))
	for name := range g.byProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QuerierFor returns the status querier for the method, if the gateway supports polling.
func (g *Gateways) QuerierFor(method domain.PaymentMethod) (domain.StatusQuerier, bool) {
	a, err := g.ForMethod(method)
	if err != nil {
		return nil, false
	}
	q, ok := a.(domain.StatusQuerier)
	return q, ok
}

func saveEvents(ctx context.Context, repo outbox.Repository, events []sharedDomain.DomainEvent, userID uuid.UUID) error {
	if repo == nil || len(events) == 0 {
		return nil
	}
	metadata := sharedApplication.EventMetadataFromContext(ctx, userID)

	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event, metadata)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return repo.SaveBatch(ctx, msgs)
}
