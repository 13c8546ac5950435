package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type noopUoW struct{}

func (noopUoW) Begin(ctx context.Context) (context.Context, error) { return ctx, nil }
func (noopUoW) Commit(ctx context.Context) error                   { return nil }
func (noopUoW) Rollback(ctx context.Context) error                 { return nil }

type memOrders struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]domain.OrderState
	lastLimit int
}

func newMemOrders() *memOrders {
	return &memOrders{rows: make(map[uuid.UUID]domain.OrderState)}
}

func (m *memOrders) Create(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := order.State()
	for _, row := range m.rows {
		if row.Status == domain.OrderPending && row.UserID == s.UserID && row.PlanID == s.PlanID && row.Method == s.Method {
			return domain.ErrOpenOrderExists
		}
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memOrders) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return domain.RehydrateOrder(s), nil
}

func (m *memOrders) FindByGatewayReference(ctx context.Context, reference string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.GatewayReference == reference {
			return domain.RehydrateOrder(s), nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (m *memOrders) FindOpen(ctx context.Context, userID uuid.UUID, planID string, method domain.PaymentMethod) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.Status == domain.OrderPending && s.UserID == userID && s.PlanID == planID && s.Method == method {
			return domain.RehydrateOrder(s), nil
		}
	}
	return nil, nil
}

func (m *memOrders) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.UserID == userID && s.IdempotencyKey == key {
			return domain.RehydrateOrder(s), nil
		}
	}
	return nil, nil
}

func (m *memOrders) CompareAndSwap(ctx context.Context, order *domain.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[order.ID()]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if stored.Status != domain.OrderPending || stored.Version != order.Version() {
		return false, nil
	}
	order.IncrementVersion()
	m.rows[order.ID()] = order.State()
	return true, nil
}

func (m *memOrders) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, s := range m.rows {
		if s.Status == domain.OrderPending && s.CreatedAt.Before(cutoff) {
			out = append(out, domain.RehydrateOrder(s))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOrders) ListByUser(ctx context.Context, userID uuid.UUID, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []*domain.Order
	for _, s := range m.rows {
		if s.UserID == userID && (len(statuses) == 0 || slices.Contains(statuses, s.Status)) {
			out = append(out, domain.RehydrateOrder(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().After(out[j].CreatedAt()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOrders) setCreatedAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.CreatedAt = at
	m.rows[id] = s
}

type memFulfillments struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.Fulfillment
	// failSaves makes the next n Save calls fail.
	failSaves int
}

func newMemFulfillments() *memFulfillments {
	return &memFulfillments{rows: make(map[uuid.UUID]domain.Fulfillment)}
}

func (m *memFulfillments) Create(ctx context.Context, f *domain.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[f.OrderID]; !ok {
		m.rows[f.OrderID] = *f
	}
	return nil
}

func (m *memFulfillments) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[orderID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *memFulfillments) Save(ctx context.Context, f *domain.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return errors.New("fulfillment store unavailable")
	}
	m.rows[f.OrderID] = *f
	return nil
}

func (m *memFulfillments) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Fulfillment
	for _, f := range m.rows {
		f := f
		if !f.IsComplete() && !f.NextAttemptAt.After(now) {
			out = append(out, &f)
		}
	}
	return out, nil
}

type memSubscriptions struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]domain.Subscription
	history []domain.SubscriptionHistory
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{rows: make(map[uuid.UUID]domain.Subscription)}
}

func (m *memSubscriptions) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.UserID == userID && s.Status == domain.SubscriptionActive {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memSubscriptions) FindByExternalReference(ctx context.Context, reference string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.ExternalReference == reference && s.Status == domain.SubscriptionActive {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memSubscriptions) Create(ctx context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.UserID == sub.UserID && s.Status == domain.SubscriptionActive && sub.Status == domain.SubscriptionActive {
			return domain.ErrActiveSubscriptionExists
		}
	}
	m.rows[sub.ID] = *sub
	return nil
}

func (m *memSubscriptions) Update(ctx context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sub.ID] = *sub
	return nil
}

func (m *memSubscriptions) IncrementDownloads(ctx context.Context, id uuid.UUID, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Status != domain.SubscriptionActive {
		return false, nil
	}
	if limit > 0 && s.DownloadCount >= limit {
		return false, nil
	}
	s.DownloadCount++
	m.rows[id] = s
	return true, nil
}

func (m *memSubscriptions) AppendHistory(ctx context.Context, entry domain.SubscriptionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *memSubscriptions) HasOrderHistory(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.history {
		if h.OrderID != nil && *h.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSubscriptions) ListHistory(ctx context.Context, userID uuid.UUID) ([]domain.SubscriptionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SubscriptionHistory
	for _, h := range m.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memSubscriptions) active(userID uuid.UUID) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, s := range m.rows {
		if s.UserID == userID && s.Status == domain.SubscriptionActive {
			out = append(out, s)
		}
	}
	return out
}

type memInvoices struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.Invoice
}

func newMemInvoices() *memInvoices {
	return &memInvoices{rows: make(map[uuid.UUID]domain.Invoice)}
}

func (m *memInvoices) Create(ctx context.Context, inv *domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.OrderID == inv.OrderID {
			return domain.ErrInvoiceExists
		}
	}
	m.rows[inv.ID] = *inv
	return nil
}

func (m *memInvoices) FindByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *memInvoices) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.rows {
		if inv.OrderID == orderID {
			inv := inv
			return &inv, nil
		}
	}
	return nil, nil
}

func (m *memInvoices) CountByOrderID(ctx context.Context, orderID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inv := range m.rows {
		if inv.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (m *memInvoices) SetDocumentRef(ctx context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.rows[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	inv.DocumentRef = ref
	m.rows[id] = inv
	return nil
}

type memEvents struct {
	mu   sync.Mutex
	rows map[string]domain.WebhookEvent
}

func newMemEvents() *memEvents {
	return &memEvents{rows: make(map[string]domain.WebhookEvent)}
}

func (m *memEvents) Record(ctx context.Context, ev *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.Provider + "/" + ev.EventID
	if stored, ok := m.rows[key]; ok {
		return &stored, false, nil
	}
	m.rows[key] = *ev
	return ev, true, nil
}

func (m *memEvents) MarkProcessed(ctx context.Context, id uuid.UUID, outcome domain.NotificationOutcome, errText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, ev := range m.rows {
		if ev.ID == id {
			ev.Outcome = outcome
			ev.ProcessingError = errText
			ev.ProcessedAt = &at
			m.rows[k] = ev
			return nil
		}
	}
	return fmt.Errorf("event %s not found", id)
}

func (m *memEvents) byOutcome(outcome domain.NotificationOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.rows {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n
}

type memOutbox struct {
	mu   sync.Mutex
	msgs []*outbox.Message
}

func (m *memOutbox) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *memOutbox) Claim(context.Context, int, time.Duration) ([]*outbox.Message, error) {
	return nil, nil
}
func (m *memOutbox) MarkPublished(context.Context, int64) error                 { return nil }
func (m *memOutbox) MarkFailed(context.Context, int64, string, time.Time) error { return nil }
func (m *memOutbox) MarkDead(context.Context, int64, string) error              { return nil }
func (m *memOutbox) Backlog(context.Context) (outbox.Backlog, error)            { return outbox.Backlog{}, nil }
func (m *memOutbox) DeleteOld(context.Context, int) (int64, error)              { return 0, nil }

func (m *memOutbox) count(routingKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.msgs {
		if msg.RoutingKey == routingKey {
			n++
		}
	}
	return n
}

type fakeCatalog struct {
	plans map[string]domain.Plan
}

func newFakeCatalog(plans ...domain.Plan) *fakeCatalog {
	c := &fakeCatalog{plans: make(map[string]domain.Plan)}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

func (c *fakeCatalog) Find(id string) (domain.Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
	}
	return p, nil
}

func (c *fakeCatalog) List() []domain.Plan {
	out := make([]domain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	return out
}

type fakeGateway struct {
	mu       sync.Mutex
	provider string
	methods  []domain.PaymentMethod
	demo     bool
	buildErr error
	builds   int
	statuses map[string]domain.StatusReport
	queryErr error
	queries  int
	notify   func(raw domain.RawNotification) (domain.Notification, error)
}

func newFakeGateway(provider string, methods ...domain.PaymentMethod) *fakeGateway {
	return &fakeGateway{provider: provider, methods: methods, statuses: make(map[string]domain.StatusReport)}
}

func (g *fakeGateway) Provider() string                { return g.provider }
func (g *fakeGateway) Methods() []domain.PaymentMethod { return g.methods }

func (g *fakeGateway) BuildPaymentIntent(ctx context.Context, order *domain.Order, plan domain.Plan) (domain.PaymentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds++
	if g.buildErr != nil {
		return domain.PaymentHandle{}, g.buildErr
	}
	if g.demo {
		return domain.PaymentHandle{Kind: domain.HandleDemo, Reference: "demo-" + order.ID().String(), CodePayload: "demo://pay"}, nil
	}
	ref := fmt.Sprintf("%s-ref-%d", g.provider, g.builds)
	return domain.PaymentHandle{Kind: domain.HandleReal, Reference: ref, CodePayload: "pay://" + ref}, nil
}

func (g *fakeGateway) ResumePaymentIntent(order *domain.Order) (domain.PaymentHandle, bool) {
	if order.GatewayReference() == "" {
		return domain.PaymentHandle{}, false
	}
	return domain.PaymentHandle{Kind: domain.HandleReal, Reference: order.GatewayReference(), CodePayload: order.HandlePayload()}, true
}

func (g *fakeGateway) VerifyAndExtract(ctx context.Context, raw domain.RawNotification) (domain.Notification, error) {
	if g.notify == nil {
		return domain.Notification{}, errors.New("not supported")
	}
	return g.notify(raw)
}

func (g *fakeGateway) QueryStatus(ctx context.Context, reference string) (domain.StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return domain.StatusReport{}, g.queryErr
	}
	if r, ok := g.statuses[reference]; ok {
		return r, nil
	}
	return domain.StatusReport{Status: domain.ExternalPending}, nil
}

func (g *fakeGateway) setStatus(reference string, status domain.ExternalStatus) {
	g.setReport(reference, status, "", "")
}

// setReport makes QueryStatus report amount in currency alongside status.
func (g *fakeGateway) setReport(reference string, status domain.ExternalStatus, amount, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := domain.StatusReport{Status: status, Currency: currency}
	if amount != "" {
		d := decimal.RequireFromString(amount)
		r.Amount = &d
	}
	g.statuses[reference] = r
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

type fakeRenderer struct {
	fail bool
}

func (fakeRenderer) ContentType() string { return "application/pdf" }
func (fakeRenderer) Extension() string   { return ".pdf" }
func (r fakeRenderer) Render(w io.Writer, doc InvoiceDocument) error {
	if r.fail {
		return errors.New("render failed")
	}
	_, err := fmt.Fprintf(w, "invoice %s total %s", doc.Invoice.Number, doc.Invoice.Total.String())
	return err
}

type memStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return "", errors.New("disk full")
	}
	s.files[key] = append([]byte(nil), data...)
	return key, nil
}

func (s *memStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[ref]
	if !ok {
		return nil, ErrDocumentMissing
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) remove(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, ref)
}

type seqNumberer struct {
	mu sync.Mutex
	n  int
}

func (s *seqNumberer) Next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("INV-%s-%04d", t.Format("20060102"), s.n)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPlans() []domain.Plan {
	return []domain.Plan{
		{
			ID:            "pro-monthly",
			Name:          "Pro Monthly",
			Price:         decimal.RequireFromString("19.00"),
			Currency:      "USD",
			Duration:      domain.DurationMonthly,
			DownloadQuota: 3,
			Settlements: map[domain.PaymentMethod]domain.Settlement{
				domain.MethodQRAlipay: {Currency: "CNY", Rate: decimal.RequireFromString("7.1234")},
				domain.MethodQRWeChat: {Currency: "CNY", Rate: decimal.RequireFromString("7.1234")},
			},
		},
		{
			ID:       "pro-yearly",
			Name:     "Pro Yearly",
			Price:    decimal.RequireFromString("190.00"),
			Currency: "USD",
			Duration: domain.DurationYearly,
		},
		{
			ID:       "lifetime",
			Name:     "Lifetime",
			Price:    decimal.RequireFromString("499.00"),
			Currency: "USD",
			Duration: domain.DurationLifetime,
		},
	}
}

// harness wires the billing services over in-memory stores.
type harness struct {
	clock         *fixedClock
	orders        *memOrders
	fulfillments  *memFulfillments
	subscriptions *memSubscriptions
	invoices      *memInvoices
	events        *memEvents
	outbox        *memOutbox
	store         *memStore
	renderer      *fakeRenderer
	catalog       *fakeCatalog
	checkout      *fakeGateway
	qr            *fakeGateway
	gateways      *Gateways
	ledger        *Ledger
	activator     *Activator
	invoicer      *Invoicer
	fulfillment   *FulfillmentService
	notifications *NotificationService
	reconciler    *Reconciler
	purchases     *PurchaseService
	service       *Service
}

func newHarness() *harness {
	h := &harness{
		clock:         &fixedClock{now: time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)},
		orders:        newMemOrders(),
		fulfillments:  newMemFulfillments(),
		subscriptions: newMemSubscriptions(),
		invoices:      newMemInvoices(),
		events:        newMemEvents(),
		outbox:        &memOutbox{},
		store:         newMemStore(),
		renderer:      &fakeRenderer{},
		catalog:       newFakeCatalog(testPlans()...),
		checkout:      newFakeGateway("checkout", domain.MethodCheckoutSession),
		qr:            newFakeGateway("qr", domain.MethodQRAlipay, domain.MethodQRWeChat),
	}
	clock := Clock(h.clock.Now)
	uow := noopUoW{}

	h.gateways = NewGateways(h.checkout, h.qr)
	h.ledger = NewLedger(h.orders, h.fulfillments, h.outbox, uow, h.catalog, nil).WithClock(clock)
	h.activator = NewActivator(h.subscriptions, h.outbox, uow, nil).WithClock(clock)
	h.invoicer = NewInvoicer(h.invoices, h.orders, h.catalog, h.renderer, h.store, &seqNumberer{}, h.outbox, uow,
		InvoiceSettings{TaxRate: decimal.RequireFromString("0.10"), Seller: "Settle Test"}, nil).WithClock(clock)
	h.fulfillment = NewFulfillmentService(h.orders, h.fulfillments, h.catalog, h.activator, h.invoicer, nil,
		DefaultRepairConfig(), nil).WithClock(clock)
	h.ledger.WithFulfiller(h.fulfillment)
	h.notifications = NewNotificationService(h.gateways, h.ledger, h.events, h.subscriptions, h.outbox, nil).WithClock(clock)
	h.reconciler = NewReconciler(h.ledger, h.orders, h.gateways, 30*time.Minute, nil).WithClock(clock)
	h.purchases = NewPurchaseService(h.ledger, h.gateways, h.catalog, h.reconciler, nil).WithClock(clock)
	h.service = NewService(h.subscriptions, h.catalog).WithClock(clock)
	return h
}

// openOrder creates a pending order with an attached gateway reference.
func (h *harness) openOrder(ctx context.Context, userID uuid.UUID, planID string, method domain.PaymentMethod) (*domain.Order, domain.PaymentHandle) {
	res, err := h.purchases.Purchase(ctx, CreateOrderCommand{UserID: userID, PlanID: planID, Method: method})
	if err != nil {
		panic(err)
	}
	return res.Order, res.Handle
}

// pay moves the order to paid the way a verified notification would.
func (h *harness) pay(ctx context.Context, orderID uuid.UUID) *domain.Order {
	order, _, err := h.ledger.Transition(ctx, orderID, domain.OrderPaid, []byte(`{"provider":"test","source":"test"}`), "test")
	if err != nil {
		panic(err)
	}
	return order
}
