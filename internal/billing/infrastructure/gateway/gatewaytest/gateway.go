// Package gatewaytest provides an in-memory payment gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/shopspring/decimal"
)

// SignatureHeader carries the shared secret on test notifications.
const SignatureHeader = "X-Test-Signature"

// ErrBadSignature is returned for notifications without the shared secret.
var ErrBadSignature = errors.New("gatewaytest: bad signature")

// Event is the JSON body of a test notification.
type Event struct {
	EventID     string `json:"eventId"`
	EventType   string `json:"eventType"`
	Kind        string `json:"kind"`
	Reference   string `json:"reference"`
	OrderID     string `json:"orderId,omitempty"`
	Status      string `json:"status"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	ExternalRef string `json:"externalRef,omitempty"`
}

// Gateway is a configurable GatewayAdapter and StatusQuerier.
type Gateway struct {
	mu       sync.Mutex
	provider string
	methods  []domain.PaymentMethod
	secret   string
	builds   int
	statuses map[string]domain.StatusReport
	queries  int
}

var (
	_ domain.GatewayAdapter = (*Gateway)(nil)
	_ domain.StatusQuerier  = (*Gateway)(nil)
)

// New creates a gateway that accepts notifications signed with secret.
func New(provider, secret string, methods ...domain.PaymentMethod) *Gateway {
	return &Gateway{
		provider: provider,
		methods:  methods,
		secret:   secret,
		statuses: make(map[string]domain.StatusReport),
	}
}

func (g *Gateway) Provider() string                { return g.provider }
func (g *Gateway) Methods() []domain.PaymentMethod { return g.methods }

// BuildPaymentIntent issues sequential references of the form <provider>-ref-N.
func (g *Gateway) BuildPaymentIntent(ctx context.Context, order *domain.Order, plan domain.Plan) (domain.PaymentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds++
	ref := fmt.Sprintf("%s-ref-%d", g.provider, g.builds)
	return domain.PaymentHandle{
		Kind:        domain.HandleReal,
		Reference:   ref,
		RedirectURL: "https://pay.example.test/" + ref,
	}, nil
}

func (g *Gateway) ResumePaymentIntent(order *domain.Order) (domain.PaymentHandle, bool) {
	if order.GatewayReference() == "" {
		return domain.PaymentHandle{}, false
	}
	return domain.PaymentHandle{
		Kind:        domain.HandleReal,
		Reference:   order.GatewayReference(),
		RedirectURL: order.HandlePayload(),
	}, true
}

func (g *Gateway) VerifyAndExtract(ctx context.Context, raw domain.RawNotification) (domain.Notification, error) {
	if raw.Header(SignatureHeader) != g.secret {
		return domain.Notification{}, ErrBadSignature
	}
	var e Event
	if err := json.Unmarshal(raw.Body, &e); err != nil {
		return domain.Notification{}, fmt.Errorf("gatewaytest: decode: %w", err)
	}
	n := domain.Notification{
		Provider:         g.provider,
		EventID:          e.EventID,
		EventType:        e.EventType,
		Kind:             domain.NotificationKind(e.Kind),
		GatewayReference: e.Reference,
		OrderID:          e.OrderID,
		Status:           domain.ExternalStatus(e.Status),
		Currency:         e.Currency,
		ExternalRef:      e.ExternalRef,
		Payload:          raw.Body,
	}
	if n.Kind == "" {
		n.Kind = domain.NotificationPayment
	}
	if e.Amount != "" {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return domain.Notification{}, fmt.Errorf("gatewaytest: amount: %w", err)
		}
		n.Amount = &amount
	}
	return n, nil
}

// QueryStatus returns the report set with SetStatus or SetReport, or pending.
func (g *Gateway) QueryStatus(ctx context.Context, reference string) (domain.StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if r, ok := g.statuses[reference]; ok {
		return r, nil
	}
	return domain.StatusReport{Status: domain.ExternalPending}, nil
}

// SetStatus sets the status QueryStatus reports for reference, without an amount.
func (g *Gateway) SetStatus(reference string, status domain.ExternalStatus) {
	g.SetReport(reference, domain.StatusReport{Status: status})
}

// SetReport sets the full report QueryStatus returns for reference.
func (g *Gateway) SetReport(reference string, report domain.StatusReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[reference] = report
}

// Queries returns how many times QueryStatus was called.
func (g *Gateway) Queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

// Notification builds a signed raw notification for e.
func (g *Gateway) Notification(e Event) domain.RawNotification {
	body, _ := json.Marshal(e)
	return domain.RawNotification{
		Headers: map[string]string{SignatureHeader: g.secret},
		Body:    body,
	}
}
