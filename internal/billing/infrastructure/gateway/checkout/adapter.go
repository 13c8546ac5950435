// Package checkout implements the hosted checkout-session gateway on Stripe.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Provider is the name notifications for this gateway are routed under.
const Provider = "checkout"

// DefaultTolerance bounds the age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// Webhook event types the adapter acts on.
const (
	eventSessionCompleted      stripe.EventType = "checkout.session.completed"
	eventAsyncPaymentSucceeded stripe.EventType = "checkout.session.async_payment_succeeded"
	eventAsyncPaymentFailed    stripe.EventType = "checkout.session.async_payment_failed"
	eventSessionExpired        stripe.EventType = "checkout.session.expired"
	eventSubscriptionDeleted   stripe.EventType = "customer.subscription.deleted"
)

// minSessionLifetime is the shortest expiry the checkout API accepts.
const minSessionLifetime = 31 * time.Minute

// Config configures the checkout adapter.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Tolerance     time.Duration
}

// Validate reports missing credentials as a configuration error.
func (c Config) Validate() error {
	var missing []string
	if c.SecretKey == "" {
		missing = append(missing, "secret key")
	}
	if c.WebhookSecret == "" {
		missing = append(missing, "webhook secret")
	}
	if c.SuccessURL == "" {
		missing = append(missing, "success url")
	}
	if c.CancelURL == "" {
		missing = append(missing, "cancel url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: checkout gateway: missing %s", domain.ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// SessionAPI is the subset of the Stripe checkout session client the adapter uses.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Adapter creates hosted checkout sessions and verifies their webhooks.
type Adapter struct {
	config  Config
	api     SessionAPI
	breaker *gobreaker.CircuitBreaker[*stripe.CheckoutSession]
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an adapter that talks to the live Stripe API.
func New(config Config, logger *slog.Logger) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	api := &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: config.SecretKey}
	return NewWithAPI(config, api, logger), nil
}

// NewWithAPI creates an adapter over an explicit session client.
func NewWithAPI(config Config, api SessionAPI, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultTolerance
	}
	a := &Adapter{
		config: config,
		api:    api,
		now:    time.Now,
		logger: logger,
	}
	a.breaker = gobreaker.NewCircuitBreaker[*stripe.CheckoutSession](gobreaker.Settings{
		Name:        "checkout-sessions",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests say nothing about gateway health.
			var stripeErr *stripe.Error
			return err == nil || (errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return a
}

// WithClock overrides the time source.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	if now != nil {
		a.now = now
	}
	return a
}

// Provider returns the provider name.
func (a *Adapter) Provider() string { return Provider }

// Methods returns the payment methods this gateway serves.
func (a *Adapter) Methods() []domain.PaymentMethod {
	return []domain.PaymentMethod{domain.MethodCheckoutSession}
}

// BuildPaymentIntent creates a hosted checkout session for the order.
func (a *Adapter) BuildPaymentIntent(ctx context.Context, order *domain.Order, plan domain.Plan) (domain.PaymentHandle, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(order.ID().String()),
		SuccessURL:        stripe.String(a.config.SuccessURL),
		CancelURL:         stripe.String(a.config.CancelURL),
		ExpiresAt:         stripe.Int64(a.sessionExpiry(order).Unix()),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem(order, plan)},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": order.ID().String()},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("order-" + order.ID().String())
	params.AddMetadata("order_id", order.ID().String())
	params.AddMetadata("user_id", order.UserID().String())
	params.AddMetadata("plan_id", order.PlanID())

	sess, err := a.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return a.api.New(params)
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to create checkout session",
			"order_id", order.ID(),
			"error", err,
			"code", domain.CodeGatewayAPI,
		)
		return domain.PaymentHandle{}, domain.NewError(domain.CodeGatewayAPI, "create checkout session",
			errors.Join(domain.ErrGatewayAPI, err))
	}
	if sess.ID == "" || sess.URL == "" {
		return domain.PaymentHandle{}, domain.NewError(domain.CodeGatewayAPI, "create checkout session",
			fmt.Errorf("%w: session without id or url", domain.ErrGatewayAPI))
	}
	return domain.PaymentHandle{
		Kind:        domain.HandleReal,
		Reference:   sess.ID,
		RedirectURL: sess.URL,
	}, nil
}

// lineItem charges the order's fixed amount unless the plan maps to a
// catalog price in the same currency.
func lineItem(order *domain.Order, plan domain.Plan) *stripe.CheckoutSessionLineItemParams {
	if plan.CheckoutPriceID != "" && strings.EqualFold(plan.Currency, order.Currency()) && plan.Price.Equal(order.Amount()) {
		return &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(plan.CheckoutPriceID),
			Quantity: stripe.Int64(1),
		}
	}
	name := plan.Name
	if name == "" {
		name = plan.ID
	}
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(order.Currency())),
			UnitAmount: stripe.Int64(domain.ToMinorUnits(order.Amount(), order.Currency())),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
	}
}

func (a *Adapter) sessionExpiry(order *domain.Order) time.Time {
	earliest := a.now().Add(minSessionLifetime)
	if order.ExpiresAt().Before(earliest) {
		return earliest
	}
	return order.ExpiresAt()
}

// ResumePaymentIntent returns the stored session URL of an attached order.
func (a *Adapter) ResumePaymentIntent(order *domain.Order) (domain.PaymentHandle, bool) {
	if order.GatewayReference() == "" || order.HandlePayload() == "" {
		return domain.PaymentHandle{}, false
	}
	return domain.PaymentHandle{
		Kind:        domain.HandleReal,
		Reference:   order.GatewayReference(),
		RedirectURL: order.HandlePayload(),
	}, true
}

// QueryStatus reads the session state from the gateway.
func (a *Adapter) QueryStatus(ctx context.Context, reference string) (domain.StatusReport, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := a.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return a.api.Get(reference, params)
	})
	if err != nil {
		return domain.StatusReport{Status: domain.ExternalUnknown}, domain.NewError(domain.CodeGatewayAPI, "get checkout session",
			errors.Join(domain.ErrGatewayAPI, err))
	}
	report := domain.StatusReport{Status: sessionStatus(sess)}
	report.Amount, report.Currency = sessionAmount(sess, report.Status)
	return report, nil
}

// sessionAmount returns the total a session collected. A paid session without
// a total reads as zero so it cannot settle a priced order.
func sessionAmount(sess *stripe.CheckoutSession, status domain.ExternalStatus) (*decimal.Decimal, string) {
	if sess.Currency == "" && status != domain.ExternalPaid {
		return nil, ""
	}
	currency := strings.ToUpper(string(sess.Currency))
	amount := domain.FromMinorUnits(sess.AmountTotal, currency)
	return &amount, currency
}

func sessionStatus(sess *stripe.CheckoutSession) domain.ExternalStatus {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return domain.ExternalPaid
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return domain.ExternalCanceled
	default:
		return domain.ExternalPending
	}
}

// VerifyAndExtract checks the Stripe-Signature header and maps the event.
func (a *Adapter) VerifyAndExtract(ctx context.Context, raw domain.RawNotification) (domain.Notification, error) {
	event, err := webhook.ConstructEventWithOptions(raw.Body, raw.Header("Stripe-Signature"), a.config.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                a.config.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return domain.Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	n := domain.Notification{
		Provider:  Provider,
		EventID:   event.ID,
		EventType: string(event.Type),
		Kind:      domain.NotificationIgnored,
		Payload:   json.RawMessage(raw.Body),
	}
	if event.Data == nil {
		return n, nil
	}

	switch event.Type {
	case eventSessionCompleted,
		eventAsyncPaymentSucceeded,
		eventAsyncPaymentFailed,
		eventSessionExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return domain.Notification{}, fmt.Errorf("%w: malformed checkout session: %v", domain.ErrInvalidSignature, err)
		}
		n.Kind = domain.NotificationPayment
		n.GatewayReference = sess.ID
		n.OrderID = sess.ClientReferenceID
		if n.OrderID == "" {
			n.OrderID = sess.Metadata["order_id"]
		}
		n.Status = eventStatus(event.Type, &sess)
		n.Amount, n.Currency = sessionAmount(&sess, n.Status)
		if sess.Subscription != nil {
			n.ExternalRef = sess.Subscription.ID
		}

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return domain.Notification{}, fmt.Errorf("%w: malformed subscription: %v", domain.ErrInvalidSignature, err)
		}
		n.Kind = domain.NotificationSubscriptionCanceled
		n.ExternalRef = sub.ID
	}
	return n, nil
}

func eventStatus(t stripe.EventType, sess *stripe.CheckoutSession) domain.ExternalStatus {
	switch t {
	case eventAsyncPaymentSucceeded:
		return domain.ExternalPaid
	case eventAsyncPaymentFailed:
		return domain.ExternalFailed
	case eventSessionExpired:
		return domain.ExternalCanceled
	default:
		// A completed session with a delayed method stays pending until the
		// async outcome arrives.
		return sessionStatus(sess)
	}
}

var (
	_ domain.GatewayAdapter = (*Adapter)(nil)
	_ domain.StatusQuerier  = (*Adapter)(nil)
)
