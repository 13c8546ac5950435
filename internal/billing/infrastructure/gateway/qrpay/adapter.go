// Package qrpay implements the QR-code direct transfer gateway used for
// Alipay and WeChat Pay collection.
package qrpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// Provider is the name notifications for this gateway are routed under.
const Provider = "qr"

// DemoPrefix labels payloads that cannot be paid.
const DemoPrefix = "DEMO-NOT-PAYABLE:"

// NotificationAck is the body QR gateways expect after a notification was accepted.
const NotificationAck = "success"

// Config configures the merchant API. An empty BaseURL, MerchantID or Secret
// leaves the adapter in demo mode.
type Config struct {
	BaseURL           string
	MerchantID        string
	Secret            string
	NotifyURL         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	QRSize            int
	HTTPClient        *http.Client
}

// Configured reports whether real collection is possible.
func (c Config) Configured() bool {
	return c.BaseURL != "" && c.MerchantID != "" && c.Secret != ""
}

// Validate rejects a partially configured merchant account.
func (c Config) Validate() error {
	set := 0
	for _, v := range []string{c.BaseURL, c.MerchantID, c.Secret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("%w: qr gateway: base url, merchant id and secret must be set together", domain.ErrConfig)
	}
	if c.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("%w: qr gateway: invalid base url: %v", domain.ErrConfig, err)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.QRSize <= 0 {
		c.QRSize = 256
	}
	return c
}

// Adapter creates merchant QR orders, verifies their notifications and
// answers status queries.
type Adapter struct {
	config Config
	client *client
	logger *slog.Logger
}

// New creates a QR adapter. Without merchant credentials every handle is a demo handle.
func New(config Config, logger *slog.Logger) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	a := &Adapter{config: config, logger: logger}
	if config.Configured() {
		a.client = newClient(config, logger)
	} else {
		logger.Warn("qr gateway not configured, serving demo handles only")
	}
	return a, nil
}

// Provider returns the provider name.
func (a *Adapter) Provider() string { return Provider }

// Methods returns the payment methods this gateway serves.
func (a *Adapter) Methods() []domain.PaymentMethod {
	return []domain.PaymentMethod{domain.MethodQRAlipay, domain.MethodQRWeChat}
}

// Demo reports whether the adapter only produces demo handles.
func (a *Adapter) Demo() bool { return a.client == nil }

// BuildPaymentIntent opens a merchant order and renders its code URL as a QR image.
func (a *Adapter) BuildPaymentIntent(ctx context.Context, order *domain.Order, plan domain.Plan) (domain.PaymentHandle, error) {
	if a.Demo() {
		return a.demoHandle(order)
	}

	resp, err := a.client.createOrder(ctx, createOrderRequest{
		OutTradeNo:  order.ID().String(),
		Channel:     channel(order.Method()),
		TotalAmount: domain.RoundMinor(order.Amount(), order.Currency()).StringFixed(domain.MinorUnits(order.Currency())),
		Currency:    order.Currency(),
		Subject:     subject(plan),
		ProductCode: plan.QRProductCode,
		NotifyURL:   a.config.NotifyURL,
		ExpireTime:  order.ExpiresAt().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to create qr order",
			"order_id", order.ID(),
			"error", err,
			"code", domain.CodeGatewayAPI,
		)
		return domain.PaymentHandle{}, domain.NewError(domain.CodeGatewayAPI, "create qr order",
			errors.Join(domain.ErrGatewayAPI, err))
	}
	if resp.TradeNo == "" || resp.CodeURL == "" {
		return domain.PaymentHandle{}, domain.NewError(domain.CodeGatewayAPI, "create qr order",
			fmt.Errorf("%w: response without trade number or code url", domain.ErrGatewayAPI))
	}

	png, err := qrcode.Encode(resp.CodeURL, qrcode.Medium, a.config.QRSize)
	if err != nil {
		return domain.PaymentHandle{}, fmt.Errorf("failed to render qr code: %w", err)
	}
	return domain.PaymentHandle{
		Kind:         domain.HandleReal,
		Reference:    resp.TradeNo,
		CodePayload:  resp.CodeURL,
		CodeImagePNG: png,
	}, nil
}

// demoHandle returns a scannable placeholder whose reference is never stored.
func (a *Adapter) demoHandle(order *domain.Order) (domain.PaymentHandle, error) {
	payload := DemoPrefix + order.ID().String()
	png, err := qrcode.Encode(payload, qrcode.Medium, a.config.QRSize)
	if err != nil {
		return domain.PaymentHandle{}, fmt.Errorf("failed to render qr code: %w", err)
	}
	return domain.PaymentHandle{
		Kind:         domain.HandleDemo,
		Reference:    "demo-" + uuid.NewString(),
		CodePayload:  payload,
		CodeImagePNG: png,
	}, nil
}

// ResumePaymentIntent re-renders the stored code URL of an attached order.
func (a *Adapter) ResumePaymentIntent(order *domain.Order) (domain.PaymentHandle, bool) {
	if order.GatewayReference() == "" || order.HandlePayload() == "" {
		return domain.PaymentHandle{}, false
	}
	png, err := qrcode.Encode(order.HandlePayload(), qrcode.Medium, a.config.QRSize)
	if err != nil {
		return domain.PaymentHandle{}, false
	}
	return domain.PaymentHandle{
		Kind:         domain.HandleReal,
		Reference:    order.GatewayReference(),
		CodePayload:  order.HandlePayload(),
		CodeImagePNG: png,
	}, true
}

// QueryStatus asks the merchant API for the trade status and amount.
func (a *Adapter) QueryStatus(ctx context.Context, reference string) (domain.StatusReport, error) {
	if a.Demo() || strings.HasPrefix(reference, "demo-") {
		return domain.StatusReport{Status: domain.ExternalUnknown}, nil
	}
	resp, err := a.client.queryOrder(ctx, reference)
	if err != nil {
		return domain.StatusReport{Status: domain.ExternalUnknown}, domain.NewError(domain.CodeGatewayAPI, "query qr order",
			errors.Join(domain.ErrGatewayAPI, err))
	}
	report := domain.StatusReport{
		Status:   MapTradeStatus(resp.TradeStatus),
		Currency: strings.ToUpper(resp.Currency),
	}
	if resp.TotalAmount != "" {
		amount, err := decimal.NewFromString(resp.TotalAmount)
		if err != nil {
			return domain.StatusReport{Status: domain.ExternalUnknown}, domain.NewError(domain.CodeGatewayAPI, "query qr order",
				fmt.Errorf("%w: invalid total_amount %q", domain.ErrGatewayAPI, resp.TotalAmount))
		}
		report.Amount = &amount
	}
	return report, nil
}

// VerifyAndExtract checks the signature of a form-encoded notification.
func (a *Adapter) VerifyAndExtract(ctx context.Context, raw domain.RawNotification) (domain.Notification, error) {
	if a.Demo() {
		return domain.Notification{}, fmt.Errorf("%w: qr gateway is in demo mode", domain.ErrInvalidSignature)
	}
	params, err := parseNotification(raw)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if params["merchant_id"] != "" && params["merchant_id"] != a.config.MerchantID {
		return domain.Notification{}, fmt.Errorf("%w: notification for another merchant", domain.ErrInvalidSignature)
	}
	if !Verify(params, a.config.Secret) {
		return domain.Notification{}, domain.ErrInvalidSignature
	}

	status := MapTradeStatus(params["trade_status"])
	eventID := params["notify_id"]
	if eventID == "" {
		eventID = params["trade_no"] + ":" + params["trade_status"]
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		Provider:         Provider,
		EventID:          eventID,
		EventType:        "trade." + strings.ToLower(params["trade_status"]),
		Kind:             domain.NotificationPayment,
		GatewayReference: params["trade_no"],
		OrderID:          params["out_trade_no"],
		Status:           status,
		Currency:         strings.ToUpper(params["currency"]),
		Payload:          payload,
	}
	if v := params["total_amount"]; v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return domain.Notification{}, fmt.Errorf("%w: invalid total_amount", domain.ErrInvalidSignature)
		}
		n.Amount = &amount
	}
	return n, nil
}

// parseNotification accepts form-encoded or JSON bodies.
func parseNotification(raw domain.RawNotification) (map[string]string, error) {
	body := strings.TrimSpace(string(raw.Body))
	if body == "" {
		return nil, errors.New("empty notification")
	}
	params := make(map[string]string)
	if strings.HasPrefix(body, "{") {
		var fields map[string]any
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			switch val := v.(type) {
			case string:
				params[k] = val
			case json.Number, bool:
				params[k] = fmt.Sprint(val)
			}
		}
		return params, nil
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, err
	}
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}

// MapTradeStatus translates merchant trade states.
func MapTradeStatus(s string) domain.ExternalStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRADE_SUCCESS", "TRADE_FINISHED", "SUCCESS", "PAID":
		return domain.ExternalPaid
	case "TRADE_CLOSED", "CLOSED", "REVOKED":
		return domain.ExternalCanceled
	case "PAY_ERROR", "FAILED":
		return domain.ExternalFailed
	case "WAIT_BUYER_PAY", "NOTPAY", "USERPAYING", "PENDING", "":
		return domain.ExternalPending
	default:
		return domain.ExternalUnknown
	}
}

func channel(m domain.PaymentMethod) string {
	if m == domain.MethodQRWeChat {
		return "wechat"
	}
	return "alipay"
}

func subject(plan domain.Plan) string {
	if plan.Name != "" {
		return plan.Name
	}
	return plan.ID
}

var (
	_ domain.GatewayAdapter = (*Adapter)(nil)
	_ domain.StatusQuerier  = (*Adapter)(nil)
)
