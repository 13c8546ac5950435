package qrpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// errRejected marks a request the merchant API refused. It does not count
// against the circuit breaker.
var errRejected = errors.New("merchant api rejected request")

// createOrderRequest is the body of POST /api/v1/orders.
type createOrderRequest struct {
	MerchantID  string `json:"merchant_id"`
	OutTradeNo  string `json:"out_trade_no"`
	Channel     string `json:"channel"`
	TotalAmount string `json:"total_amount"`
	Currency    string `json:"currency"`
	Subject     string `json:"subject"`
	ProductCode string `json:"product_code,omitempty"`
	NotifyURL   string `json:"notify_url"`
	ExpireTime  string `json:"expire_time"`
	Nonce       string `json:"nonce"`
	Timestamp   string `json:"timestamp"`
	SignType    string `json:"sign_type"`
	Sign        string `json:"sign"`
}

func (r *createOrderRequest) params() map[string]string {
	return map[string]string{
		"merchant_id":  r.MerchantID,
		"out_trade_no": r.OutTradeNo,
		"channel":      r.Channel,
		"total_amount": r.TotalAmount,
		"currency":     r.Currency,
		"subject":      r.Subject,
		"product_code": r.ProductCode,
		"notify_url":   r.NotifyURL,
		"expire_time":  r.ExpireTime,
		"nonce":        r.Nonce,
		"timestamp":    r.Timestamp,
	}
}

// orderResponse is returned by both the create and the query endpoints.
type orderResponse struct {
	Code        string `json:"code"`
	Message     string `json:"msg"`
	TradeNo     string `json:"trade_no"`
	OutTradeNo  string `json:"out_trade_no"`
	CodeURL     string `json:"code_url"`
	TradeStatus string `json:"trade_status"`
	TotalAmount string `json:"total_amount"`
	Currency    string `json:"currency"`
	Sign        string `json:"sign"`
}

func (r *orderResponse) params() map[string]string {
	return map[string]string{
		"code":         r.Code,
		"msg":          r.Message,
		"trade_no":     r.TradeNo,
		"out_trade_no": r.OutTradeNo,
		"code_url":     r.CodeURL,
		"trade_status": r.TradeStatus,
		"total_amount": r.TotalAmount,
		"currency":     r.Currency,
		"sign":         r.Sign,
	}
}

// client talks to the merchant API. Every call is throttled by limiter and
// guarded by breaker.
type client struct {
	baseURL    string
	merchantID string
	secret     string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*orderResponse]
	now        func() time.Time
}

func newClient(cfg Config, logger *slog.Logger) *client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	c := &client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		merchantID: cfg.MerchantID,
		secret:     cfg.Secret,
		http:       httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:        time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*orderResponse](gobreaker.Settings{
		Name:        "qrpay",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

func (c *client) createOrder(ctx context.Context, req createOrderRequest) (*orderResponse, error) {
	req.MerchantID = c.merchantID
	req.Nonce = uuid.NewString()
	req.Timestamp = strconv.FormatInt(c.now().Unix(), 10)
	req.SignType = SignatureType
	req.Sign = Sign(req.params(), c.secret)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
}

func (c *client) queryOrder(ctx context.Context, tradeNo string) (*orderResponse, error) {
	params := map[string]string{
		"merchant_id": c.merchantID,
		"trade_no":    tradeNo,
		"nonce":       uuid.NewString(),
		"timestamp":   strconv.FormatInt(c.now().Unix(), 10),
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("sign_type", SignatureType)
	query.Set("sign", Sign(params, c.secret))

	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/api/v1/orders/"+url.PathEscape(tradeNo)+"?"+query.Encode(), nil)
	})
}

func (c *client) do(ctx context.Context, build func(context.Context) (*http.Request, error)) (*orderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.breaker.Execute(func() (*orderResponse, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("merchant api returned %d", resp.StatusCode)
		}

		var out orderResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode merchant response: %w", err)
		}
		if resp.StatusCode >= 400 || (out.Code != "" && out.Code != "SUCCESS") {
			return nil, fmt.Errorf("%w: status %d code %s: %s", errRejected, resp.StatusCode, out.Code, out.Message)
		}
		if out.Sign == "" {
			return nil, errors.New("merchant response is unsigned")
		}
		if !Verify(out.params(), c.secret) {
			return nil, errors.New("merchant response signature mismatch")
		}
		return &out, nil
	})
}
