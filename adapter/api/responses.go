package api

import (
	"encoding/base64"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
)

// OrderResponse is the public view of an order.
type OrderResponse struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	PlanID           string     `json:"planId"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	PaymentMethod    string     `json:"paymentMethod"`
	Status           string     `json:"status"`
	GatewayReference string     `json:"gatewayReference,omitempty"`
	FailedReason     string     `json:"failedReason,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		ID:               o.ID().String(),
		UserID:           o.UserID().String(),
		PlanID:           o.PlanID(),
		Amount:           o.Amount().StringFixed(domain.MinorUnits(o.Currency())),
		Currency:         o.Currency(),
		PaymentMethod:    string(o.Method()),
		Status:           string(o.Status()),
		GatewayReference: o.GatewayReference(),
		FailedReason:     o.FailedReason(),
		PaidAt:           o.PaidAt(),
		ExpiresAt:        o.ExpiresAt(),
		CreatedAt:        o.CreatedAt(),
	}
}

// PaymentResponse carries what the client needs to pay.
type PaymentResponse struct {
	Kind        string `json:"kind"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	CodePayload string `json:"codePayload,omitempty"`
	// CodeImage is a base64 PNG of CodePayload.
	CodeImage string `json:"codeImage,omitempty"`
}

func toPaymentResponse(h domain.PaymentHandle) *PaymentResponse {
	if h.Kind == "" {
		return nil
	}
	resp := &PaymentResponse{
		Kind:        string(h.Kind),
		RedirectURL: h.RedirectURL,
		CodePayload: h.CodePayload,
	}
	if len(h.CodeImagePNG) > 0 {
		resp.CodeImage = base64.StdEncoding.EncodeToString(h.CodeImagePNG)
	}
	return resp
}

// CreateOrderResponse is returned by POST /api/v1/orders.
type CreateOrderResponse struct {
	Order   OrderResponse    `json:"order"`
	Payment *PaymentResponse `json:"payment,omitempty"`
	Reused  bool             `json:"reused"`
}

// OrderStatusResponse is returned by the status endpoint.
type OrderStatusResponse struct {
	OrderID string     `json:"orderId"`
	Status  string     `json:"status"`
	PaidAt  *time.Time `json:"paidAt,omitempty"`
	// Fulfillment is "processing" while activation or invoicing is outstanding.
	Fulfillment string `json:"fulfillment,omitempty"`
	TimedOut    bool   `json:"timedOut,omitempty"`
	Polls       int    `json:"polls,omitempty"`
}

// PlanResponse is the public view of a catalog entry.
type PlanResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         string          `json:"price"`
	Currency      string          `json:"currency"`
	Duration      string          `json:"duration"`
	DownloadQuota int             `json:"downloadQuota"`
	Prices        []MethodPricing `json:"prices"`
}

// MethodPricing is the amount collected through one payment method.
type MethodPricing struct {
	PaymentMethod string `json:"paymentMethod"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func toPlanResponse(p domain.Plan) PlanResponse {
	resp := PlanResponse{
		ID:            p.ID,
		Name:          p.Name,
		Price:         p.Price.StringFixed(domain.MinorUnits(p.Currency)),
		Currency:      p.Currency,
		Duration:      string(p.Duration),
		DownloadQuota: p.DownloadQuota,
	}
	for _, m := range domain.PaymentMethods() {
		amount, currency := p.SettlementAmount(m)
		resp.Prices = append(resp.Prices, MethodPricing{
			PaymentMethod: string(m),
			Amount:        amount.StringFixed(domain.MinorUnits(currency)),
			Currency:      currency,
		})
	}
	return resp
}

// InvoiceResponse is the public view of an invoice.
type InvoiceResponse struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	OrderID     string     `json:"orderId"`
	UserID      string     `json:"userId"`
	PlanID      string     `json:"planId"`
	Amount      string     `json:"amount"`
	TaxRate     string     `json:"taxRate"`
	Tax         string     `json:"tax"`
	Total       string     `json:"total"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	IssuedAt    time.Time  `json:"issuedAt"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	DocumentURL string     `json:"documentUrl"`
}

func toInvoiceResponse(inv *domain.Invoice) InvoiceResponse {
	places := domain.MinorUnits(inv.Currency)
	return InvoiceResponse{
		ID:          inv.ID.String(),
		Number:      inv.Number,
		OrderID:     inv.OrderID.String(),
		UserID:      inv.UserID.String(),
		PlanID:      inv.PlanID,
		Amount:      inv.Amount.StringFixed(places),
		TaxRate:     inv.TaxRate.String(),
		Tax:         inv.Tax.StringFixed(places),
		Total:       inv.Total.StringFixed(places),
		Currency:    inv.Currency,
		Status:      string(inv.Status),
		IssuedAt:    inv.IssuedAt,
		PaidAt:      inv.PaidAt,
		DocumentURL: "/api/v1/invoices/" + inv.ID.String() + "/document",
	}
}

// SubscriptionResponse describes a user's access.
type SubscriptionResponse struct {
	UserID            string     `json:"userId"`
	Active            bool       `json:"active"`
	PlanID            string     `json:"planId,omitempty"`
	Status            string     `json:"status,omitempty"`
	PaymentMethod     string     `json:"paymentMethod,omitempty"`
	PeriodStart       *time.Time `json:"currentPeriodStart,omitempty"`
	PeriodEnd         *time.Time `json:"currentPeriodEnd,omitempty"`
	Lifetime          bool       `json:"lifetime"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	DownloadQuota     int        `json:"downloadQuota"`
	DownloadsUsed     int        `json:"downloadsUsed"`
	// DownloadsRemaining is -1 when downloads are unlimited.
	DownloadsRemaining int               `json:"downloadsRemaining"`
	History            []HistoryResponse `json:"history,omitempty"`
}

// HistoryResponse is one subscription change.
type HistoryResponse struct {
	Change      string    `json:"change"`
	PlanID      string    `json:"planId"`
	OrderID     string    `json:"orderId,omitempty"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toSubscriptionResponse(ent domain.Entitlement, sub *domain.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		UserID:             ent.UserID.String(),
		Active:             ent.Active,
		DownloadQuota:      ent.DownloadQuota,
		DownloadsUsed:      ent.DownloadsUsed,
		DownloadsRemaining: ent.Remaining(),
	}
	if sub == nil {
		return resp
	}
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	resp.PlanID = sub.PlanID
	resp.Status = string(sub.Status)
	resp.PaymentMethod = string(sub.PaymentMethod)
	resp.PeriodStart = &start
	resp.Lifetime = sub.IsLifetime()
	if !resp.Lifetime {
		resp.PeriodEnd = &end
	}
	resp.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	return resp
}

func toHistoryResponse(entries []domain.SubscriptionHistory) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		h := HistoryResponse{
			Change:      string(e.Change),
			PlanID:      e.PlanID,
			PeriodStart: e.PeriodStart,
			PeriodEnd:   e.PeriodEnd,
			CreatedAt:   e.CreatedAt,
		}
		if e.OrderID != nil {
			h.OrderID = e.OrderID.String()
		}
		out = append(out, h)
	}
	return out
}
