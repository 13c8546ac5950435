package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the settlement state printed on an invoice.
type InvoiceStatus string

const (
	InvoicePaid InvoiceStatus = "paid"
)

// Invoice is issued exactly once per paid order and never changes afterwards,
// except for the reference to its rendered document.
type Invoice struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	UserID      uuid.UUID
	PlanID      string
	Number      string
	Amount      decimal.Decimal
	Tax         decimal.Decimal
	TaxRate     decimal.Decimal
	Total       decimal.Decimal
	Currency    string
	Status      InvoiceStatus
	IssuedAt    time.Time
	PaidAt      *time.Time
	DocumentRef string
}

// NewInvoice computes tax and total for a paid order.
func NewInvoice(order *Order, number string, taxRate decimal.Decimal, issuedAt time.Time) *Invoice {
	amount := order.Amount()
	tax := RoundMinor(amount.Mul(taxRate), order.Currency())
	return &Invoice{
		ID:       uuid.New(),
		OrderID:  order.ID(),
		UserID:   order.UserID(),
		PlanID:   order.PlanID(),
		Number:   number,
		Amount:   amount,
		Tax:      tax,
		TaxRate:  taxRate,
		Total:    amount.Add(tax),
		Currency: order.Currency(),
		Status:   InvoicePaid,
		IssuedAt: issuedAt.UTC(),
		PaidAt:   order.PaidAt(),
	}
}

// HasDocument reports whether a rendered artifact has been stored.
func (i *Invoice) HasDocument() bool {
	return i.DocumentRef != ""
}
