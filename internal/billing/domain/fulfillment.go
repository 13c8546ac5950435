package domain

import (
	"time"

	"github.com/google/uuid"
)

// Fulfillment tracks the post-payment steps of a paid order so that failed
// activation or invoicing can be repaired after the fact.
type Fulfillment struct {
	OrderID       uuid.UUID
	ActivatedAt   *time.Time
	InvoicedAt    *time.Time
	Attempts      int
	LastErrorCode Code
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewFulfillment creates a fulfillment record that is due immediately.
func NewFulfillment(orderID uuid.UUID, now time.Time) *Fulfillment {
	now = now.UTC()
	return &Fulfillment{
		OrderID:       orderID,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsComplete reports whether every step has succeeded.
func (f *Fulfillment) IsComplete() bool {
	return f.ActivatedAt != nil && f.InvoicedAt != nil
}

// MarkActivated records a successful subscription activation.
func (f *Fulfillment) MarkActivated(at time.Time) {
	at = at.UTC()
	f.ActivatedAt = &at
	f.UpdatedAt = at
}

// MarkInvoiced records a successful invoice issue.
func (f *Fulfillment) MarkInvoiced(at time.Time) {
	at = at.UTC()
	f.InvoicedAt = &at
	f.UpdatedAt = at
	if f.IsComplete() {
		f.LastErrorCode = ""
		f.LastError = ""
	}
}

// RecordFailure stores a failed attempt and schedules the next one.
func (f *Fulfillment) RecordFailure(code Code, err error, now time.Time, backoff time.Duration) {
	now = now.UTC()
	f.Attempts++
	f.LastErrorCode = code
	if err != nil {
		f.LastError = err.Error()
	}
	f.NextAttemptAt = now.Add(backoff)
	f.UpdatedAt = now
}
