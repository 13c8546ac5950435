package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the current access state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription is a user's access grant. At most one row per user is active.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanID             string
	Status             SubscriptionStatus
	PaymentMethod      PaymentMethod
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	DownloadCount      int
	ExternalReference  string
	// LastOrderID is the order whose payment produced the current period.
	LastOrderID uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsLifetime reports whether the subscription never expires.
func (s *Subscription) IsLifetime() bool {
	return IsLifetime(s.CurrentPeriodEnd)
}

// IsActiveAt reports whether the subscription grants access at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	if s == nil || s.Status != SubscriptionActive {
		return false
	}
	return t.Before(s.CurrentPeriodEnd)
}

// HistoryChange names what an activation did to a user's subscription.
type HistoryChange string

const (
	HistoryCreated         HistoryChange = "created"
	HistoryExtended        HistoryChange = "extended"
	HistoryReplaced        HistoryChange = "replaced"
	HistoryCanceled        HistoryChange = "canceled"
	HistoryCancelScheduled HistoryChange = "cancel_scheduled"
)

// SubscriptionHistory is an append-only audit row.
type SubscriptionHistory struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	OrderID        *uuid.UUID
	PlanID         string
	Change         HistoryChange
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CreatedAt      time.Time
}

// NewHistory records a change to the given subscription.
func NewHistory(s *Subscription, change HistoryChange, orderID *uuid.UUID, at time.Time) SubscriptionHistory {
	return SubscriptionHistory{
		ID:             uuid.New(),
		SubscriptionID: s.ID,
		UserID:         s.UserID,
		OrderID:        orderID,
		PlanID:         s.PlanID,
		Change:         change,
		PeriodStart:    s.CurrentPeriodStart,
		PeriodEnd:      s.CurrentPeriodEnd,
		CreatedAt:      at.UTC(),
	}
}
