package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entitlement is the download allowance a user's subscription grants right now.
type Entitlement struct {
	UserID        uuid.UUID
	PlanID        string
	Active        bool
	PeriodEnd     time.Time
	DownloadQuota int
	DownloadsUsed int
}

// NewEntitlement derives the allowance from a subscription and its plan.
func NewEntitlement(userID uuid.UUID, sub *Subscription, plan *Plan, now time.Time) Entitlement {
	e := Entitlement{UserID: userID}
	if !sub.IsActiveAt(now) {
		return e
	}
	e.Active = true
	e.PlanID = sub.PlanID
	e.PeriodEnd = sub.CurrentPeriodEnd
	e.DownloadsUsed = sub.DownloadCount
	if plan != nil {
		e.DownloadQuota = plan.DownloadQuota
	}
	return e
}

// Unlimited reports whether downloads are not capped.
func (e Entitlement) Unlimited() bool {
	return e.Active && e.DownloadQuota == 0
}

// Remaining returns the downloads left in the period, or -1 when unlimited.
func (e Entitlement) Remaining() int {
	if !e.Active {
		return 0
	}
	if e.Unlimited() {
		return -1
	}
	if left := e.DownloadQuota - e.DownloadsUsed; left > 0 {
		return left
	}
	return 0
}
