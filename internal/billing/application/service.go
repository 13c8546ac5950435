package application

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
)

// Service provides subscription and download-quota access.
type Service struct {
	subscriptions domain.SubscriptionRepository
	catalog       PlanCatalog
	clock         Clock
}

var _ domain.EntitlementService = (*Service)(nil)

// NewService creates a new billing service.
func NewService(subscriptions domain.SubscriptionRepository, catalog PlanCatalog) *Service {
	return &Service{subscriptions: subscriptions, catalog: catalog}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock Clock) *Service {
	s.clock = clock
	return s
}

// GetSubscription returns the user's active subscription, if any.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if s == nil || s.subscriptions == nil {
		return nil, nil
	}
	return s.subscriptions.FindActiveByUserID(ctx, userID)
}

// GetEntitlement returns the user's current allowance.
func (s *Service) GetEntitlement(ctx context.Context, userID uuid.UUID) (domain.Entitlement, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	return s.entitlement(userID, sub), nil
}

// RecordDownload consumes one download. It fails with ErrNoActiveSubscription
// or ErrQuotaExceeded without changing the count.
func (s *Service) RecordDownload(ctx context.Context, userID uuid.UUID) (domain.Entitlement, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	ent := s.entitlement(userID, sub)
	if !ent.Active {
		return ent, domain.ErrNoActiveSubscription
	}

	limit := 0
	if !ent.Unlimited() {
		limit = ent.DownloadQuota
	}
	ok, err := s.subscriptions.IncrementDownloads(ctx, sub.ID, limit)
	if err != nil {
		return ent, fmt.Errorf("failed to record download: %w", err)
	}
	if !ok {
		return ent, domain.ErrQuotaExceeded
	}
	ent.DownloadsUsed++
	return ent, nil
}

func (s *Service) entitlement(userID uuid.UUID, sub *domain.Subscription) domain.Entitlement {
	if sub == nil {
		return domain.Entitlement{UserID: userID}
	}
	var plan *domain.Plan
	if s.catalog != nil {
		if p, err := s.catalog.Find(sub.PlanID); err == nil {
			plan = &p
		}
	}
	return domain.NewEntitlement(userID, sub, plan, s.clock.now())
}

// History returns the user's subscription changes, oldest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]domain.SubscriptionHistory, error) {
	if s == nil || s.subscriptions == nil {
		return nil, nil
	}
	return s.subscriptions.ListHistory(ctx, userID)
}
