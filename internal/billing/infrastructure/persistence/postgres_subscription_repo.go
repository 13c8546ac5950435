package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSubscriptionRepository implements domain.SubscriptionRepository using PostgreSQL.
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionRepository creates a new PostgreSQL subscription repository.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

const postgresSubscriptionColumns = `
	id, user_id, plan_id, status, payment_method, current_period_start, current_period_end,
	cancel_at_period_end, download_count, external_reference, last_order_id, created_at, updated_at
`

// FindActiveByUserID returns the user's active subscription, or nil.
func (r *PostgresSubscriptionRepository) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, `
		SELECT `+postgresSubscriptionColumns+`
		FROM user_subscriptions
		WHERE user_id = $1 AND status = 'active'
	`, userID)
}

// FindByExternalReference returns the most recent subscription with the gateway reference, or nil.
func (r *PostgresSubscriptionRepository) FindByExternalReference(ctx context.Context, reference string) (*domain.Subscription, error) {
	if reference == "" {
		return nil, nil
	}
	return r.findOne(ctx, `
		SELECT `+postgresSubscriptionColumns+`
		FROM user_subscriptions
		WHERE external_reference = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, reference)
}

// Create inserts a subscription.
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO user_subscriptions (`+postgresSubscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		s.ID, s.UserID, s.PlanID, string(s.Status), string(s.PaymentMethod),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.DownloadCount,
		s.ExternalReference, nullUUID(&s.LastOrderID), s.CreatedAt, s.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrActiveSubscriptionExists
	}
	return err
}

// Update writes every mutable field of the subscription.
func (r *PostgresSubscriptionRepository) Update(ctx context.Context, s *domain.Subscription) error {
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE user_subscriptions SET
			plan_id = $2,
			status = $3,
			payment_method = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			download_count = $8,
			external_reference = $9,
			last_order_id = $10,
			updated_at = $11
		WHERE id = $1
	`,
		s.ID, s.PlanID, string(s.Status), string(s.PaymentMethod), s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.DownloadCount, s.ExternalReference, nullUUID(&s.LastOrderID), s.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrActiveSubscriptionExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", s.ID)
	}
	return nil
}

// IncrementDownloads adds one download while the count stays within limit.
func (r *PostgresSubscriptionRepository) IncrementDownloads(ctx context.Context, id uuid.UUID, limit int) (bool, error) {
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE user_subscriptions
		SET download_count = download_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND ($2 <= 0 OR download_count < $2)
	`, id, limit)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendHistory records one subscription change.
func (r *PostgresSubscriptionRepository) AppendHistory(ctx context.Context, h domain.SubscriptionHistory) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO subscription_history (
			id, subscription_id, user_id, order_id, plan_id, change, period_start, period_end, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, h.ID, h.SubscriptionID, h.UserID, nullUUID(h.OrderID), h.PlanID, string(h.Change),
		h.PeriodStart, h.PeriodEnd, h.CreatedAt)
	return err
}

// HasOrderHistory reports whether the order already changed a subscription.
func (r *PostgresSubscriptionRepository) HasOrderHistory(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM subscription_history WHERE order_id = $1)
	`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up history for order %s: %w", orderID, err)
	}
	return exists, nil
}

// ListHistory returns the user's subscription changes, oldest first.
func (r *PostgresSubscriptionRepository) ListHistory(ctx context.Context, userID uuid.UUID) ([]domain.SubscriptionHistory, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, `
		SELECT id, subscription_id, user_id, order_id, plan_id, change, period_start, period_end, created_at
		FROM subscription_history
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.SubscriptionHistory
	for rows.Next() {
		var (
			h      domain.SubscriptionHistory
			change string
		)
		if err := rows.Scan(&h.ID, &h.SubscriptionID, &h.UserID, &h.OrderID, &h.PlanID, &change,
			&h.PeriodStart, &h.PeriodEnd, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Change = domain.HistoryChange(change)
		h.PeriodStart = h.PeriodStart.UTC()
		h.PeriodEnd = h.PeriodEnd.UTC()
		h.CreatedAt = h.CreatedAt.UTC()
		history = append(history, h)
	}
	return history, rows.Err()
}

func (r *PostgresSubscriptionRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Subscription, error) {
	var (
		s           domain.Subscription
		status      string
		method      string
		lastOrderID *uuid.UUID
	)
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(
		&s.ID, &s.UserID, &s.PlanID, &status, &method, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.DownloadCount, &s.ExternalReference, &lastOrderID, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.Status = domain.SubscriptionStatus(status)
	s.PaymentMethod = domain.PaymentMethod(method)
	if lastOrderID != nil {
		s.LastOrderID = *lastOrderID
	}
	s.CurrentPeriodStart = s.CurrentPeriodStart.UTC()
	s.CurrentPeriodEnd = s.CurrentPeriodEnd.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

var _ domain.SubscriptionRepository = (*PostgresSubscriptionRepository)(nil)
