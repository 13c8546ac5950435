package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteSubscriptionRepository implements domain.SubscriptionRepository with SQLite.
type SQLiteSubscriptionRepository struct {
	dbConn *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new repository.
func NewSQLiteSubscriptionRepository(dbConn *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{dbConn: dbConn}
}

func (r *SQLiteSubscriptionRepository) getDB(ctx context.Context) sqliteExecutor {
	return sqliteConn(ctx, r.dbConn)
}

const sqliteSubscriptionColumns = `
	id, user_id, plan_id, status, payment_method, current_period_start, current_period_end,
	cancel_at_period_end, download_count, external_reference, last_order_id, created_at, updated_at
`

// FindActiveByUserID returns the user's active subscription, or nil.
func (r *SQLiteSubscriptionRepository) FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, `
		SELECT `+sqliteSubscriptionColumns+`
		FROM user_subscriptions
		WHERE user_id = ? AND status = 'active'
	`, userID.String())
}

// FindByExternalReference returns the most recent subscription with the gateway reference, or nil.
func (r *SQLiteSubscriptionRepository) FindByExternalReference(ctx context.Context, reference string) (*domain.Subscription, error) {
	if reference == "" {
		return nil, nil
	}
	return r.findOne(ctx, `
		SELECT `+sqliteSubscriptionColumns+`
		FROM user_subscriptions
		WHERE external_reference = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, reference)
}

// Create inserts a subscription.
func (r *SQLiteSubscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO user_subscriptions (`+sqliteSubscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID.String(), s.UserID.String(), s.PlanID, string(s.Status), string(s.PaymentMethod),
		sharedPersistence.FormatSQLiteTime(s.CurrentPeriodStart), sharedPersistence.FormatSQLiteTime(s.CurrentPeriodEnd),
		boolToInt(s.CancelAtPeriodEnd), s.DownloadCount, s.ExternalReference, sqliteNullUUID(&s.LastOrderID),
		sharedPersistence.FormatSQLiteTime(s.CreatedAt), sharedPersistence.FormatSQLiteTime(s.UpdatedAt),
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrActiveSubscriptionExists
	}
	return err
}

// Update writes every mutable field of the subscription.
func (r *SQLiteSubscriptionRepository) Update(ctx context.Context, s *domain.Subscription) error {
	result, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE user_subscriptions SET
			plan_id = ?,
			status = ?,
			payment_method = ?,
			current_period_start = ?,
			current_period_end = ?,
			cancel_at_period_end = ?,
			download_count = ?,
			external_reference = ?,
			last_order_id = ?,
			updated_at = ?
		WHERE id = ?
	`,
		s.PlanID, string(s.Status), string(s.PaymentMethod),
		sharedPersistence.FormatSQLiteTime(s.CurrentPeriodStart), sharedPersistence.FormatSQLiteTime(s.CurrentPeriodEnd),
		boolToInt(s.CancelAtPeriodEnd), s.DownloadCount, s.ExternalReference, sqliteNullUUID(&s.LastOrderID),
		sharedPersistence.FormatSQLiteTime(s.UpdatedAt), s.ID.String(),
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrActiveSubscriptionExists
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("subscription %s not found", s.ID)
	}
	return nil
}

// IncrementDownloads adds one download while the count stays within limit.
func (r *SQLiteSubscriptionRepository) IncrementDownloads(ctx context.Context, id uuid.UUID, limit int) (bool, error) {
	result, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE user_subscriptions
		SET download_count = download_count + 1
		WHERE id = ? AND status = 'active' AND (? <= 0 OR download_count < ?)
	`, id.String(), limit, limit)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AppendHistory records one subscription change.
func (r *SQLiteSubscriptionRepository) AppendHistory(ctx context.Context, h domain.SubscriptionHistory) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO subscription_history (
			id, subscription_id, user_id, order_id, plan_id, change, period_start, period_end, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID.String(), h.SubscriptionID.String(), h.UserID.String(), sqliteNullUUID(h.OrderID), h.PlanID,
		string(h.Change), sharedPersistence.FormatSQLiteTime(h.PeriodStart),
		sharedPersistence.FormatSQLiteTime(h.PeriodEnd), sharedPersistence.FormatSQLiteTime(h.CreatedAt))
	return err
}

// HasOrderHistory reports whether the order already changed a subscription.
func (r *SQLiteSubscriptionRepository) HasOrderHistory(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var n int
	err := r.getDB(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription_history WHERE order_id = ?
	`, orderID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up history for order %s: %w", orderID, err)
	}
	return n > 0, nil
}

// ListHistory returns the user's subscription changes, oldest first.
func (r *SQLiteSubscriptionRepository) ListHistory(ctx context.Context, userID uuid.UUID) ([]domain.SubscriptionHistory, error) {
	rows, err := r.getDB(ctx).QueryContext(ctx, `
		SELECT id, subscription_id, user_id, order_id, plan_id, change, period_start, period_end, created_at
		FROM subscription_history
		WHERE user_id = ?
		ORDER BY created_at, rowid
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.SubscriptionHistory
	for rows.Next() {
		var (
			h                                 domain.SubscriptionHistory
			id, subscriptionID, user, change  string
			orderID                           sql.NullString
			periodStart, periodEnd, createdAt string
		)
		if err := rows.Scan(&id, &subscriptionID, &user, &orderID, &h.PlanID, &change,
			&periodStart, &periodEnd, &createdAt); err != nil {
			return nil, err
		}
		if h.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if h.SubscriptionID, err = uuid.Parse(subscriptionID); err != nil {
			return nil, err
		}
		if h.UserID, err = uuid.Parse(user); err != nil {
			return nil, err
		}
		if h.OrderID, err = parseNullUUID(orderID); err != nil {
			return nil, err
		}
		if h.PeriodStart, err = sharedPersistence.ParseSQLiteTime(periodStart); err != nil {
			return nil, err
		}
		if h.PeriodEnd, err = sharedPersistence.ParseSQLiteTime(periodEnd); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		h.Change = domain.HistoryChange(change)
		history = append(history, h)
	}
	return history, rows.Err()
}

func (r *SQLiteSubscriptionRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Subscription, error) {
	var (
		s                          domain.Subscription
		id, userID, status, method string
		periodStart, periodEnd     string
		createdAt, updatedAt       string
		cancelAtPeriodEnd          int
		lastOrderID                sql.NullString
	)
	err := r.getDB(ctx).QueryRowContext(ctx, query, args...).Scan(
		&id, &userID, &s.PlanID, &status, &method, &periodStart, &periodEnd,
		&cancelAtPeriodEnd, &s.DownloadCount, &s.ExternalReference, &lastOrderID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse subscription id: %w", err)
	}
	if s.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("failed to parse user id: %w", err)
	}
	last, err := parseNullUUID(lastOrderID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		s.LastOrderID = *last
	}
	if s.CurrentPeriodStart, err = sharedPersistence.ParseSQLiteTime(periodStart); err != nil {
		return nil, err
	}
	if s.CurrentPeriodEnd, err = sharedPersistence.ParseSQLiteTime(periodEnd); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	s.Status = domain.SubscriptionStatus(status)
	s.PaymentMethod = domain.PaymentMethod(method)
	s.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &s, nil
}

var _ domain.SubscriptionRepository = (*SQLiteSubscriptionRepository)(nil)
