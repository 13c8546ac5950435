package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type sqliteExecutor = sharedPersistence.SQLiteExecutor

func sqliteConn(ctx context.Context, dbConn *sql.DB) sqliteExecutor {
	return sharedPersistence.SQLite(ctx, dbConn)
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

// SQLiteOrderRepository implements domain.OrderRepository with SQLite.
type SQLiteOrderRepository struct {
	dbConn *sql.DB
}

// NewSQLiteOrderRepository creates a new repository.
func NewSQLiteOrderRepository(dbConn *sql.DB) *SQLiteOrderRepository {
	return &SQLiteOrderRepository{dbConn: dbConn}
}

func (r *SQLiteOrderRepository) getDB(ctx context.Context) sqliteExecutor {
	return sqliteConn(ctx, r.dbConn)
}

const sqliteOrderColumns = `
	id, user_id, plan_id, amount, currency, payment_method, status,
	gateway_reference, handle_payload, paid_at, failed_reason, metadata,
	idempotency_key, expires_at, version, created_at, updated_at
`

// Create inserts a new pending order.
func (r *SQLiteOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	s := order.State()
	_, err := r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO payment_orders (`+sqliteOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID.String(), s.UserID.String(), s.PlanID, s.Amount.String(), s.Currency, string(s.Method), string(s.Status),
		sqliteNullString(s.GatewayReference), s.HandlePayload, sharedPersistence.FormatSQLiteTimePtr(s.PaidAt),
		s.FailedReason, sqliteNullString(string(s.Metadata)), sqliteNullString(s.IdempotencyKey),
		sharedPersistence.FormatSQLiteTime(s.ExpiresAt), s.Version,
		sharedPersistence.FormatSQLiteTime(s.CreatedAt), sharedPersistence.FormatSQLiteTime(s.UpdatedAt),
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrOpenOrderExists
	}
	return err
}

// FindByID returns the order or domain.ErrOrderNotFound.
func (r *SQLiteOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := r.findOne(ctx, `SELECT `+sqliteOrderColumns+` FROM payment_orders WHERE id = ?`, id.String())
	if err == nil && order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

// FindByGatewayReference returns the order carrying reference or domain.ErrOrderNotFound.
func (r *SQLiteOrderRepository) FindByGatewayReference(ctx context.Context, reference string) (*domain.Order, error) {
	order, err := r.findOne(ctx, `SELECT `+sqliteOrderColumns+` FROM payment_orders WHERE gateway_reference = ?`, reference)
	if err == nil && order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

// FindOpen returns the pending order for user, plan and method.
func (r *SQLiteOrderRepository) FindOpen(ctx context.Context, userID uuid.UUID, planID string, method domain.PaymentMethod) (*domain.Order, error) {
	return r.findOne(ctx, `
		SELECT `+sqliteOrderColumns+`
		FROM payment_orders
		WHERE user_id = ? AND plan_id = ? AND payment_method = ? AND status = 'pending'
	`, userID.String(), planID, string(method))
}

// FindByIdempotencyKey returns the user's order created with key.
func (r *SQLiteOrderRepository) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	return r.findOne(ctx, `
		SELECT `+sqliteOrderColumns+`
		FROM payment_orders
		WHERE user_id = ? AND idempotency_key = ?
	`, userID.String(), key)
}

// CompareAndSwap writes the order if the stored row is pending at the same version.
func (r *SQLiteOrderRepository) CompareAndSwap(ctx context.Context, order *domain.Order) (bool, error) {
	s := order.State()
	result, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE payment_orders SET
			status = ?,
			gateway_reference = ?,
			handle_payload = ?,
			paid_at = ?,
			failed_reason = ?,
			metadata = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND status = 'pending' AND version = ?
	`,
		string(s.Status), sqliteNullString(s.GatewayReference), s.HandlePayload,
		sharedPersistence.FormatSQLiteTimePtr(s.PaidAt), s.FailedReason, sqliteNullString(string(s.Metadata)),
		sharedPersistence.FormatSQLiteTime(s.UpdatedAt), s.ID.String(), s.Version,
	)
	if database.IsUniqueViolation(err) {
		return false, domain.ErrReferenceConflict
	}
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := r.FindByID(ctx, s.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	order.IncrementVersion()
	return true, nil
}

// ListPendingCreatedBefore returns the oldest pending orders created before cutoff.
func (r *SQLiteOrderRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	return r.findMany(ctx, `
		SELECT `+sqliteOrderColumns+`
		FROM payment_orders
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, sharedPersistence.FormatSQLiteTime(cutoff), limit)
}

// ListByUser returns the user's most recent orders, restricted to statuses when given.
func (r *SQLiteOrderRepository) ListByUser(ctx context.Context, userID uuid.UUID, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM payment_orders WHERE user_id = ?`
	args := []any{userID.String()}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return r.findMany(ctx, query, args...)
}

func (r *SQLiteOrderRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order, err := scanSQLiteOrder(r.getDB(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return order, err
}

func (r *SQLiteOrderRepository) findMany(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.getDB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanSQLiteOrder(row sqliteScanner) (*domain.Order, error) {
	var (
		s                                        domain.OrderState
		id, userID, amount, method, status       string
		expiresAt, createdAt, updatedAt          string
		gatewayRef, paidAt, metadata, idempotent sql.NullString
	)
	err := row.Scan(
		&id, &userID, &s.PlanID, &amount, &s.Currency, &method, &status,
		&gatewayRef, &s.HandlePayload, &paidAt, &s.FailedReason, &metadata,
		&idempotent, &expiresAt, &s.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse order id: %w", err)
	}
	if s.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("failed to parse user id: %w", err)
	}
	if s.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse order amount: %w", err)
	}
	if s.PaidAt, err = sharedPersistence.ParseSQLiteTimePtr(paidAt); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = sharedPersistence.ParseSQLiteTime(expiresAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	s.Method = domain.PaymentMethod(method)
	s.Status = domain.OrderStatus(status)
	s.GatewayReference = gatewayRef.String
	s.IdempotencyKey = idempotent.String
	if metadata.Valid && metadata.String != "" {
		s.Metadata = []byte(metadata.String)
	}
	return domain.RehydrateOrder(s), nil
}

var _ domain.OrderRepository = (*SQLiteOrderRepository)(nil)
