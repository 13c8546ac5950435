package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresOrderRepository implements domain.OrderRepository using PostgreSQL.
type PostgresOrderRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderRepository creates a new PostgreSQL order repository.
func NewPostgresOrderRepository(pool *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{pool: pool}
}

const postgresOrderColumns = `
	id, user_id, plan_id, amount::text, currency, payment_method, status,
	COALESCE(gateway_reference, ''), handle_payload, paid_at, failed_reason, metadata,
	COALESCE(idempotency_key, ''), expires_at, version, created_at, updated_at
`

// Create inserts a new pending order.
func (r *PostgresOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	s := order.State()
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment_orders (
			id, user_id, plan_id, amount, currency, payment_method, status,
			gateway_reference, handle_payload, paid_at, failed_reason, metadata,
			idempotency_key, expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		s.ID, s.UserID, s.PlanID, s.Amount.String(), s.Currency, string(s.Method), string(s.Status),
		nullString(s.GatewayReference), s.HandlePayload, s.PaidAt, s.FailedReason, nullJSON(s.Metadata),
		nullString(s.IdempotencyKey), s.ExpiresAt, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrOpenOrderExists
	}
	return err
}

// FindByID returns the order or domain.ErrOrderNotFound.
func (r *PostgresOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := r.findOne(ctx, `SELECT `+postgresOrderColumns+` FROM payment_orders WHERE id = $1`, id)
	if err == nil && order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

// FindByGatewayReference returns the order carrying reference or domain.ErrOrderNotFound.
func (r *PostgresOrderRepository) FindByGatewayReference(ctx context.Context, reference string) (*domain.Order, error) {
	order, err := r.findOne(ctx, `SELECT `+postgresOrderColumns+` FROM payment_orders WHERE gateway_reference = $1`, reference)
	if err == nil && order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

// FindOpen returns the pending order for user, plan and method.
func (r *PostgresOrderRepository) FindOpen(ctx context.Context, userID uuid.UUID, planID string, method domain.PaymentMethod) (*domain.Order, error) {
	return r.findOne(ctx, `
		SELECT `+postgresOrderColumns+`
		FROM payment_orders
		WHERE user_id = $1 AND plan_id = $2 AND payment_method = $3 AND status = 'pending'
	`, userID, planID, string(method))
}

// FindByIdempotencyKey returns the user's order created with key.
func (r *PostgresOrderRepository) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	return r.findOne(ctx, `
		SELECT `+postgresOrderColumns+`
		FROM payment_orders
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
}

// CompareAndSwap writes the order if the stored row is pending at the same version.
func (r *PostgresOrderRepository) CompareAndSwap(ctx context.Context, order *domain.Order) (bool, error) {
	s := order.State()
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE payment_orders SET
			status = $3,
			gateway_reference = $4,
			handle_payload = $5,
			paid_at = $6,
			failed_reason = $7,
			metadata = $8,
			version = version + 1,
			updated_at = $9
		WHERE id = $1 AND status = 'pending' AND version = $2
	`,
		s.ID, s.Version, string(s.Status), nullString(s.GatewayReference), s.HandlePayload,
		s.PaidAt, s.FailedReason, nullJSON(s.Metadata), s.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return false, domain.ErrReferenceConflict
	}
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, s.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	order.IncrementVersion()
	return true, nil
}

// ListPendingCreatedBefore returns the oldest pending orders created before cutoff.
func (r *PostgresOrderRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	return r.findMany(ctx, `
		SELECT `+postgresOrderColumns+`
		FROM payment_orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
}

// ListByUser returns the user's most recent orders, restricted to statuses when given.
func (r *PostgresOrderRepository) ListByUser(ctx context.Context, userID uuid.UUID, statuses []domain.OrderStatus, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + postgresOrderColumns + ` FROM payment_orders WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($2::text[])`
		args = append(args, pq.Array(names))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return r.findMany(ctx, query, args...)
}

func (r *PostgresOrderRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order, err := scanPostgresOrder(sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return order, err
}

func (r *PostgresOrderRepository) findMany(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanPostgresOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanPostgresOrder(row pgx.Row) (*domain.Order, error) {
	var (
		s        domain.OrderState
		amount   string
		method   string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.PlanID, &amount, &s.Currency, &method, &status,
		&s.GatewayReference, &s.HandlePayload, &s.PaidAt, &s.FailedReason, &metadata,
		&s.IdempotencyKey, &s.ExpiresAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse order amount: %w", err)
	}
	s.Method = domain.PaymentMethod(method)
	s.Status = domain.OrderStatus(status)
	if len(metadata) > 0 {
		s.Metadata = metadata
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.PaidAt != nil {
		paid := s.PaidAt.UTC()
		s.PaidAt = &paid
	}
	return domain.RehydrateOrder(s), nil
}

var _ domain.OrderRepository = (*PostgresOrderRepository)(nil)
