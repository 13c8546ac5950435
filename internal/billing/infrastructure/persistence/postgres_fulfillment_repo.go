package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresFulfillmentRepository implements domain.FulfillmentRepository using PostgreSQL.
type PostgresFulfillmentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresFulfillmentRepository creates a new PostgreSQL fulfillment repository.
func NewPostgresFulfillmentRepository(pool *pgxpool.Pool) *PostgresFulfillmentRepository {
	return &PostgresFulfillmentRepository{pool: pool}
}

const fulfillmentColumns = `
	order_id, activated_at, invoiced_at, attempts, last_error_code, last_error,
	next_attempt_at, created_at, updated_at
`

// Create inserts the record unless the order already has one.
func (r *PostgresFulfillmentRepository) Create(ctx context.Context, f *domain.Fulfillment) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO fulfillments (`+fulfillmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING
	`,
		f.OrderID, f.ActivatedAt, f.InvoicedAt, f.Attempts, string(f.LastErrorCode), f.LastError,
		f.NextAttemptAt, f.CreatedAt, f.UpdatedAt,
	)
	return err
}

// FindByOrderID returns the order's fulfillment record, or nil.
func (r *PostgresFulfillmentRepository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Fulfillment, error) {
	f, err := scanPostgresFulfillment(sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fulfillmentColumns+` FROM fulfillments WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// Save overwrites the record's progress fields.
func (r *PostgresFulfillmentRepository) Save(ctx context.Context, f *domain.Fulfillment) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE fulfillments SET
			activated_at = $2,
			invoiced_at = $3,
			attempts = $4,
			last_error_code = $5,
			last_error = $6,
			next_attempt_at = $7,
			updated_at = $8
		WHERE order_id = $1
	`,
		f.OrderID, f.ActivatedAt, f.InvoicedAt, f.Attempts, string(f.LastErrorCode), f.LastError,
		f.NextAttemptAt, f.UpdatedAt,
	)
	return err
}

// ListDue returns incomplete records whose next attempt is at or before now.
func (r *PostgresFulfillmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Fulfillment, error) {
	rows, err := sharedPersistence.Executor(ctx, r.pool).Query(ctx, `
		SELECT `+fulfillmentColumns+`
		FROM fulfillments
		WHERE (activated_at IS NULL OR invoiced_at IS NULL)
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*domain.Fulfillment
	for rows.Next() {
		f, err := scanPostgresFulfillment(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, f)
	}
	return due, rows.Err()
}

func scanPostgresFulfillment(row pgx.Row) (*domain.Fulfillment, error) {
	var (
		f    domain.Fulfillment
		code string
	)
	if err := row.Scan(&f.OrderID, &f.ActivatedAt, &f.InvoicedAt, &f.Attempts, &code, &f.LastError,
		&f.NextAttemptAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.LastErrorCode = domain.Code(code)
	f.ActivatedAt = utcPtr(f.ActivatedAt)
	f.InvoicedAt = utcPtr(f.InvoicedAt)
	f.NextAttemptAt = f.NextAttemptAt.UTC()
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

var _ domain.FulfillmentRepository = (*PostgresFulfillmentRepository)(nil)
