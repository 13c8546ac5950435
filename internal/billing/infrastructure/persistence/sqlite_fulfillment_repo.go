package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteFulfillmentRepository implements domain.FulfillmentRepository with SQLite.
type SQLiteFulfillmentRepository struct {
	dbConn *sql.DB
}

// NewSQLiteFulfillmentRepository creates a new repository.
func NewSQLiteFulfillmentRepository(dbConn *sql.DB) *SQLiteFulfillmentRepository {
	return &SQLiteFulfillmentRepository{dbConn: dbConn}
}

func (r *SQLiteFulfillmentRepository) getDB(ctx context.Context) sqliteExecutor {
	return sqliteConn(ctx, r.dbConn)
}

// Create inserts the record unless the order already has one.
func (r *SQLiteFulfillmentRepository) Create(ctx context.Context, f *domain.Fulfillment) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO fulfillments (`+fulfillmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING
	`,
		f.OrderID.String(), sharedPersistence.FormatSQLiteTimePtr(f.ActivatedAt),
		sharedPersistence.FormatSQLiteTimePtr(f.InvoicedAt), f.Attempts, string(f.LastErrorCode), f.LastError,
		sharedPersistence.FormatSQLiteTime(f.NextAttemptAt), sharedPersistence.FormatSQLiteTime(f.CreatedAt),
		sharedPersistence.FormatSQLiteTime(f.UpdatedAt),
	)
	return err
}

// FindByOrderID returns the order's fulfillment record, or nil.
func (r *SQLiteFulfillmentRepository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Fulfillment, error) {
	f, err := scanSQLiteFulfillment(r.getDB(ctx).QueryRowContext(ctx,
		`SELECT `+fulfillmentColumns+` FROM fulfillments WHERE order_id = ?`, orderID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// Save overwrites the record's progress fields.
func (r *SQLiteFulfillmentRepository) Save(ctx context.Context, f *domain.Fulfillment) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		UPDATE fulfillments SET
			activated_at = ?,
			invoiced_at = ?,
			attempts = ?,
			last_error_code = ?,
			last_error = ?,
			next_attempt_at = ?,
			updated_at = ?
		WHERE order_id = ?
	`,
		sharedPersistence.FormatSQLiteTimePtr(f.ActivatedAt), sharedPersistence.FormatSQLiteTimePtr(f.InvoicedAt),
		f.Attempts, string(f.LastErrorCode), f.LastError, sharedPersistence.FormatSQLiteTime(f.NextAttemptAt),
		sharedPersistence.FormatSQLiteTime(f.UpdatedAt), f.OrderID.String(),
	)
	return err
}

// ListDue returns incomplete records whose next attempt is at or before now.
func (r *SQLiteFulfillmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Fulfillment, error) {
	rows, err := r.getDB(ctx).QueryContext(ctx, `
		SELECT `+fulfillmentColumns+`
		FROM fulfillments
		WHERE (activated_at IS NULL OR invoiced_at IS NULL)
		  AND next_attempt_at <= ?
		ORDER BY next_attempt_at
		LIMIT ?
	`, sharedPersistence.FormatSQLiteTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*domain.Fulfillment
	for rows.Next() {
		f, err := scanSQLiteFulfillment(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, f)
	}
	return due, rows.Err()
}

func scanSQLiteFulfillment(row sqliteScanner) (*domain.Fulfillment, error) {
	var (
		f                                 domain.Fulfillment
		orderID, code                     string
		activatedAt, invoicedAt           sql.NullString
		nextAttemptAt, createdAt, updated string
	)
	err := row.Scan(&orderID, &activatedAt, &invoicedAt, &f.Attempts, &code, &f.LastError,
		&nextAttemptAt, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if f.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("failed to parse order id: %w", err)
	}
	if f.ActivatedAt, err = sharedPersistence.ParseSQLiteTimePtr(activatedAt); err != nil {
		return nil, err
	}
	if f.InvoicedAt, err = sharedPersistence.ParseSQLiteTimePtr(invoicedAt); err != nil {
		return nil, err
	}
	if f.NextAttemptAt, err = sharedPersistence.ParseSQLiteTime(nextAttemptAt); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = sharedPersistence.ParseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = sharedPersistence.ParseSQLiteTime(updated); err != nil {
		return nil, err
	}
	f.LastErrorCode = domain.Code(code)
	return &f, nil
}

var _ domain.FulfillmentRepository = (*SQLiteFulfillmentRepository)(nil)
