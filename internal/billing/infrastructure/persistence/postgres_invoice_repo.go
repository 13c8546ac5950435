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
	"github.com/shopspring/decimal"
)

// PostgresInvoiceRepository implements domain.InvoiceRepository using PostgreSQL.
type PostgresInvoiceRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresInvoiceRepository creates a new PostgreSQL invoice repository.
func NewPostgresInvoiceRepository(pool *pgxpool.Pool) *PostgresInvoiceRepository {
	return &PostgresInvoiceRepository{pool: pool}
}

const postgresInvoiceColumns = `
	id, order_id, user_id, plan_id, number, amount::text, tax::text, tax_rate::text, total::text,
	currency, status, issued_at, paid_at, document_ref
`

// Create inserts an invoice. A second invoice for the same order yields domain.ErrInvoiceExists.
func (r *PostgresInvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	_, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx, `
		INSERT INTO invoices (
			id, order_id, user_id, plan_id, number, amount, tax, tax_rate, total,
			currency, status, issued_at, paid_at, document_ref
		) VALUES (
			$1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric, $9::text::numeric,
			$10, $11, $12, $13, $14
		)
	`,
		inv.ID, inv.OrderID, inv.UserID, inv.PlanID, inv.Number,
		inv.Amount.String(), inv.Tax.String(), inv.TaxRate.String(), inv.Total.String(),
		inv.Currency, string(inv.Status), inv.IssuedAt, inv.PaidAt, inv.DocumentRef,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrInvoiceExists
	}
	return err
}

// FindByID returns the invoice or domain.ErrInvoiceNotFound.
func (r *PostgresInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	inv, err := r.findOne(ctx, `SELECT `+postgresInvoiceColumns+` FROM invoices WHERE id = $1`, id)
	if err == nil && inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

// FindByOrderID returns the order's invoice, or nil.
func (r *PostgresInvoiceRepository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Invoice, error) {
	return r.findOne(ctx, `SELECT `+postgresInvoiceColumns+` FROM invoices WHERE order_id = $1`, orderID)
}

// CountByOrderID returns how many invoices reference the order.
func (r *PostgresInvoiceRepository) CountByOrderID(ctx context.Context, orderID uuid.UUID) (int, error) {
	var count int
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE order_id = $1`, orderID).Scan(&count)
	return count, err
}

// SetDocumentRef records where the rendered artifact is stored.
func (r *PostgresInvoiceRepository) SetDocumentRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := sharedPersistence.Executor(ctx, r.pool).Exec(ctx,
		`UPDATE invoices SET document_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvoiceNotFound
	}
	return nil
}

func (r *PostgresInvoiceRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Invoice, error) {
	var (
		inv                         domain.Invoice
		amount, tax, taxRate, total string
		status                      string
	)
	err := sharedPersistence.Executor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(
		&inv.ID, &inv.OrderID, &inv.UserID, &inv.PlanID, &inv.Number, &amount, &tax, &taxRate, &total,
		&inv.Currency, &status, &inv.IssuedAt, &inv.PaidAt, &inv.DocumentRef,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := parseInvoiceAmounts(&inv, amount, tax, taxRate, total); err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.IssuedAt = inv.IssuedAt.UTC()
	if inv.PaidAt != nil {
		paid := inv.PaidAt.UTC()
		inv.PaidAt = &paid
	}
	return &inv, nil
}

func parseInvoiceAmounts(inv *domain.Invoice, amount, tax, taxRate, total string) error {
	var err error
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("failed to parse invoice amount: %w", err)
	}
	if inv.Tax, err = decimal.NewFromString(tax); err != nil {
		return fmt.Errorf("failed to parse invoice tax: %w", err)
	}
	if inv.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
		return fmt.Errorf("failed to parse invoice tax rate: %w", err)
	}
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return fmt.Errorf("failed to parse invoice total: %w", err)
	}
	return nil
}

var _ domain.InvoiceRepository = (*PostgresInvoiceRepository)(nil)
