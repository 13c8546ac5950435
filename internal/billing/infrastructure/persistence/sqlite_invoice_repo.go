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

// SQLiteInvoiceRepository implements domain.InvoiceRepository with SQLite.
type SQLiteInvoiceRepository struct {
	dbConn *sql.DB
}

// NewSQLiteInvoiceRepository creates a new repository.
func NewSQLiteInvoiceRepository(dbConn *sql.DB) *SQLiteInvoiceRepository {
	return &SQLiteInvoiceRepository{dbConn: dbConn}
}

func (r *SQLiteInvoiceRepository) getDB(ctx context.Context) sqliteExecutor {
	return sqliteConn(ctx, r.dbConn)
}

const sqliteInvoiceColumns = `
	id, order_id, user_id, plan_id, number, amount, tax, tax_rate, total,
	currency, status, issued_at, paid_at, document_ref
`

// Create inserts an invoice. A second invoice for the same order yields domain.ErrInvoiceExists.
func (r *SQLiteInvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	_, err := r.getDB(ctx).ExecContext(ctx, `
		INSERT INTO invoices (`+sqliteInvoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID.String(), inv.OrderID.String(), inv.UserID.String(), inv.PlanID, inv.Number,
		inv.Amount.String(), inv.Tax.String(), inv.TaxRate.String(), inv.Total.String(),
		inv.Currency, string(inv.Status), sharedPersistence.FormatSQLiteTime(inv.IssuedAt),
		sharedPersistence.FormatSQLiteTimePtr(inv.PaidAt), inv.DocumentRef,
	)
	if database.IsUniqueViolation(err) {
		return domain.ErrInvoiceExists
	}
	return err
}

// FindByID returns the invoice or domain.ErrInvoiceNotFound.
func (r *SQLiteInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	inv, err := r.findOne(ctx, `SELECT `+sqliteInvoiceColumns+` FROM invoices WHERE id = ?`, id.String())
	if err == nil && inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, err
}

// FindByOrderID returns the order's invoice, or nil.
func (r *SQLiteInvoiceRepository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Invoice, error) {
	return r.findOne(ctx, `SELECT `+sqliteInvoiceColumns+` FROM invoices WHERE order_id = ?`, orderID.String())
}

// CountByOrderID returns how many invoices reference the order.
func (r *SQLiteInvoiceRepository) CountByOrderID(ctx context.Context, orderID uuid.UUID) (int, error) {
	var count int
	err := r.getDB(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE order_id = ?`, orderID.String()).Scan(&count)
	return count, err
}

// SetDocumentRef records where the rendered artifact is stored.
func (r *SQLiteInvoiceRepository) SetDocumentRef(ctx context.Context, id uuid.UUID, ref string) error {
	result, err := r.getDB(ctx).ExecContext(ctx,
		`UPDATE invoices SET document_ref = ? WHERE id = ?`, ref, id.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrInvoiceNotFound
	}
	return nil
}

func (r *SQLiteInvoiceRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Invoice, error) {
	var (
		inv                         domain.Invoice
		id, orderID, userID, status string
		amount, tax, taxRate, total string
		issuedAt                    string
		paidAt                      sql.NullString
	)
	err := r.getDB(ctx).QueryRowContext(ctx, query, args...).Scan(
		&id, &orderID, &userID, &inv.PlanID, &inv.Number, &amount, &tax, &taxRate, &total,
		&inv.Currency, &status, &issuedAt, &paidAt, &inv.DocumentRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if inv.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse invoice id: %w", err)
	}
	if inv.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("failed to parse order id: %w", err)
	}
	if inv.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("failed to parse user id: %w", err)
	}
	if err := parseInvoiceAmounts(&inv, amount, tax, taxRate, total); err != nil {
		return nil, err
	}
	if inv.IssuedAt, err = sharedPersistence.ParseSQLiteTime(issuedAt); err != nil {
		return nil, err
	}
	if inv.PaidAt, err = sharedPersistence.ParseSQLiteTimePtr(paidAt); err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	return &inv, nil
}

var _ domain.InvoiceRepository = (*SQLiteInvoiceRepository)(nil)
