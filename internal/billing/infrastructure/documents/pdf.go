// Package documents renders invoice artifacts and keeps them on a filesystem.
package documents

import (
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/go-pdf/fpdf"
)

// PDFRenderer renders invoices as single-page A4 PDFs. Document dates are
// taken from the invoice so re-rendering yields the same bytes.
type PDFRenderer struct{}

// NewPDFRenderer creates a new PDF renderer.
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) ContentType() string { return "application/pdf" }
func (r *PDFRenderer) Extension() string   { return ".pdf" }

// Render writes the invoice document to w.
func (r *PDFRenderer) Render(w io.Writer, doc application.InvoiceDocument) error {
	inv := doc.Invoice
	if inv == nil {
		return fmt.Errorf("invoice is required")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(inv.IssuedAt)
	pdf.SetModificationDate(inv.IssuedAt)
	pdf.SetTitle("Invoice "+inv.Number, true)
	pdf.SetAuthor(doc.Seller, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "Invoice")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	header := [][2]string{
		{"Invoice number", inv.Number},
		{"Issued", inv.IssuedAt.UTC().Format("2006-01-02")},
		{"Seller", doc.Seller},
		{"Customer", inv.UserID.String()},
		{"Order", inv.OrderID.String()},
		{"Status", string(inv.Status)},
	}
	if inv.PaidAt != nil {
		header = append(header, [2]string{"Paid", inv.PaidAt.UTC().Format(time.RFC3339)})
	}
	if doc.Order != nil {
		header = append(header, [2]string{"Payment method", string(doc.Order.Method())})
	}
	for _, row := range header {
		pdf.CellFormat(45, 6, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(235, 235, 235)
	pdf.CellFormat(120, 8, "Description", "1", 0, "L", true, 0, "")
	pdf.CellFormat(0, 8, "Amount", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(120, 8, description(doc), "1", 0, "L", false, 0, "")
	pdf.CellFormat(0, 8, money(inv.Amount.StringFixed(domain.MinorUnits(inv.Currency)), inv.Currency), "1", 1, "R", false, 0, "")

	pdf.CellFormat(120, 8, fmt.Sprintf("Tax (%s%%)", inv.TaxRate.Shift(2).String()), "1", 0, "R", false, 0, "")
	pdf.CellFormat(0, 8, money(inv.Tax.StringFixed(domain.MinorUnits(inv.Currency)), inv.Currency), "1", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(120, 8, "Total", "1", 0, "R", false, 0, "")
	pdf.CellFormat(0, 8, money(inv.Total.StringFixed(domain.MinorUnits(inv.Currency)), inv.Currency), "1", 1, "R", false, 0, "")

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render invoice %s: %w", inv.Number, err)
	}
	return nil
}

func description(doc application.InvoiceDocument) string {
	name := doc.Plan.Name
	if name == "" {
		name = doc.Invoice.PlanID
	}
	if doc.Plan.Duration != "" {
		return fmt.Sprintf("%s (%s)", name, doc.Plan.Duration)
	}
	return name
}

func money(amount, currency string) string {
	return amount + " " + currency
}

var _ application.DocumentRenderer = (*PDFRenderer)(nil)
