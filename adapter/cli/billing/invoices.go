package billing

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var invoiceOut string

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Inspect and render invoices",
}

var invoicesShowCmd = &cobra.Command{
	Use:   "show <invoice-id>",
	Short: "Show an invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		id, err := parseID("invoice", args[0])
		if err != nil {
			return err
		}
		inv, err := app.Invoicer.GetInvoice(cmd.Context(), id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Invoice:  %s (%s)\n", inv.Number, inv.ID)
		fmt.Fprintf(out, "Order:    %s\n", inv.OrderID)
		fmt.Fprintf(out, "Plan:     %s\n", inv.PlanID)
		fmt.Fprintf(out, "Amount:   %s\n", formatAmount(inv.Amount, inv.Currency))
		fmt.Fprintf(out, "Tax:      %s (%s%%)\n", formatAmount(inv.Tax, inv.Currency), inv.TaxRate.Shift(2).String())
		fmt.Fprintf(out, "Total:    %s\n", formatAmount(inv.Total, inv.Currency))
		fmt.Fprintf(out, "Issued:   %s\n", formatTime(&inv.IssuedAt))
		if inv.HasDocument() {
			fmt.Fprintf(out, "Document: %s\n", inv.DocumentRef)
		} else {
			fmt.Fprintln(out, "Document: pending")
		}
		return nil
	},
}

var invoicesRenderCmd = &cobra.Command{
	Use:   "render <invoice-id>",
	Short: "Write the invoice document to a file",
	Long: `Writes the rendered invoice. A missing document is regenerated from the
stored invoice first.

Examples:
  settle invoices render 5f0d... --out invoice.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		id, err := parseID("invoice", args[0])
		if err != nil {
			return err
		}

		doc, _, err := app.Invoicer.Document(cmd.Context(), id)
		if err != nil {
			return err
		}
		defer doc.Close()

		path := invoiceOut
		if path == "" {
			path = "invoice-" + id.String() + ".pdf"
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		n, err := io.Copy(f, doc)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes).\n", path, n)
		return nil
	},
}

func init() {
	invoicesRenderCmd.Flags().StringVarP(&invoiceOut, "out", "o", "", "output file (default invoice-<id>.pdf)")

	invoicesCmd.AddCommand(invoicesShowCmd)
	invoicesCmd.AddCommand(invoicesRenderCmd)
}
