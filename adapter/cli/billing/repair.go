package billing

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run one fulfillment repair and stale-order reconciliation pass",
	Long: `Retries due activations and invoice renders, then asks the gateways
about pending orders older than ORDER_EXPIRY. The worker runs the same
passes on a ticker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		repaired, err := app.Fulfillment.RepairDue(ctx)
		if err != nil {
			return err
		}
		if repaired.Skipped {
			fmt.Fprintln(out, "Repair skipped, another process holds the lock.")
		} else {
			fmt.Fprintf(out, "Repair: %d attempted, %d completed, %d failed\n",
				repaired.Attempted, repaired.Completed, repaired.Failed)
		}

		reconciled, err := app.Reconciler.ReconcileStale(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Reconcile: %d checked, %d settled, %d unchanged, %d errors\n",
			reconciled.Checked, reconciled.Settled, reconciled.Unchanged, reconciled.Errors)
		return nil
	},
}
