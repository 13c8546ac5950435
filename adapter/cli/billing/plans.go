package billing

import (
	"fmt"
	"text/tabwriter"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List the plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDURATION\tPRICE\tQUOTA\tSETTLEMENTS")
		for _, p := range app.Catalog.List() {
			quota := "unlimited"
			if p.DownloadQuota > 0 {
				quota = fmt.Sprint(p.DownloadQuota)
			}
			settlements := ""
			for _, m := range domain.PaymentMethods() {
				amount, currency := p.SettlementAmount(m)
				if settlements != "" {
					settlements += ", "
				}
				settlements += fmt.Sprintf("%s=%s", m, formatAmount(amount, currency))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.Name, p.Duration, formatAmount(p.Price, p.Currency), quota, settlements)
		}
		return w.Flush()
	},
}
