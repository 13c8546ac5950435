package billing

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	subscriptionUserID  string
	subscriptionHistory bool
)

var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Show a user's subscription and download allowance",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		userID, err := parseID("user", subscriptionUserID)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		subscription, err := app.Entitlements.GetSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if subscription == nil {
			fmt.Fprintln(out, "No subscription found.")
			return nil
		}
		ent, err := app.Entitlements.GetEntitlement(ctx, userID)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Subscription: %s (%s)\n", subscription.PlanID, subscription.Status)
		fmt.Fprintf(out, "Paid with:    %s\n", subscription.PaymentMethod)
		if subscription.IsLifetime() {
			fmt.Fprintln(out, "Access:       lifetime")
		} else {
			verb := "Renews"
			if subscription.CancelAtPeriodEnd {
				verb = "Ends"
			}
			fmt.Fprintf(out, "%-14s%s\n", verb+":", formatTime(&subscription.CurrentPeriodEnd))
		}
		if ent.Unlimited() {
			fmt.Fprintf(out, "Downloads:    %d (unlimited)\n", ent.DownloadsUsed)
		} else {
			fmt.Fprintf(out, "Downloads:    %d of %d\n", ent.DownloadsUsed, ent.DownloadQuota)
		}

		if !subscriptionHistory {
			return nil
		}
		history, err := app.Entitlements.History(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "History (%d):\n", len(history))
		for _, h := range history {
			fmt.Fprintf(out, "  %s  %-10s %s\n", h.CreatedAt.Local().Format("2006-01-02"), h.Change, h.PlanID)
		}
		return nil
	},
}

func init() {
	subscriptionCmd.Flags().StringVar(&subscriptionUserID, "user", "", "user id")
	subscriptionCmd.Flags().BoolVar(&subscriptionHistory, "history", false, "include subscription history")
	_ = subscriptionCmd.MarkFlagRequired("user")
}
