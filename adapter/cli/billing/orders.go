package billing

import (
	"fmt"
	"io"
	"strings"
	"time"

	billingApp "github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/spf13/cobra"
)

var (
	orderUserID  string
	orderPlanID  string
	orderMethod  string
	orderKey     string
	orderStatus  string
	orderLimit   int
	orderTimeout time.Duration
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Create, inspect and await payment orders",
}

var ordersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open an order and print its payment handle",
	Long: `Opens an order for a user, or returns the open order for the same
purchase intent.

Examples:
  settle orders create --user 7b0c... --plan pro-monthly --method checkout_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		userID, err := parseID("user", orderUserID)
		if err != nil {
			return err
		}

		result, err := app.Purchases.Purchase(cmd.Context(), billingApp.CreateOrderCommand{
			UserID:         userID,
			PlanID:         orderPlanID,
			Method:         domain.PaymentMethod(orderMethod),
			IdempotencyKey: orderKey,
		})
		if result.Order != nil {
			printOrder(cmd.OutOrStdout(), result.Order)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if result.Reused {
			fmt.Fprintln(out, "Reused:    yes")
		}
		switch {
		case result.Handle.IsDemo():
			fmt.Fprintln(out, "Payment:   demo handle, payment collection is not configured")
		case result.Handle.RedirectURL != "":
			fmt.Fprintf(out, "Pay at:    %s\n", result.Handle.RedirectURL)
		default:
			fmt.Fprintf(out, "Pay code:  %s\n", result.Handle.CodePayload)
		}
		return nil
	},
}

var ordersShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		id, err := parseID("order", args[0])
		if err != nil {
			return err
		}
		order, err := app.Ledger.GetOrder(cmd.Context(), id)
		if err != nil {
			return err
		}
		printOrder(cmd.OutOrStdout(), order)
		return nil
	},
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's orders, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		userID, err := parseID("user", orderUserID)
		if err != nil {
			return err
		}
		var statuses []domain.OrderStatus
		if orderStatus != "" {
			for _, s := range strings.Split(orderStatus, ",") {
				statuses = append(statuses, domain.OrderStatus(strings.TrimSpace(s)))
			}
		}

		orders, err := app.Ledger.ListOrders(cmd.Context(), userID, statuses, orderLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(orders) == 0 {
			fmt.Fprintln(out, "No orders found.")
			return nil
		}
		for _, o := range orders {
			fmt.Fprintf(out, "%s  %-9s %-12s %-16s %s\n",
				o.ID(), o.Status(), o.PlanID(), o.Method(), formatAmount(o.Amount(), o.Currency()))
		}
		return nil
	},
}

var ordersWaitCmd = &cobra.Command{
	Use:   "wait <order-id>",
	Short: "Poll the gateway until the order settles",
	Long: `Polls the gateway at the configured interval until the order is paid,
canceled or failed. When the timeout passes first the order is left
pending; a late notification can still settle it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		id, err := parseID("order", args[0])
		if err != nil {
			return err
		}

		result, err := app.Poller.Wait(cmd.Context(), id, orderTimeout)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if result.TimedOut {
			fmt.Fprintf(out, "Order %s still %s after %d polls.\n", id, result.Status, result.Polls)
			return nil
		}
		fmt.Fprintf(out, "Order %s is %s.\n", id, result.Status)
		return nil
	},
}

func printOrder(out io.Writer, o *domain.Order) {
	fmt.Fprintf(out, "Order:     %s\n", o.ID())
	fmt.Fprintf(out, "User:      %s\n", o.UserID())
	fmt.Fprintf(out, "Plan:      %s\n", o.PlanID())
	fmt.Fprintf(out, "Method:    %s\n", o.Method())
	fmt.Fprintf(out, "Amount:    %s\n", formatAmount(o.Amount(), o.Currency()))
	fmt.Fprintf(out, "Status:    %s\n", o.Status())
	if ref := o.GatewayReference(); ref != "" {
		fmt.Fprintf(out, "Reference: %s\n", ref)
	}
	if o.FailedReason() != "" {
		fmt.Fprintf(out, "Reason:    %s\n", o.FailedReason())
	}
	fmt.Fprintf(out, "Paid:      %s\n", formatTime(o.PaidAt()))
}

func init() {
	ordersCreateCmd.Flags().StringVar(&orderUserID, "user", "", "user id")
	ordersCreateCmd.Flags().StringVar(&orderPlanID, "plan", "", "plan id")
	ordersCreateCmd.Flags().StringVar(&orderMethod, "method", string(domain.MethodCheckoutSession), "payment method")
	ordersCreateCmd.Flags().StringVar(&orderKey, "idempotency-key", "", "idempotency key")
	_ = ordersCreateCmd.MarkFlagRequired("user")
	_ = ordersCreateCmd.MarkFlagRequired("plan")

	ordersListCmd.Flags().StringVar(&orderUserID, "user", "", "user id")
	ordersListCmd.Flags().StringVar(&orderStatus, "status", "", "comma-separated statuses")
	ordersListCmd.Flags().IntVar(&orderLimit, "limit", 20, "maximum number of orders")
	_ = ordersListCmd.MarkFlagRequired("user")

	ordersWaitCmd.Flags().DurationVar(&orderTimeout, "timeout", 0, "maximum wait (default POLL_TIMEOUT)")

	ordersCmd.AddCommand(ordersCreateCmd)
	ordersCmd.AddCommand(ordersShowCmd)
	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersWaitCmd)
}
