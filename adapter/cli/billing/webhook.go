package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/security"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// maxEventFile matches the body limit of the HTTP notification endpoint.
const maxEventFile = 1 << 20

var (
	webhookProvider  string
	webhookEventPath string
	webhookHeaders   []string
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Work with gateway notifications",
}

var webhookReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a captured gateway notification",
	Long: `Feeds a captured notification body through verification and the ledger,
exactly as the webhook endpoint would. The signature headers of the
original delivery must be supplied.

Examples:
  settle webhook replay --provider checkout --event ./event.json \
    --header "Stripe-Signature=t=1700000000,v1=..."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		if webhookProvider == "" {
			return errors.New("provider is required")
		}
		if webhookEventPath == "" {
			return errors.New("event path is required")
		}

		body, err := security.ReadFile(afero.NewOsFs(), webhookEventPath, maxEventFile)
		if err != nil {
			return err
		}
		headers, err := parseHeaders(webhookHeaders)
		if err != nil {
			return err
		}

		result, err := app.Notifications.Handle(cmd.Context(), webhookProvider, domain.RawNotification{
			Headers: headers,
			Body:    body,
		})
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Outcome: %s\n", result.Outcome)
		if result.OrderID != nil {
			fmt.Fprintf(out, "Order:   %s (%s)\n", result.OrderID, result.Status)
		}
		return err
	},
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected Name=value", h)
		}
		headers[strings.TrimSpace(name)] = value
	}
	return headers, nil
}

func init() {
	webhookReplayCmd.Flags().StringVar(&webhookProvider, "provider", "", "gateway provider name")
	webhookReplayCmd.Flags().StringVar(&webhookEventPath, "event", "", "path to the notification body")
	webhookReplayCmd.Flags().StringArrayVarP(&webhookHeaders, "header", "H", nil, "request header as Name=value (repeatable)")

	webhookCmd.AddCommand(webhookReplayCmd)
}
