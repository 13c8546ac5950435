// Package billing provides the order, invoice and subscription commands.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/settle/adapter/cli"
	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var errNoApp = errors.New("billing commands require database connection")

// Commands returns the top-level billing commands.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		plansCmd,
		ordersCmd,
		invoicesCmd,
		webhookCmd,
		subscriptionCmd,
		repairCmd,
	}
}

func requireApp() (*cli.App, error) {
	app := cli.GetApp()
	if app == nil {
		return nil, errNoApp
	}
	return app, nil
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, err)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC1123)
}

func formatAmount(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(domain.MinorUnits(currency)) + " " + currency
}
