package cli

import (
	"context"

	"github.com/felixgeelhaar/settle/adapter/api"
	billingApp "github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/settle/pkg/observability"
)

// App holds the CLI application dependencies.
type App struct {
	// Billing services
	Catalog       billingApp.PlanCatalog
	Ledger        *billingApp.Ledger
	Purchases     *billingApp.PurchaseService
	Poller        *billingApp.Poller
	Notifications *billingApp.NotificationService
	Fulfillment   *billingApp.FulfillmentService
	Reconciler    *billingApp.Reconciler
	Invoicer      *billingApp.Invoicer
	Entitlements  *billingApp.Service

	// Serving
	Server          *api.Server
	OutboxProcessor *outbox.Processor
	// RunOutbox starts the outbox processor next to the API server.
	RunOutbox bool

	Health *observability.HealthRegistry

	// Migrate applies the database schema.
	Migrate func(ctx context.Context) error

	closers []func()
}

// OnClose registers fn to run when the CLI exits.
func (a *App) OnClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything registered with OnClose, last first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
