package app

import (
	"fmt"

	billingDomain "github.com/felixgeelhaar/settle/internal/billing/domain"
	billingPersistence "github.com/felixgeelhaar/settle/internal/billing/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/settle/internal/shared/application"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/felixgeelhaar/settle/internal/shared/infrastructure/persistence"
)

// Repositories groups every store the billing core writes to.
type Repositories struct {
	Orders        billingDomain.OrderRepository
	Subscriptions billingDomain.SubscriptionRepository
	Invoices      billingDomain.InvoiceRepository
	Fulfillments  billingDomain.FulfillmentRepository
	WebhookEvents billingDomain.WebhookEventRepository
	Outbox        outbox.Repository
	UnitOfWork    sharedApplication.UnitOfWork
}

// RepositoryFactory builds the repository set matching an open database.
type RepositoryFactory struct {
	db *database.Handle
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(db *database.Handle) *RepositoryFactory {
	return &RepositoryFactory{db: db}
}

// Repositories creates the full repository set for the handle's driver.
func (f *RepositoryFactory) Repositories() (*Repositories, error) {
	switch f.db.Driver {
	case database.DriverPostgres:
		pool := f.db.Pool
		if pool == nil {
			return nil, fmt.Errorf("postgres handle has no pool")
		}
		return &Repositories{
			Orders:        billingPersistence.NewPostgresOrderRepository(pool),
			Subscriptions: billingPersistence.NewPostgresSubscriptionRepository(pool),
			Invoices:      billingPersistence.NewPostgresInvoiceRepository(pool),
			Fulfillments:  billingPersistence.NewPostgresFulfillmentRepository(pool),
			WebhookEvents: billingPersistence.NewPostgresWebhookEventRepository(pool),
			Outbox:        outbox.NewPostgresRepository(pool),
			UnitOfWork:    sharedPersistence.NewPostgresUnitOfWork(pool),
		}, nil

	case database.DriverSQLite:
		db := f.db.DB
		if db == nil {
			return nil, fmt.Errorf("sqlite handle has no database")
		}
		return &Repositories{
			Orders:        billingPersistence.NewSQLiteOrderRepository(db),
			Subscriptions: billingPersistence.NewSQLiteSubscriptionRepository(db),
			Invoices:      billingPersistence.NewSQLiteInvoiceRepository(db),
			Fulfillments:  billingPersistence.NewSQLiteFulfillmentRepository(db),
			WebhookEvents: billingPersistence.NewSQLiteWebhookEventRepository(db),
			Outbox:        outbox.NewSQLiteRepository(db),
			UnitOfWork:    sharedPersistence.NewSQLiteUnitOfWork(db),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.db.Driver)
	}
}
