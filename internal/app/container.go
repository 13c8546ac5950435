package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	billingApp "github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/billing/application/subscribers"
	billingDomain "github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/catalog"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/documents"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/gateway/checkout"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/gateway/qrpay"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/lock"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/numbering"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/settle/pkg/config"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database
	DB *database.Handle

	// Redis
	RedisClient *redis.Client

	// Repositories
	Repos *Repositories

	// Catalog, gateways and invoice infrastructure
	Catalog   *catalog.Catalog
	Gateways  *billingApp.Gateways
	Documents billingApp.DocumentStore
	Locker    billingApp.Locker

	// Events. LocalBus is set when events are dispatched in process.
	EventPublisher eventbus.Publisher
	LocalBus       *eventbus.LocalBus
	Router         *eventbus.Router

	// Observability
	Metrics *observability.PrometheusMetrics
	Health  *observability.HealthRegistry

	// Billing services
	Ledger        *billingApp.Ledger
	Activator     *billingApp.Activator
	Invoicer      *billingApp.Invoicer
	Fulfillment   *billingApp.FulfillmentService
	Reconciler    *billingApp.Reconciler
	Purchases     *billingApp.PurchaseService
	Notifications *billingApp.NotificationService
	Poller        *billingApp.Poller
	Entitlements  *billingApp.Service

	// Outbox Processor
	OutboxProcessor *outbox.Processor
}

// Option customizes container wiring.
type Option func(*options)

type options struct {
	adapters  []billingDomain.GatewayAdapter
	clock     billingApp.Clock
	documents billingApp.DocumentStore
}

// WithGatewayAdapters replaces the gateways built from configuration.
func WithGatewayAdapters(adapters ...billingDomain.GatewayAdapter) Option {
	return func(o *options) { o.adapters = adapters }
}

// WithClock overrides the time source of every billing service.
func WithClock(clock billingApp.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDocumentStore replaces the filesystem invoice store.
func WithDocumentStore(store billingApp.DocumentStore) Option {
	return func(o *options) { o.documents = store }
}

// NewContainer creates and wires all dependencies. SQLite databases are
// migrated on start; PostgreSQL is migrated with `settle migrate`.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewPrometheusMetrics(),
		Health:  observability.NewHealthRegistry(2 * time.Second),
	}

	if err := c.connectDatabase(ctx); err != nil {
		c.Close()
		return nil, err
	}

	repos, err := NewRepositoryFactory(c.DB).Repositories()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Repos = repos

	if err := c.wireInfrastructure(ctx, o); err != nil {
		c.Close()
		return nil, err
	}
	c.wireServices(o)

	// Create outbox processor
	processorConfig := outbox.ProcessorConfig{
		PollInterval:     cfg.OutboxPollInterval,
		BatchSize:        cfg.OutboxBatchSize,
		MaxAttempts:      cfg.OutboxMaxAttempts,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  5 * time.Minute,
	}
	c.OutboxProcessor = outbox.NewProcessor(c.Repos.Outbox, c.EventPublisher, processorConfig, logger).WithMetrics(c.Metrics)

	logger.Info("container ready",
		"driver", c.DB.Driver,
		"gateways", len(c.Gateways.Providers()),
		"redis", c.RedisClient != nil,
	)
	return c, nil
}

func (c *Container) connectDatabase(ctx context.Context) error {
	cfg := c.Config
	driver, err := database.ParseDriver(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	h, err := database.Open(ctx, database.Config{
		Driver:     driver,
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DB = h
	c.Health.Register("database", observability.PingChecker("database", observability.HealthStatusUnhealthy, h.Ping))

	if h.Driver == database.DriverSQLite {
		if err := h.Migrate(ctx); err != nil {
			return err
		}
	}

	c.Logger.Info("connected to database", "driver", h.Driver)
	return nil
}

// Migrate applies the schema for the configured driver.
func (c *Container) Migrate(ctx context.Context) error {
	return c.DB.Migrate(ctx)
}

func (c *Container) wireInfrastructure(ctx context.Context, o *options) error {
	cfg, logger := c.Config, c.Logger

	plans, err := catalog.Load(cfg.PlanCatalogPath)
	if err != nil {
		return err
	}
	c.Catalog = plans

	// Connect to Redis (optional in development)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			if !cfg.IsDevelopment() {
				return fmt.Errorf("failed to parse Redis URL: %w", err)
			}
			logger.Warn("invalid Redis URL, worker locks will be process-local", "error", err)
		} else {
			redisClient := redis.NewClient(opt)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				_ = redisClient.Close()
				if !cfg.IsDevelopment() {
					return fmt.Errorf("failed to connect to Redis: %w", err)
				}
				logger.Warn("Redis not available, worker locks will be process-local", "error", err)
			} else {
				c.RedisClient = redisClient
				logger.Info("connected to Redis")
			}
		}
	}
	if c.RedisClient != nil {
		c.Locker = lock.NewRedisLocker(c.RedisClient, logger)
		c.Health.Register("redis", observability.PingChecker("redis", observability.HealthStatusDegraded, func(ctx context.Context) error {
			return c.RedisClient.Ping(ctx).Err()
		}))
	} else {
		c.Locker = lock.NewLocalLocker()
	}

	// Event routing
	c.Router = eventbus.NewRouter(logger)
	c.Router.Register(subscribers.NewLatePaymentAlert(logger, c.Metrics))
	if cfg.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, dispatching events in process", "error", err)
		} else {
			c.EventPublisher = publisher
		}
	}
	if c.EventPublisher == nil {
		c.LocalBus = eventbus.NewLocalBus(c.Router, logger)
		c.EventPublisher = c.LocalBus
	}

	// Invoice artifacts
	if o.documents != nil {
		c.Documents = o.documents
	} else {
		c.Documents = documents.NewOSStore(cfg.InvoiceDir)
	}

	// Gateways
	adapters := o.adapters
	if adapters == nil {
		adapters, err = buildGateways(cfg, logger)
		if err != nil {
			return err
		}
	}
	c.Gateways = billingApp.NewGateways(adapters...)
	return nil
}

// buildGateways creates the configured gateway adapters. The QR adapter is
// always present and falls back to demo handles without credentials; the
// checkout adapter only exists when its credentials are set.
func buildGateways(cfg *config.Config, logger *slog.Logger) ([]billingDomain.GatewayAdapter, error) {
	var adapters []billingDomain.GatewayAdapter

	if cfg.CheckoutEnabled() {
		a, err := checkout.New(checkout.Config{
			SecretKey:     cfg.CheckoutSecretKey,
			WebhookSecret: cfg.CheckoutWebhookSecret,
			SuccessURL:    cfg.CheckoutSuccessURL,
			CancelURL:     cfg.CheckoutCancelURL,
		}, logger)
		if err != nil {
			return nil, billingDomain.NewError(billingDomain.CodeConfig, "configure checkout gateway", err)
		}
		adapters = append(adapters, a)
	}

	qr, err := qrpay.New(qrpay.Config{
		BaseURL:           cfg.QRBaseURL,
		MerchantID:        cfg.QRMerchantID,
		Secret:            cfg.QRSecret,
		NotifyURL:         cfg.QRNotifyURL,
		RequestsPerSecond: cfg.QRRequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, billingDomain.NewError(billingDomain.CodeConfig, "configure qr gateway", err)
	}
	if qr.Demo() {
		logger.Warn("QR gateway not configured, purchases return demo payment handles")
	}
	adapters = append(adapters, qr)
	return adapters, nil
}

func (c *Container) wireServices(o *options) {
	cfg, logger, repos := c.Config, c.Logger, c.Repos

	c.Entitlements = billingApp.NewService(repos.Subscriptions, c.Catalog).WithClock(o.clock)

	c.Ledger = billingApp.NewLedger(repos.Orders, repos.Fulfillments, repos.Outbox, repos.UnitOfWork, c.Catalog, logger).
		WithOrderTTL(cfg.OrderTTL).
		WithClock(o.clock).
		WithMetrics(c.Metrics)

	c.Activator = billingApp.NewActivator(repos.Subscriptions, repos.Outbox, repos.UnitOfWork, logger).WithClock(o.clock)

	numberer, err := numbering.NewSnowflake(cfg.InvoiceNode)
	if err != nil {
		// Validate rejects bad node ids; fall back to node 0 for direct callers.
		logger.Warn("invalid invoice node, using node 0", "node", cfg.InvoiceNode, "error", err)
		numberer, _ = numbering.NewSnowflake(0)
	}
	c.Invoicer = billingApp.NewInvoicer(
		repos.Invoices,
		repos.Orders,
		c.Catalog,
		documents.NewPDFRenderer(),
		c.Documents,
		numberer,
		repos.Outbox,
		repos.UnitOfWork,
		billingApp.InvoiceSettings{TaxRate: cfg.TaxRate, Seller: cfg.Seller},
		logger,
	).WithClock(o.clock)

	repair := billingApp.DefaultRepairConfig()
	if cfg.RepairBatchSize > 0 {
		repair.BatchSize = cfg.RepairBatchSize
	}
	if cfg.LockTTL > 0 {
		repair.LockTTL = cfg.LockTTL
	}
	c.Fulfillment = billingApp.NewFulfillmentService(
		repos.Orders,
		repos.Fulfillments,
		c.Catalog,
		c.Activator,
		c.Invoicer,
		c.Locker,
		repair,
		logger,
	).WithClock(o.clock).WithMetrics(c.Metrics)
	c.Ledger.WithFulfiller(c.Fulfillment)

	c.Reconciler = billingApp.NewReconciler(c.Ledger, repos.Orders, c.Gateways, cfg.StaleAfter, logger).
		WithClock(o.clock).
		WithMetrics(c.Metrics)

	c.Purchases = billingApp.NewPurchaseService(c.Ledger, c.Gateways, c.Catalog, c.Reconciler, logger).WithClock(o.clock)

	c.Notifications = billingApp.NewNotificationService(
		c.Gateways,
		c.Ledger,
		repos.WebhookEvents,
		repos.Subscriptions,
		repos.Outbox,
		logger,
	).WithClock(o.clock).WithMetrics(c.Metrics)

	c.Poller = billingApp.NewPoller(c.Ledger, c.Gateways, logger).
		WithTiming(cfg.PollInterval, cfg.PollTimeout).
		WithMetrics(c.Metrics)
}

// Close cleans up all resources.
func (c *Container) Close() {
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("error closing database connection", "error", err)
		} else {
			c.Logger.Info("database connection closed", "driver", c.DB.Driver)
		}
	}
}
