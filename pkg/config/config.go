package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv    string
	LogLevel  string
	LogFormat string
	HTTPAddr  string

	// Database
	DatabaseURL    string
	DatabaseDriver string
	SQLitePath     string

	// Redis
	RedisURL string

	// RabbitMQ
	RabbitMQURL string

	// Outbox
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxMaxAttempts      int
	OutboxRetentionDays    int
	OutboxCleanupInterval  time.Duration
	OutboxProcessorEnabled bool

	// Worker
	WorkerHealthAddr  string
	RepairInterval    time.Duration
	RepairBatchSize   int
	ReconcileInterval time.Duration
	LockTTL           time.Duration

	// Orders
	OrderTTL     time.Duration
	StaleAfter   time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxLongPoll  time.Duration

	// Catalog and invoices
	PlanCatalogPath string
	TaxRate         decimal.Decimal
	Seller          string
	InvoiceDir      string
	InvoiceNode     int64

	// Checkout-session gateway
	CheckoutSecretKey     string
	CheckoutWebhookSecret string
	CheckoutSuccessURL    string
	CheckoutCancelURL     string

	// QR gateway
	QRBaseURL           string
	QRMerchantID        string
	QRSecret            string
	QRNotifyURL         string
	QRRequestsPerSecond float64
}

// Load loads configuration from environment variables. Explicit env files
// must exist; without them a .env in the working directory is optional.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("%w: failed to load env file: %v", domain.ErrConfig, err)
		}
	} else {
		_ = godotenv.Load()
	}

	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.06"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid TAX_RATE: %v", domain.ErrConfig, err)
	}

	databaseURL := getEnv("DATABASE_URL", "")
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
		HTTPAddr:  getEnv("HTTP_ADDR", "0.0.0.0:8080"),

		DatabaseURL:    databaseURL,
		DatabaseDriver: getEnv("DATABASE_DRIVER", detectDriver(databaseURL)),
		SQLitePath:     getEnv("SQLITE_PATH", ""),

		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		OutboxPollInterval:     getDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:        getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts:      getIntEnv("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxRetentionDays:    getIntEnv("OUTBOX_RETENTION_DAYS", 14),
		OutboxCleanupInterval:  getDurationEnv("OUTBOX_CLEANUP_INTERVAL", 24*time.Hour),
		OutboxProcessorEnabled: getBoolEnv("OUTBOX_PROCESSOR_ENABLED", true),

		WorkerHealthAddr:  getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),
		RepairInterval:    getDurationEnv("REPAIR_INTERVAL", 30*time.Second),
		RepairBatchSize:   getIntEnv("REPAIR_BATCH_SIZE", 50),
		ReconcileInterval: getDurationEnv("RECONCILE_INTERVAL", time.Minute),
		LockTTL:           getDurationEnv("LOCK_TTL", 2*time.Minute),

		OrderTTL:     getDurationEnv("ORDER_TTL", 30*time.Minute),
		StaleAfter:   getDurationEnv("ORDER_EXPIRY", 15*time.Minute),
		PollInterval: getDurationEnv("POLL_INTERVAL", 2*time.Second),
		PollTimeout:  getDurationEnv("POLL_TIMEOUT", 10*time.Minute),
		MaxLongPoll:  getDurationEnv("MAX_LONG_POLL", 30*time.Second),

		PlanCatalogPath: getEnv("PLAN_CATALOG_PATH", ""),
		TaxRate:         taxRate,
		Seller:          getEnv("INVOICE_SELLER", "Settle"),
		InvoiceDir:      getEnv("INVOICE_DIR", "./data/invoices"),
		InvoiceNode:     int64(getIntEnv("INVOICE_NODE", 1)),

		CheckoutSecretKey:     getEnv("STRIPE_API_KEY", ""),
		CheckoutWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:     getEnv("CHECKOUT_CANCEL_URL", ""),

		QRBaseURL:           getEnv("QR_API_URL", ""),
		QRMerchantID:        getEnv("QR_MERCHANT_ID", ""),
		QRSecret:            getEnv("QR_SECRET", ""),
		QRNotifyURL:         getEnv("QR_NOTIFY_URL", ""),
		QRRequestsPerSecond: getFloatEnv("QR_REQUESTS_PER_SECOND", 20),
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// CheckoutEnabled reports whether any checkout-session credential is set.
func (c *Config) CheckoutEnabled() bool {
	return c.CheckoutSecretKey != "" || c.CheckoutWebhookSecret != ""
}

// QREnabled reports whether the QR merchant account is configured.
func (c *Config) QREnabled() bool {
	return c.QRBaseURL != "" && c.QRMerchantID != "" && c.QRSecret != ""
}

// Validate reports every configuration problem at once. Production requires
// at least one real gateway; a partially configured gateway is always an error.
func (c *Config) Validate() error {
	var errs []error

	if c.CheckoutEnabled() {
		for name, v := range map[string]string{
			"STRIPE_API_KEY":        c.CheckoutSecretKey,
			"STRIPE_WEBHOOK_SECRET": c.CheckoutWebhookSecret,
			"CHECKOUT_SUCCESS_URL":  c.CheckoutSuccessURL,
			"CHECKOUT_CANCEL_URL":   c.CheckoutCancelURL,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required when the checkout gateway is enabled", name))
			}
		}
	}

	qrSet := 0
	for _, v := range []string{c.QRBaseURL, c.QRMerchantID, c.QRSecret} {
		if v != "" {
			qrSet++
		}
	}
	if qrSet > 0 && qrSet < 3 {
		errs = append(errs, errors.New("QR_API_URL, QR_MERCHANT_ID and QR_SECRET must be set together"))
	}
	if c.QRBaseURL != "" {
		if u, err := url.Parse(c.QRBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("QR_API_URL %q is not an absolute URL", c.QRBaseURL))
		}
	}

	if c.IsProduction() && !c.CheckoutEnabled() && !c.QREnabled() {
		errs = append(errs, errors.New("no payment gateway is configured"))
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("TAX_RATE %s must be in [0, 1)", c.TaxRate))
	}
	if c.InvoiceNode < 0 || c.InvoiceNode > 1023 {
		errs = append(errs, fmt.Errorf("INVOICE_NODE %d must be in [0, 1023]", c.InvoiceNode))
	}
	if c.PollInterval <= 0 || c.PollTimeout < c.PollInterval {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive and not exceed POLL_TIMEOUT"))
	}
	if c.OrderTTL <= 0 || c.StaleAfter <= 0 {
		errs = append(errs, errors.New("ORDER_TTL and ORDER_EXPIRY must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return domain.NewError(domain.CodeConfig, "validate config",
		fmt.Errorf("%w: %w", domain.ErrConfig, errors.Join(errs...)))
}

func detectDriver(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
