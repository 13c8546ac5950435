package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/settle/adapter/api"
	"github.com/felixgeelhaar/settle/adapter/cli"
	cliBilling "github.com/felixgeelhaar/settle/adapter/cli/billing"
	"github.com/felixgeelhaar/settle/internal/app"
	"github.com/felixgeelhaar/settle/internal/billing/infrastructure/gateway/qrpay"
	"github.com/felixgeelhaar/settle/pkg/config"
	"github.com/felixgeelhaar/settle/pkg/observability"
)

func main() {
	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cli.SetLogger(observability.LoggerFor(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), cli.Version))
	cli.SetInitializer(initialize)

	// Register commands
	for _, cmd := range cliBilling.Commands() {
		cli.AddCommand(cmd)
	}

	// Execute CLI
	cli.Execute(ctx)
}

// initialize loads configuration and wires the container into the CLI app.
func initialize(ctx context.Context, envFile string) (*cli.App, error) {
	var (
		cfg *config.Config
		err error
	)
	if envFile != "" {
		cfg, err = config.Load(envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if cli.Verbose() {
		level = "debug"
	}
	logger := observability.LoggerFor(cfg.AppEnv, level, cfg.LogFormat, cli.Version)
	cli.SetLogger(logger)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	handler := api.NewBillingHandler(api.BillingHandlerConfig{
		Purchases:     container.Purchases,
		Ledger:        container.Ledger,
		Poller:        container.Poller,
		Notifications: container.Notifications,
		Fulfillment:   container.Fulfillment,
		Invoicer:      container.Invoicer,
		Entitlements:  container.Entitlements,
		Catalog:       container.Catalog,
		MaxLongPoll:   cfg.MaxLongPoll,
		NotificationAcks: map[string]string{
			qrpay.Provider: qrpay.NotificationAck,
		},
		Logger: logger,
	})
	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.HTTPAddr

	cliApp := &cli.App{
		Catalog:         container.Catalog,
		Ledger:          container.Ledger,
		Purchases:       container.Purchases,
		Poller:          container.Poller,
		Notifications:   container.Notifications,
		Fulfillment:     container.Fulfillment,
		Reconciler:      container.Reconciler,
		Invoicer:        container.Invoicer,
		Entitlements:    container.Entitlements,
		Server:          api.NewServer(serverCfg, handler, container.Health, container.Metrics, logger),
		OutboxProcessor: container.OutboxProcessor,
		RunOutbox:       cfg.OutboxProcessorEnabled,
		Health:          container.Health,
		Migrate:         container.Migrate,
	}
	cliApp.OnClose(container.Close)
	return cliApp, nil
}
