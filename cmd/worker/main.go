package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/settle/internal/app"
	billingApp "github.com/felixgeelhaar/settle/internal/billing/application"
	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/settle/pkg/config"
	"github.com/felixgeelhaar/settle/pkg/observability"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.LoggerFor(cfg.AppEnv, cfg.LogLevel, cfg.LogFormat, version).With("component", "worker")
	logger.Info("starting settle worker")

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if err := run(ctx, cfg, container, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, c *app.Container, logger *slog.Logger) error {
	processor := c.OutboxProcessor

	logger.Info("starting outbox processor",
		"poll_interval", cfg.OutboxPollInterval,
		"batch_size", cfg.OutboxBatchSize,
		"max_attempts", cfg.OutboxMaxAttempts,
	)
	if err := processor.Start(ctx); err != nil {
		return err
	}
	defer processor.Stop()

	// Consume billing events from RabbitMQ. Without it the container dispatches in process.
	if c.LocalBus == nil && cfg.RabbitMQURL != "" {
		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
			URL:                cfg.RabbitMQURL,
			QueueName:          eventbus.DefaultQueueName,
			Exchange:           eventbus.ExchangeName,
			DeadLetterExchange: eventbus.ExchangeName + ".dead",
			Prefetch:           cfg.OutboxBatchSize,
			Logger:             logger,
		}, c.Router)
		if err != nil {
			return err
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event consumer stopped", "error", err)
			}
		}()
	}

	every(ctx, cfg.RepairInterval, func() {
		stats, err := observability.TimeOperationResult(ctx, logger, c.Metrics, "fulfillment.repair", func() (billingApp.RepairStats, error) {
			return c.Fulfillment.RepairDue(ctx)
		})
		if err != nil {
			logger.Error("fulfillment repair failed", "error", err)
			return
		}
		if stats.Attempted > 0 {
			logger.Info("fulfillment repair completed",
				"attempted", stats.Attempted,
				"completed", stats.Completed,
				"failed", stats.Failed,
			)
		}
	})

	every(ctx, cfg.ReconcileInterval, func() {
		stats, err := observability.TimeOperationResult(ctx, logger, c.Metrics, "orders.reconcile", func() (billingApp.ReconcileStats, error) {
			return c.Reconciler.ReconcileStale(ctx)
		})
		if err != nil {
			logger.Error("stale order reconciliation failed", "error", err)
			return
		}
		if stats.Checked > 0 {
			logger.Info("stale orders reconciled",
				"checked", stats.Checked,
				"settled", stats.Settled,
				"unchanged", stats.Unchanged,
				"errors", stats.Errors,
			)
		}
	})

	every(ctx, cfg.OutboxCleanupInterval, func() {
		deleted, err := c.Repos.Outbox.DeleteOld(ctx, cfg.OutboxRetentionDays)
		if err != nil {
			logger.Error("outbox cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("outbox cleanup completed", "deleted", deleted, "retention_days", cfg.OutboxRetentionDays)
		}
	})

	if cfg.WorkerHealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           healthMux(c),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	// Block until SIGINT or SIGTERM.
	<-ctx.Done()
	logger.Info("shutting down worker")
	return nil
}

// every runs fn on a ticker until ctx ends. A non-positive interval disables it.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func healthMux(c *app.Container) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := c.OutboxProcessor.GetStats()
		backlog, err := c.Repos.Outbox.Backlog(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		response := map[string]any{
			"status":            "ok",
			"running":           stats.IsRunning,
			"published":         stats.PublishedCount,
			"failed":            stats.FailedCount,
			"dead":              stats.DeadCount,
			"lag_seconds":       stats.LagSeconds,
			"last_processed_at": stats.LastProcessedAt,
			"last_error_at":     stats.LastErrorAt,
			"last_error":        stats.LastError,
			"pending":           backlog.Pending,
			"dead_lettered":     backlog.Dead,
			"oldest_pending_at": backlog.OldestPendingAt,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := c.Health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status == observability.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.Handle("/metrics", c.Metrics.Handler())
	return mux
}
