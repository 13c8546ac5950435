// Package api provides the HTTP API of the settle billing core.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/settle/pkg/observability"
)

// Server is the HTTP API server for orders, webhooks, invoices and entitlements.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
	handler *BillingHandler
	health  *observability.HealthRegistry
	metrics *observability.PrometheusMetrics
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration. The write
// timeout leaves room for long-polled status requests.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new billing API server. health and metrics may be nil.
func NewServer(cfg ServerConfig, handler *BillingHandler, health *observability.HealthRegistry, metrics *observability.PrometheusMetrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		handler: handler,
		health:  health,
		metrics: metrics,
	}

	s.registerRoutes()

	var sink observability.Metrics = observability.NoopMetrics{}
	if metrics != nil {
		sink = metrics
	}

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      withRequestContext(withMetrics(s.mux, sink), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Catalog
	s.mux.HandleFunc("GET /api/v1/plans", s.handler.ListPlans)

	// Orders
	s.mux.HandleFunc("POST /api/v1/orders", s.handler.CreateOrder)
	s.mux.HandleFunc("GET /api/v1/orders/{id}", s.handler.GetOrder)
	s.mux.HandleFunc("GET /api/v1/orders/{id}/status", s.handler.GetOrderStatus)

	// Gateway notifications
	s.mux.HandleFunc("POST /api/v1/webhooks/{provider}", s.handler.HandleWebhook)

	// Invoices
	s.mux.HandleFunc("GET /api/v1/invoices/{id}", s.handler.GetInvoice)
	s.mux.HandleFunc("GET /api/v1/invoices/{id}/document", s.handler.GetInvoiceDocument)

	// Entitlements
	s.mux.HandleFunc("GET /api/v1/users/{userID}/subscription", s.handler.GetSubscription)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/orders", s.handler.ListOrders)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/downloads", s.handler.RecordDownload)
}

// handleHealth reports the aggregated component health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": string(observability.HealthStatusHealthy),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	result := s.health.Check(r.Context())
	status := http.StatusOK
	if result.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting billing API server",
		"addr", s.server.Addr,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down billing API server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Log error but can't do much at this point
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}
