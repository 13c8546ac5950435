package observability

import (
	"strings"
	"sync"
	"time"
)

// Metrics records application measurements. Implementations must accept
// tags in any order.
type Metrics interface {
	Counter(name string, value int64, tags ...Tag)
	Gauge(name string, value float64, tags ...Tag)
	Histogram(name string, value float64, tags ...Tag)
	// Timing records duration in seconds on a histogram.
	Timing(name string, duration time.Duration, tags ...Tag)
}

// Tag is one metric label.
type Tag struct {
	Key   string
	Value string
}

// T creates a Tag.
func T(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Counter(string, int64, ...Tag)        {}
func (NoopMetrics) Gauge(string, float64, ...Tag)        {}
func (NoopMetrics) Histogram(string, float64, ...Tag)    {}
func (NoopMetrics) Timing(string, time.Duration, ...Tag) {}

// InMemoryMetrics keeps the latest values in memory for tests and the
// CLI's local mode.
type InMemoryMetrics struct {
	mu      sync.RWMutex
	values  map[string]float64
	samples map[string][]float64
}

// NewInMemoryMetrics creates an empty recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		values:  make(map[string]float64),
		samples: make(map[string][]float64),
	}
}

func (m *InMemoryMetrics) Counter(name string, value int64, tags ...Tag) {
	m.mu.Lock()
	m.values[seriesKey(name, tags)] += float64(value)
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	m.values[seriesKey(name, tags)] = value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...Tag) {
	key := seriesKey(name, tags)
	m.mu.Lock()
	m.samples[key] = append(m.samples[key], value)
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.Histogram(name, duration.Seconds(), tags...)
}

// GetCounter returns a counter's total.
func (m *InMemoryMetrics) GetCounter(name string, tags ...Tag) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.values[seriesKey(name, tags)])
}

// GetGauge returns a gauge's last value.
func (m *InMemoryMetrics) GetGauge(name string, tags ...Tag) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[seriesKey(name, tags)]
}

// Samples returns the observations of a histogram or timing.
func (m *InMemoryMetrics) Samples(name string, tags ...Tag) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.samples[seriesKey(name, tags)]...)
}

// seriesKey identifies a series independent of tag order.
func seriesKey(name string, tags []Tag) string {
	keys, values := split(tags)
	var b strings.Builder
	b.WriteString(name)
	for i := range keys {
		b.WriteString("|" + keys[i] + "=" + values[i])
	}
	return b.String()
}

var _ Metrics = (*InMemoryMetrics)(nil)

// Metric names. They follow Prometheus naming so PrometheusMetrics can
// register them unchanged.
const (
	MetricOperationTotal    = "settle_operations_total"
	MetricOperationDuration = "settle_operation_duration_seconds"
	MetricOperationErrors   = "settle_operation_errors_total"

	MetricOrdersCreated         = "billing_orders_created_total"
	MetricTransitions           = "billing_transitions_total"
	MetricNotifications         = "billing_notifications_total"
	MetricFulfillmentsCompleted = "billing_fulfillments_completed_total"
	MetricFulfillmentFailures   = "billing_fulfillment_failures_total"
	MetricPollTimeouts          = "billing_poll_timeouts_total"
	MetricStalePendingOrders    = "billing_stale_pending_orders"
	MetricLatePayments          = "billing_late_payments_total"

	MetricHTTPRequests        = "http_requests_total"
	MetricHTTPRequestDuration = "http_request_duration_seconds"

	MetricOutboxPublished = "outbox_messages_published_total"
	MetricOutboxFailed    = "outbox_messages_failed_total"
	MetricOutboxLag       = "outbox_lag_seconds"
)
