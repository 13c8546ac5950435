package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Counter(t *testing.T) {
	m := NewPrometheusMetrics()

	m.Counter(MetricTransitions, 1, T("target", "paid"), T("result", "applied"))
	m.Counter(MetricTransitions, 2, T("result", "applied"), T("target", "paid"))
	m.Counter(MetricTransitions, 1, T("target", "canceled"), T("result", "applied"))

	vec := m.counters[MetricTransitions]
	require.NotNil(t, vec)
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues("applied", "paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("applied", "canceled")))
}

func TestPrometheusMetrics_GaugeAndTiming(t *testing.T) {
	m := NewPrometheusMetrics()

	m.Gauge(MetricStalePendingOrders, 4)
	m.Gauge(MetricStalePendingOrders, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.gauges[MetricStalePendingOrders]))

	m.Timing(MetricOperationDuration, 250*time.Millisecond, T("operation", "repair"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.histograms[MetricOperationDuration]))
}

func TestPrometheusMetrics_MismatchedLabelsAreDropped(t *testing.T) {
	m := NewPrometheusMetrics()

	m.Counter("jobs_total", 1, T("kind", "a"))
	assert.NotPanics(t, func() { m.Counter("jobs_total", 1) })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.counters["jobs_total"].WithLabelValues("a")))
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	m := NewPrometheusMetrics()
	m.Counter(MetricOrdersCreated, 1, T("method", "qr_alipay"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `billing_orders_created_total{method="qr_alipay"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "settle_operation_total", sanitize("settle.operation-total"))
}
