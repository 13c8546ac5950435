package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryMetrics_TagOrderIsIrrelevant(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Counter(MetricTransitions, 1, T("target", "paid"), T("result", "applied"))
	m.Counter(MetricTransitions, 1, T("result", "applied"), T("target", "paid"))
	m.Counter(MetricTransitions, 1, T("target", "canceled"), T("result", "applied"))

	assert.Equal(t, int64(2), m.GetCounter(MetricTransitions, T("result", "applied"), T("target", "paid")))
	assert.Equal(t, int64(1), m.GetCounter(MetricTransitions, T("target", "canceled"), T("result", "applied")))
	assert.Zero(t, m.GetCounter(MetricTransitions))
}

func TestInMemoryMetrics_GaugeAndSamples(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Gauge(MetricStalePendingOrders, 5)
	m.Gauge(MetricStalePendingOrders, 3)
	assert.Equal(t, 3.0, m.GetGauge(MetricStalePendingOrders))

	m.Timing(MetricHTTPRequestDuration, 1500*time.Millisecond, T("route", "/orders"))
	m.Histogram(MetricHTTPRequestDuration, 0.25, T("route", "/orders"))
	assert.Equal(t, []float64{1.5, 0.25}, m.Samples(MetricHTTPRequestDuration, T("route", "/orders")))
	assert.Empty(t, m.Samples(MetricHTTPRequestDuration, T("route", "/plans")))
}

func TestInMemoryMetrics_Concurrent(t *testing.T) {
	m := NewInMemoryMetrics()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				m.Counter(MetricOrdersCreated, 1, T("method", "checkout_session"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), m.GetCounter(MetricOrdersCreated, T("method", "checkout_session")))
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = NoopMetrics{}
	assert.NotPanics(t, func() {
		m.Counter(MetricOrdersCreated, 1)
		m.Gauge(MetricOutboxLag, 1)
		m.Histogram(MetricHTTPRequestDuration, 1)
		m.Timing(MetricOperationDuration, time.Second)
	})
}
