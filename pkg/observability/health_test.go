package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthRegistry_Check(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		checks   map[string]HealthChecker
		expected HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", map[string]HealthChecker{
			"database": PingChecker("database", HealthStatusUnhealthy, ok),
			"redis":    PingChecker("redis", HealthStatusDegraded, ok),
		}, HealthStatusHealthy},
		{"cache down", map[string]HealthChecker{
			"database": PingChecker("database", HealthStatusUnhealthy, ok),
			"redis":    PingChecker("redis", HealthStatusDegraded, down),
		}, HealthStatusDegraded},
		{"database down", map[string]HealthChecker{
			"database": PingChecker("database", HealthStatusUnhealthy, down),
			"redis":    PingChecker("redis", HealthStatusDegraded, down),
		}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHealthRegistry(time.Second)
			for name, c := range tt.checks {
				r.Register(name, c)
			}
			health := r.Check(context.Background())
			assert.Equal(t, tt.expected, health.Status)
			assert.Len(t, health.Checks, len(tt.checks))
		})
	}
}

func TestHealthRegistry_TimeoutBoundsChecks(t *testing.T) {
	r := NewHealthRegistry(20 * time.Millisecond)
	r.Register("slow", PingChecker("slow", HealthStatusDegraded, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	health := r.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.Contains(t, health.Checks["slow"].Message, "deadline exceeded")
	assert.Equal(t, []string{"slow"}, r.Names())
}
