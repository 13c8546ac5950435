package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
	"github.com/felixgeelhaar/settle/pkg/observability"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 10 * time.Minute
)

// Ticker delivers poll ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// PollResult reports how waiting for an order ended.
type PollResult struct {
	Order    *domain.Order
	Status   domain.OrderStatus
	Polls    int
	TimedOut bool
}

// Poller waits for an order to reach a terminal status by querying the
// gateway at a fixed interval. A timeout ends the wait only; the order stays
// pending and later notifications are still honored.
type Poller struct {
	ledger    *Ledger
	gateways  *Gateways
	interval  time.Duration
	timeout   time.Duration
	newTicker func(time.Duration) Ticker
	after     func(time.Duration) <-chan time.Time
	logger    *slog.Logger
	metrics   observability.Metrics
}

// NewPoller creates a poller with the default 2s interval and 10m ceiling.
func NewPoller(ledger *Ledger, gateways *Gateways, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		ledger:    ledger,
		gateways:  gateways,
		interval:  DefaultPollInterval,
		timeout:   DefaultPollTimeout,
		newTicker: func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} },
		after:     time.After,
		logger:    logger,
		metrics:   observability.NoopMetrics{},
	}
}

// WithTiming overrides the interval and ceiling.
func (p *Poller) WithTiming(interval, timeout time.Duration) *Poller {
	if interval > 0 {
		p.interval = interval
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// WithTimeSource replaces the ticker and timer factories.
func (p *Poller) WithTimeSource(newTicker func(time.Duration) Ticker, after func(time.Duration) <-chan time.Time) *Poller {
	if newTicker != nil {
		p.newTicker = newTicker
	}
	if after != nil {
		p.after = after
	}
	return p
}

// WithMetrics sets the metrics sink.
func (p *Poller) WithMetrics(m observability.Metrics) *Poller {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Timeout returns the polling ceiling.
func (p *Poller) Timeout() time.Duration { return p.timeout }

// Wait polls until the order is terminal, the ceiling passes or ctx ends.
// A ceiling of less than the default can be requested with maxWait.
func (p *Poller) Wait(ctx context.Context, orderID uuid.UUID, maxWait time.Duration) (PollResult, error) {
	order, err := p.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return PollResult{}, err
	}
	if order.Status().IsTerminal() {
		return PollResult{Order: order, Status: order.Status()}, nil
	}

	timeout := p.timeout
	if maxWait > 0 && maxWait < timeout {
		timeout = maxWait
	}

	ticker := p.newTicker(p.interval)
	defer ticker.Stop()
	deadline := p.after(timeout)

	result := PollResult{Order: order, Status: order.Status()}
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-deadline:
			result.TimedOut = true
			p.metrics.Counter(observability.MetricPollTimeouts, 1)
			p.logger.InfoContext(ctx, "status poll timed out, order left pending",
				"order_id", orderID,
				"polls", result.Polls,
			)
			return result, nil
		case <-ticker.C():
			result.Polls++
			current, err := p.check(ctx, order)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				p.logger.WarnContext(ctx, "status poll failed", "order_id", orderID, "error", err)
				continue
			}
			result.Order = current
			result.Status = current.Status()
			if current.Status().IsTerminal() {
				return result, nil
			}
		}
	}
}

// check returns the committed order, first applying any terminal status the
// gateway reports through the ledger so a paid answer is durable before it is returned.
func (p *Poller) check(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	current, err := p.ledger.GetOrder(ctx, order.ID())
	if err != nil {
		return nil, err
	}
	if current.Status().IsTerminal() || current.GatewayReference() == "" {
		return current, nil
	}

	querier, ok := p.gateways.QuerierFor(current.Method())
	if !ok {
		return current, nil
	}
	return applyStatusQuery(ctx, p.ledger, querier, current, "poll", p.logger)
}
