package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/settle/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/settle/pkg/observability"
)

// ProcessorConfig tunes the relay loop.
type ProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is the number of publish attempts before a message is
	// marked dead. Zero or less kills a message on its first failure.
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// Lease hides a claimed batch from other workers until it elapses.
	Lease time.Duration
}

// DefaultProcessorConfig returns the settings used when none are configured.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		MaxAttempts:      8,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  5 * time.Minute,
		Lease:            30 * time.Second,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = d.RetryBackoffBase
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		c.RetryBackoffMax = max(d.RetryBackoffMax, c.RetryBackoffBase)
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	return c
}

// Backoff returns the delay before the given attempt number, starting at 1.
func (c ProcessorConfig) Backoff(attempt int) time.Duration {
	d := c.RetryBackoffBase
	for i := 1; i < attempt && d < c.RetryBackoffMax; i++ {
		d *= 2
	}
	return min(d, c.RetryBackoffMax)
}

// Stats is a snapshot of relay progress since start.
type Stats struct {
	IsRunning       bool
	PublishedCount  uint64
	FailedCount     uint64
	DeadCount       uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastProcessedAt *time.Time
}

// Processor relays outbox messages to a publisher at least once.
type Processor struct {
	repo      Repository
	publisher eventbus.Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   observability.Metrics
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewProcessor creates a processor. Zero config fields take defaults.
func NewProcessor(repo Repository, publisher eventbus.Publisher, config ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config.withDefaults(),
		logger:    logger.With("component", "outbox"),
		metrics:   observability.NoopMetrics{},
		now:       time.Now,
	}
}

// WithMetrics reports relay counters and lag.
func (p *Processor) WithMetrics(m observability.Metrics) *Processor {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Start runs the relay loop in the background. Calling it twice is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.setRunning(true)

	go p.loop(ctx, p.done)

	p.logger.Info("outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"max_attempts", p.config.MaxAttempts,
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight batch.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.setRunning(false)
	p.logger.Info("outbox processor stopped")
}

// IsRunning reports whether the loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Processor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := p.relay(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("outbox relay failed", "error", err)
		}
		// A full batch means more is probably due; go again immediately.
		wait := p.config.PollInterval
		if err == nil && n == p.config.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessOnce relays a single batch synchronously.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	_, err := p.relay(ctx)
	return err
}

func (p *Processor) relay(ctx context.Context) (int, error) {
	msgs, err := p.repo.Claim(ctx, p.config.BatchSize, p.config.Lease)
	if err != nil {
		p.recordError(err)
		return 0, err
	}
	p.recordLag(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			// The lease returns unprocessed messages to the queue.
			return len(msgs), ctx.Err()
		}
		p.deliver(ctx, msg)
	}
	return len(msgs), nil
}

func (p *Processor) deliver(ctx context.Context, msg *Message) {
	log := p.logger.With(
		"outbox_id", msg.ID,
		"event_id", msg.EventID,
		"routing_key", msg.RoutingKey,
		"correlation_id", msg.Metadata.CorrelationID,
	)

	pubErr := p.publisher.Publish(ctx, msg.Envelope())
	if pubErr == nil {
		if err := p.repo.MarkPublished(ctx, msg.ID); err != nil {
			// Published but not marked: the message goes out again after the lease.
			log.Error("failed to mark message published", "error", err)
			p.recordError(err)
			return
		}
		p.recordPublished(msg.RoutingKey)
		return
	}

	attempt := msg.Attempts + 1
	if attempt >= p.config.MaxAttempts {
		log.Error("outbox message dead after final attempt", "attempts", attempt, "error", pubErr)
		if err := p.repo.MarkDead(ctx, msg.ID, pubErr.Error()); err != nil {
			log.Error("failed to mark message dead", "error", err)
		}
		p.recordDead(msg.RoutingKey, pubErr)
		return
	}

	next := p.now().Add(p.config.Backoff(attempt))
	log.Warn("failed to publish outbox message", "attempt", attempt, "next_attempt_at", next, "error", pubErr)
	if err := p.repo.MarkFailed(ctx, msg.ID, pubErr.Error(), next); err != nil {
		log.Error("failed to mark message failed", "error", err)
	}
	p.recordFailed(msg.RoutingKey, pubErr)
}

// GetStats returns a copy of the current counters.
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Processor) setRunning(running bool) {
	p.statsMu.Lock()
	p.stats.IsRunning = running
	p.statsMu.Unlock()
}

func (p *Processor) recordPublished(routingKey string) {
	p.statsMu.Lock()
	p.stats.PublishedCount++
	p.statsMu.Unlock()
	p.metrics.Counter(observability.MetricOutboxPublished, 1, observability.T("routing_key", routingKey))
}

func (p *Processor) recordFailed(routingKey string, err error) {
	p.statsMu.Lock()
	p.stats.FailedCount++
	p.statsMu.Unlock()
	p.recordError(err)
	p.metrics.Counter(observability.MetricOutboxFailed, 1,
		observability.T("routing_key", routingKey), observability.T("outcome", "retry"))
}

func (p *Processor) recordDead(routingKey string, err error) {
	p.statsMu.Lock()
	p.stats.DeadCount++
	p.statsMu.Unlock()
	p.recordError(err)
	p.metrics.Counter(observability.MetricOutboxFailed, 1,
		observability.T("routing_key", routingKey), observability.T("outcome", "dead"))
}

func (p *Processor) recordError(err error) {
	now := p.now()
	p.statsMu.Lock()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
	p.statsMu.Unlock()
}

func (p *Processor) recordLag(msgs []*Message) {
	now := p.now()
	lag := 0.0
	if len(msgs) > 0 {
		// Claim returns oldest first.
		lag = now.Sub(msgs[0].CreatedAt).Seconds()
	}
	p.statsMu.Lock()
	p.stats.LastProcessedAt = &now
	p.stats.LagSeconds = lag
	p.statsMu.Unlock()
	p.metrics.Gauge(observability.MetricOutboxLag, lag)
}
