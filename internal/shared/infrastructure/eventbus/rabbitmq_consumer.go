package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueueName is the durable queue the worker consumes billing events from.
const DefaultQueueName = "settle.billing.worker"

// RabbitMQConsumerConfig configures the RabbitMQ consumer.
type RabbitMQConsumerConfig struct {
	URL       string
	QueueName string
	Exchange  string
	// DeadLetterExchange receives messages that failed twice. Empty drops them.
	DeadLetterExchange string
	Prefetch           int
	Logger             *slog.Logger
}

// RabbitMQConsumer feeds a durable queue into a Router. A message whose
// handlers fail is requeued once; a second failure rejects it.
type RabbitMQConsumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	cfg       RabbitMQConsumerConfig
	router    *Router
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQConsumer connects and declares the exchange and queue.
func NewRabbitMQConsumer(cfg RabbitMQConsumerConfig, router *Router) (*RabbitMQConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	fail := func(err error) (*RabbitMQConsumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return fail(err)
	}

	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
			return fail(fmt.Errorf("failed to declare dead letter exchange: %w", err))
		}
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, args); err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	cfg.Logger.Info("RabbitMQ consumer connected",
		"queue", cfg.QueueName,
		"exchange", cfg.Exchange,
	)
	return &RabbitMQConsumer{
		conn:    conn,
		channel: ch,
		cfg:     cfg,
		router:  router,
		logger:  cfg.Logger,
		closeCh: make(chan struct{}),
	}, nil
}

// Start binds the queue to the router's patterns and consumes until ctx ends
// or Close is called.
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	for _, pattern := range c.router.Patterns() {
		if err := c.channel.QueueBind(c.cfg.QueueName, pattern, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", pattern, err)
		}
		c.logger.Debug("bound queue", "queue", c.cfg.QueueName, "routing_key", pattern)
	}

	if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := c.channel.Consume(
		c.cfg.QueueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consuming billing events", "queue", c.cfg.QueueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(ctx, d)
		}
	}
}

// settle acks, requeues or rejects one delivery.
func (c *RabbitMQConsumer) settle(ctx context.Context, d amqp.Delivery) {
	env, err := DecodeEnvelope(d.Body, d.RoutingKey)
	if err != nil {
		c.logger.Error("discarding undecodable message",
			"routing_key", d.RoutingKey,
			"message_id", d.MessageId,
			"error", err,
		)
		if err := d.Reject(false); err != nil {
			c.logger.Error("failed to reject message", "error", err)
		}
		return
	}

	start := time.Now()
	if err := c.router.Dispatch(ctx, env); err != nil {
		requeue := !d.Redelivered
		c.logger.Error("event handling failed",
			"routing_key", env.RoutingKey,
			"event_id", env.EventID,
			"correlation_id", env.Metadata.CorrelationID,
			"requeue", requeue,
			"error", err,
		)
		if err := d.Nack(false, requeue); err != nil {
			c.logger.Error("failed to nack message", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}
	c.logger.Debug("event handled",
		"routing_key", env.RoutingKey,
		"event_id", env.EventID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Close stops Start and closes the connection. It is safe to call twice.
func (c *RabbitMQConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()

		if cerr := c.channel.Close(); cerr != nil {
			c.logger.Warn("error closing channel", "error", cerr)
		}
		err = c.conn.Close()
		c.logger.Info("RabbitMQ consumer closed")
	})
	return err
}
